package metrics

import "github.com/cuemby/dlmd/pkg/events"

// SubscribeBroker counts every event a lockspace's broker publishes
// into the package's counter metrics, translating each events.Event
// into the appropriate Prometheus increment. It runs until the
// returned stop function is called, which unsubscribes and lets the
// goroutine exit.
func SubscribeBroker(broker *events.Broker) (stop func()) {
	sub := broker.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for ev := range sub {
			countEvent(ev)
		}
	}()

	return func() {
		broker.Unsubscribe(sub)
		<-done
	}
}

func countEvent(ev *events.Event) {
	mode := ev.Metadata["mode"]
	switch ev.Type {
	case events.EventLockGranted:
		LocksGrantedTotal.WithLabelValues(mode).Inc()
	case events.EventLockBlocked:
		LocksBlockedTotal.Inc()
	case events.EventLockCancelled:
		LocksCancelledTotal.Inc()
	case events.EventDeadlockDetected:
		DeadlocksDetectedTotal.Inc()
	case events.EventMasterElected:
		MasterElectionsTotal.Inc()
	case events.EventPeerDeparted:
		PeersDepartedTotal.Inc()
	}
}
