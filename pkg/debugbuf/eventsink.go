package debugbuf

import "github.com/cuemby/dlmd/pkg/events"

// SubscribeBroker logs every event a lockspace's broker publishes into
// buf, tagged with lockspace, the same role dlm_debug_log played for
// every lock-manager state change in the kernel driver
// (original_source/dlm-kernel/src/proc.c). It runs until the returned
// stop function is called.
func (b *Buffer) SubscribeBroker(lockspace string, broker *events.Broker) (stop func()) {
	sub := broker.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for ev := range sub {
			b.Logf(lockspace, "%s %s %s", ev.Type, ev.Message, formatMetadata(ev.Metadata))
		}
	}()

	return func() {
		broker.Unsubscribe(sub)
		<-done
	}
}

func formatMetadata(md map[string]string) string {
	if len(md) == 0 {
		return ""
	}
	out := ""
	for k, v := range md {
		out += k + "=" + v + " "
	}
	return out
}
