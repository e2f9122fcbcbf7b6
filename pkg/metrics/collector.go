package metrics

import (
	"time"

	"github.com/cuemby/dlmd/pkg/lockspace"
)

// Collector periodically samples every lockspace a Registry currently
// holds and updates the package's gauge metrics. Counter metrics
// (grants, blocks, deadlocks, ...) are counted from the events broker
// by SubscribeBroker as the events arrive; Collector only handles the
// point-in-time gauges that have no natural event to hang off of.
type Collector struct {
	registry *lockspace.Registry
	stopCh   chan struct{}
}

// NewCollector creates a metrics collector over reg.
func NewCollector(reg *lockspace.Registry) *Collector {
	return &Collector{
		registry: reg,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics on a fixed interval, sampling
// immediately on start.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	names := c.registry.List()

	stateCounts := make(map[string]int, 4)
	for _, name := range names {
		ls, ok := c.registry.FindByName(name)
		if !ok {
			continue
		}
		stateCounts[ls.State().String()]++

		ResourcesTotal.WithLabelValues(name).Set(float64(ls.Resources.Len()))
		LocksOutstandingTotal.WithLabelValues(name).Set(float64(ls.OutstandingLocks()))
		RecoveryEpoch.WithLabelValues(name).Set(float64(ls.Recovery.Epoch()))
	}

	for _, state := range []string{
		lockspace.FlagJoining.String(),
		lockspace.FlagRunning.String(),
		lockspace.FlagStopping.String(),
		lockspace.FlagInRecovery.String(),
	} {
		LockspacesTotal.WithLabelValues(state).Set(float64(stateCounts[state]))
	}
}
