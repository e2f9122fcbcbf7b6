package membership

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/dlmd/pkg/health"
	"github.com/cuemby/dlmd/pkg/log"
	"github.com/rs/zerolog"
)

// Poll is the gulm-style Source variant: "member" means "reachable",
// determined the same way pkg/health's TCP checker decides a
// container is alive, polled on an interval rather than pushed by a
// cluster manager.
type Poll struct {
	self     CSB
	statics  []CSB
	interval time.Duration
	config   health.Config
	logger   zerolog.Logger

	mu       sync.Mutex
	status   map[uint32]*health.Status
	members  []CSB
	epoch    uint64
	quorum   bool
	opened   bool
	stopCh   chan struct{}
	events   chan Event
	lockedMu sync.Mutex
	locked   map[string]bool
}

// NewPoll builds a Poll source over a fixed candidate set (the
// cluster's full configured node list, not just those currently
// reachable). self is excluded from liveness polling — it is always
// considered a member of itself.
func NewPoll(self CSB, candidates []CSB, interval time.Duration) *Poll {
	return &Poll{
		self:     self,
		statics:  append([]CSB(nil), candidates...),
		interval: interval,
		config:   health.DefaultConfig(),
		logger:   log.WithComponent("membership.poll"),
		status:   make(map[uint32]*health.Status),
		events:   make(chan Event, 16),
		locked:   make(map[string]bool),
	}
}

func (p *Poll) Open(ctx context.Context) error {
	p.mu.Lock()
	if p.opened {
		p.mu.Unlock()
		return nil
	}
	p.opened = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	go p.run(ctx)
	return nil
}

func (p *Poll) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opened {
		return nil
	}
	p.opened = false
	close(p.stopCh)
	close(p.events)
	return nil
}

func (p *Poll) Login(ctx context.Context, self CSB) error {
	p.mu.Lock()
	p.self = self
	p.mu.Unlock()
	return nil
}

func (p *Poll) Logout(ctx context.Context) error { return nil }

func (p *Poll) Quorum(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quorum, nil
}

func (p *Poll) MemberList(ctx context.Context) ([]CSB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CSB(nil), p.members...), nil
}

func (p *Poll) Events() <-chan Event { return p.events }

func (p *Poll) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poll) poll(ctx context.Context) {
	alive := []CSB{p.self}
	for _, candidate := range p.statics {
		checker := health.NewTCPChecker(candidate.Addr).WithTimeout(p.config.Timeout)
		result := checker.Check(ctx)

		p.mu.Lock()
		st, ok := p.status[candidate.NodeID]
		if !ok {
			st = health.NewStatus()
			p.status[candidate.NodeID] = st
		}
		st.Update(result, p.config)
		healthy := st.Healthy
		p.mu.Unlock()

		if healthy {
			alive = append(alive, candidate)
		}
	}
	sort.Slice(alive, func(i, j int) bool { return alive[i].NodeID < alive[j].NodeID })

	p.mu.Lock()
	changed := !sameMembers(p.members, alive)
	total := len(p.statics) + 1
	p.quorum = len(alive)*2 > total
	if !changed {
		p.mu.Unlock()
		return
	}
	p.members = alive
	p.epoch++
	epoch := p.epoch
	p.mu.Unlock()

	p.logger.Info().Int("members", len(alive)).Uint64("epoch", epoch).Msg("membership changed")
	p.events <- Event{Kind: EventStop}
	p.events <- Event{Kind: EventStart, Members: alive, Epoch: epoch}
	p.events <- Event{Kind: EventFinish, Members: alive, Epoch: epoch}
}

func sameMembers(a, b []CSB) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].NodeID != b[i].NodeID {
			return false
		}
	}
	return true
}

func (p *Poll) Fence(ctx context.Context, nodeID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.status, nodeID)
	kept := p.members[:0]
	for _, m := range p.members {
		if m.NodeID != nodeID {
			kept = append(kept, m)
		}
	}
	p.members = kept
	return nil
}

func (p *Poll) LockResource(ctx context.Context, name string) error {
	p.lockedMu.Lock()
	defer p.lockedMu.Unlock()
	p.locked[name] = true
	return nil
}

func (p *Poll) UnlockResource(ctx context.Context, name string) error {
	p.lockedMu.Lock()
	defer p.lockedMu.Unlock()
	delete(p.locked, name)
	return nil
}
