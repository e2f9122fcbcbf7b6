package membership

import (
	"context"
	"fmt"
	"sync"
)

// Static is a Source whose membership is driven entirely by explicit
// test calls rather than any real cluster manager. It is the "static"
// plugin variant named in spec §9, for unit and integration tests that
// need deterministic stop/start/finish sequences.
type Static struct {
	mu      sync.Mutex
	self    CSB
	members []CSB
	epoch   uint64
	quorum  bool
	events  chan Event
	opened  bool
	closed  bool
	locked  map[string]bool
}

// NewStatic returns a Static seeded with an initial member list.
// Quorum starts true.
func NewStatic(initial []CSB) *Static {
	return &Static{
		members: append([]CSB(nil), initial...),
		quorum:  true,
		events:  make(chan Event, 16),
		locked:  make(map[string]bool),
	}
}

func (s *Static) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("membership: source already closed")
	}
	s.opened = true
	return nil
}

func (s *Static) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func (s *Static) Login(ctx context.Context, self CSB) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.self = self
	return nil
}

func (s *Static) Logout(ctx context.Context) error { return nil }

func (s *Static) Quorum(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quorum, nil
}

// SetQuorum lets a test force a quorum-loss scenario.
func (s *Static) SetQuorum(has bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quorum = has
}

func (s *Static) MemberList(ctx context.Context) ([]CSB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CSB(nil), s.members...), nil
}

func (s *Static) Events() <-chan Event { return s.events }

// SetMembers drives a full stop/start/finish cycle to the new member
// list, the way a real cluster manager's membership callback would.
func (s *Static) SetMembers(members []CSB) {
	s.mu.Lock()
	s.members = append([]CSB(nil), members...)
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	s.events <- Event{Kind: EventStop}
	s.events <- Event{Kind: EventStart, Members: members, Epoch: epoch}
	s.events <- Event{Kind: EventFinish, Members: members, Epoch: epoch}
}

func (s *Static) Fence(ctx context.Context, nodeID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.members[:0]
	for _, m := range s.members {
		if m.NodeID != nodeID {
			kept = append(kept, m)
		}
	}
	s.members = kept
	return nil
}

func (s *Static) LockResource(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked[name] {
		return fmt.Errorf("membership: cluster-service resource %q already locked", name)
	}
	s.locked[name] = true
	return nil
}

func (s *Static) UnlockResource(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locked, name)
	return nil
}
