package lockspace

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/dlmd/pkg/log"
	"github.com/cuemby/dlmd/pkg/membership"
	"github.com/cuemby/dlmd/pkg/transport"
	"github.com/rs/zerolog"
)

// Registry is the named map of active lockspaces a node has joined
// (spec §4.7). One Registry is shared process-wide; each Lockspace it
// holds is otherwise fully independent.
type Registry struct {
	nextID atomic.Uint32

	mu        sync.RWMutex
	byName    map[string]*Lockspace
	byLocalID map[uint32]*Lockspace

	logger zerolog.Logger
}

// NewRegistry creates an empty lockspace registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:    make(map[string]*Lockspace),
		byLocalID: make(map[uint32]*Lockspace),
		logger:    log.WithComponent("lockspace-registry"),
	}
}

// Join creates and starts a lockspace named name, as if recovering
// from an empty member set (spec §4.7). It is an error to join a name
// this registry already holds.
func (r *Registry) Join(ctx context.Context, name, selfAddr string, tr transport.Transport, src membership.Source, opts JoinOptions) (*Lockspace, error) {
	r.mu.Lock()
	if _, exists := r.byName[name]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("lockspace: %q already joined", name)
	}
	r.mu.Unlock()

	localID := r.nextID.Add(1)
	ls, err := newLockspace(ctx, name, localID, selfAddr, tr, src, opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.byName[name] = ls
	r.byLocalID[localID] = ls
	r.mu.Unlock()

	r.logger.Info().Str("lockspace", name).Uint32("local_id", localID).Msg("lockspace joined")
	return ls, nil
}

// Leave removes and tears down the named lockspace. It refuses to
// leave while any LKB remains outstanding (spec §4.7: "leave(name)
// requires no local LKBs outstanding").
func (r *Registry) Leave(name string) error {
	r.mu.Lock()
	ls, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("lockspace: %q not joined", name)
	}
	r.mu.Unlock()

	if n := ls.OutstandingLocks(); n > 0 {
		return fmt.Errorf("lockspace: %q has %d outstanding lock(s), cannot leave", name, n)
	}

	if err := ls.close(); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.byName, name)
	delete(r.byLocalID, ls.LocalID)
	r.mu.Unlock()

	r.logger.Info().Str("lockspace", name).Msg("lockspace left")
	return nil
}

// FindByName is the O(k) (k = len(name)) registry lookup spec §4.7
// names.
func (r *Registry) FindByName(name string) (*Lockspace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ls, ok := r.byName[name]
	return ls, ok
}

// FindByLocalID is the O(1) registry lookup spec §4.7 names.
func (r *Registry) FindByLocalID(id uint32) (*Lockspace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ls, ok := r.byLocalID[id]
	return ls, ok
}

// List returns every currently-joined lockspace name.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}
