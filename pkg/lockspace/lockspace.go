package lockspace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/dlmd/pkg/dispatch"
	"github.com/cuemby/dlmd/pkg/directory"
	"github.com/cuemby/dlmd/pkg/engine"
	"github.com/cuemby/dlmd/pkg/events"
	"github.com/cuemby/dlmd/pkg/idtable"
	"github.com/cuemby/dlmd/pkg/lkb"
	"github.com/cuemby/dlmd/pkg/log"
	"github.com/cuemby/dlmd/pkg/membership"
	"github.com/cuemby/dlmd/pkg/recovery"
	"github.com/cuemby/dlmd/pkg/resource"
	"github.com/cuemby/dlmd/pkg/transport"
	"github.com/rs/zerolog"
)

// defaultResourceShards and defaultLKBEntries size the per-lockspace
// hash table and lock-ID table (spec §3: "power-of-two sized"). A
// Lockspace with heavier traffic can be joined with explicit sizes via
// JoinOptions.
const (
	defaultResourceShards = 64
	defaultLKBEntries     = 1024
)

// Flags is the spec §3 lockspace lifecycle flag set.
type Flags int

const (
	FlagJoining Flags = iota
	FlagRunning
	FlagStopping
	FlagInRecovery
)

func (f Flags) String() string {
	switch f {
	case FlagJoining:
		return "JOINING"
	case FlagRunning:
		return "RUNNING"
	case FlagStopping:
		return "STOPPING"
	case FlagInRecovery:
		return "IN_RECOVERY"
	default:
		return "?"
	}
}

// Lockspace is a named, independent domain of resources and locks
// (spec §3): its own resource directory, lock-ID table, directory
// cache, dispatcher and recovery state, isolated from every other
// lockspace this node has joined.
type Lockspace struct {
	Name    string
	LocalID uint32

	// LKBCapacity is the size the lock-id table was created with: the
	// client package treats a table at capacity as resource-exhaustion
	// (spec §7 "NOMEM") rather than growing it or looping indefinitely.
	LKBCapacity int

	Resources  *resource.Directory
	LKBs       *idtable.Table[*lkb.LKB]
	Engine     *engine.Engine
	Directory  *directory.Directory
	Dispatch   *dispatch.Dispatcher
	Membership membership.Source
	Recovery   *recovery.Recovery
	Events     *events.Broker

	logger zerolog.Logger

	mu     sync.RWMutex
	joined bool

	cancel context.CancelFunc
}

// JoinOptions customizes the table sizes a Lockspace is built with.
// The zero value uses the package defaults.
type JoinOptions struct {
	ResourceShards int
	LKBEntries     int
}

func (o JoinOptions) withDefaults() JoinOptions {
	if o.ResourceShards <= 0 {
		o.ResourceShards = defaultResourceShards
	}
	if o.LKBEntries <= 0 {
		o.LKBEntries = defaultLKBEntries
	}
	return o
}

// newLockspace builds a Lockspace's collaborators, opens its membership
// source and starts recovery processing. It does not block for the
// initial recovery round to complete — spec §4.7: "join(name) creates
// and starts recovery as if from an empty member set". The lockspace
// begins in JOINING and leaves it the first time settleJoining sees
// recovery in RUNNING; recovery starts out in RUNNING, so unless a
// membership stop arrives first this happens on the first poll, without
// waiting for a finish.
func newLockspace(ctx context.Context, name string, localID uint32, selfAddr string, tr transport.Transport, src membership.Source, opts JoinOptions) (*Lockspace, error) {
	opts = opts.withDefaults()

	resources, err := resource.NewDirectory(opts.ResourceShards)
	if err != nil {
		return nil, fmt.Errorf("lockspace: %w", err)
	}
	lkbs, err := idtable.New[*lkb.LKB](opts.LKBEntries)
	if err != nil {
		return nil, fmt.Errorf("lockspace: %w", err)
	}
	eng := engine.New()
	dir := directory.New(selfAddr)
	dsp := dispatch.New(selfAddr, localID, tr, resources, lkbs, eng)
	dir.ServeLookups(dsp)
	rec := recovery.New(localID, selfAddr, resources, dir, dsp, src)

	broker := events.NewBroker()
	eng.SetBroker(broker)
	dir.SetBroker(broker)
	rec.SetBroker(broker)

	ls := &Lockspace{
		Name:        name,
		LocalID:     localID,
		LKBCapacity: opts.LKBEntries,
		Resources:   resources,
		LKBs:       lkbs,
		Engine:     eng,
		Directory:  dir,
		Dispatch:   dsp,
		Membership: src,
		Recovery:   rec,
		Events:     broker,
		logger:     log.WithLockspace(name),
	}
	broker.Start()

	runCtx, cancel := context.WithCancel(ctx)
	ls.cancel = cancel

	if err := src.Open(runCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("lockspace: opening membership source: %w", err)
	}
	if err := src.Login(runCtx, membership.CSB{NodeID: localID, Name: name, Addr: selfAddr}); err != nil {
		cancel()
		return nil, fmt.Errorf("lockspace: logging into membership source: %w", err)
	}

	go rec.Run(runCtx)
	go ls.trackMembership(runCtx)
	go ls.settleJoining(runCtx)

	return ls, nil
}

// trackMembership keeps the directory's member set in sync with
// whatever the membership source currently reports, so resource-name
// hashing (spec §4.4) always reflects live membership.
func (ls *Lockspace) trackMembership(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		members, err := ls.Membership.MemberList(ctx)
		if err == nil {
			addrs := make([]string, len(members))
			for i, m := range members {
				addrs[i] = m.Addr
			}
			ls.Directory.SetMembers(addrs)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// settleJoining flips the lockspace out of JOINING once recovery
// reports RUNNING for the first time.
func (ls *Lockspace) settleJoining(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ls.Recovery.State() == recovery.StateRunning {
				ls.mu.Lock()
				ls.joined = true
				ls.mu.Unlock()
				return
			}
		}
	}
}

// State returns the lockspace's current lifecycle flag.
func (ls *Lockspace) State() Flags {
	ls.mu.RLock()
	joined := ls.joined
	ls.mu.RUnlock()
	if !joined {
		return FlagJoining
	}
	switch ls.Recovery.State() {
	case recovery.StateStopping:
		return FlagStopping
	case recovery.StateInRecovery:
		return FlagInRecovery
	default:
		return FlagRunning
	}
}

// OutstandingLocks returns the number of local LKBs this lockspace
// still tracks, master-copy and client-owned alike.
func (ls *Lockspace) OutstandingLocks() int {
	return ls.LKBs.Len()
}

// close tears the lockspace's collaborators down. Called by the
// registry only after confirming no LKBs remain outstanding.
func (ls *Lockspace) close() error {
	ls.cancel()
	ls.Events.Stop()
	if err := ls.Dispatch.Close(); err != nil {
		return fmt.Errorf("lockspace: closing dispatcher: %w", err)
	}
	if err := ls.Membership.Logout(context.Background()); err != nil {
		ls.logger.Warn().Err(err).Msg("logout failed during leave")
	}
	return ls.Membership.Close()
}
