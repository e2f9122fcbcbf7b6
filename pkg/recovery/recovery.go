package recovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/dlmd/pkg/dispatch"
	"github.com/cuemby/dlmd/pkg/directory"
	"github.com/cuemby/dlmd/pkg/events"
	"github.com/cuemby/dlmd/pkg/lkb"
	"github.com/cuemby/dlmd/pkg/log"
	"github.com/cuemby/dlmd/pkg/membership"
	"github.com/cuemby/dlmd/pkg/resource"
	"github.com/cuemby/dlmd/pkg/types"
	"github.com/cuemby/dlmd/pkg/wire"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// State is a lockspace's recovery-protocol phase (spec §4.7 Lockspace
// flags, restricted to the subset recovery itself drives).
type State int

const (
	StateRunning State = iota
	StateStopping
	StateInRecovery
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateInRecovery:
		return "IN_RECOVERY"
	default:
		return "?"
	}
}

// peerMsgIDs is one peer's monotonic names/locks send and receive
// counters (spec §4.6 point 5).
type peerMsgIDs struct {
	namesSend uint64
	locksSend uint64
	namesRecv uint64
	locksRecv uint64
}

// Recovery runs the stop/start/finish protocol for one lockspace.
// Peer identifiers throughout this package are dial addresses
// (membership.CSB.Addr), the same strings pkg/dispatch and
// pkg/directory already use to address a remote node, not the
// cluster-manager's human-readable membership.CSB.Name.
type Recovery struct {
	lockspaceID uint32
	selfNodeID  string

	resources  *resource.Directory
	dir        *directory.Directory
	dispatcher *dispatch.Dispatcher
	source     membership.Source
	logger     zerolog.Logger
	broker     *events.Broker

	mu            sync.Mutex
	state         State
	epoch         uint64
	cancelCurrent context.CancelFunc
	prevMembers   map[string]bool

	msgMu sync.Mutex
	msgs  map[string]*peerMsgIDs
}

// New builds a Recovery orchestrator. resources and dispatcher must be
// the same instances the lockspace's engine and client API operate
// on.
func New(lockspaceID uint32, selfNodeID string, resources *resource.Directory, dir *directory.Directory, dispatcher *dispatch.Dispatcher, source membership.Source) *Recovery {
	r := &Recovery{
		lockspaceID: lockspaceID,
		selfNodeID:  selfNodeID,
		resources:   resources,
		dir:         dir,
		dispatcher:  dispatcher,
		source:      source,
		logger:      log.WithComponent("recovery"),
		msgs:        make(map[string]*peerMsgIDs),
		prevMembers: make(map[string]bool),
	}
	dispatcher.OnKind(wire.KindNames, r.handleNames)
	dispatcher.OnKind(wire.KindLocks, r.handleLocks)
	return r
}

// SetBroker attaches an event broker that recovery-epoch and
// departed-peer transitions publish to. Nil by default.
func (r *Recovery) SetBroker(b *events.Broker) { r.broker = b }

func (r *Recovery) publish(typ events.EventType, message string, metadata map[string]string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{Type: typ, Message: message, Metadata: metadata})
}

// State returns the current recovery-protocol phase.
func (r *Recovery) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Epoch returns the most recently started recovery epoch number.
func (r *Recovery) Epoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

// Run processes the source's event feed until ctx is cancelled or the
// feed is closed.
func (r *Recovery) Run(ctx context.Context) {
	events := r.source.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.handleEvent(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Recovery) handleEvent(ctx context.Context, ev membership.Event) {
	switch ev.Kind {
	case membership.EventStop:
		r.mu.Lock()
		if r.cancelCurrent != nil {
			r.cancelCurrent()
			r.cancelCurrent = nil
		}
		r.state = StateStopping
		r.mu.Unlock()
		r.logger.Info().Msg("recovery: stop received, suspending new traffic")

	case membership.EventStart:
		epochCtx, cancel := context.WithCancel(ctx)
		r.mu.Lock()
		r.state = StateInRecovery
		r.epoch = ev.Epoch
		r.cancelCurrent = cancel
		r.mu.Unlock()
		r.logger.Info().Uint64("epoch", ev.Epoch).Int("members", len(ev.Members)).Msg("recovery: start received")
		r.publish(events.EventRecoveryStarted, "recovery epoch started", map[string]string{"epoch": fmt.Sprintf("%d", ev.Epoch)})
		go r.runEpoch(epochCtx, ev)

	case membership.EventFinish:
		r.mu.Lock()
		if ev.Epoch == r.epoch {
			r.state = StateRunning
			r.cancelCurrent = nil
		}
		r.mu.Unlock()
		r.logger.Info().Uint64("epoch", ev.Epoch).Msg("recovery: finish received")
		r.publish(events.EventRecoveryFinished, "recovery epoch finished", map[string]string{"epoch": fmt.Sprintf("%d", ev.Epoch)})
	}
}

func (r *Recovery) runEpoch(ctx context.Context, ev membership.Event) {
	newMembers := make(map[string]bool, len(ev.Members))
	for _, m := range ev.Members {
		newMembers[m.Addr] = true
	}

	r.mu.Lock()
	var departed []string
	for addr := range r.prevMembers {
		if !newMembers[addr] {
			departed = append(departed, addr)
		}
	}
	r.prevMembers = newMembers
	r.mu.Unlock()

	for _, peer := range departed {
		n := r.dispatcher.PurgeOwner(peer)
		cleared := r.dir.ClearMasterByNode(peer)
		r.logger.Info().Str("peer", peer).Int("purged", n).Int("names_cleared", len(cleared)).Msg("recovery: departed peer purged")
		r.publish(events.EventPeerDeparted, "peer departed", map[string]string{"peer": peer, "purged": fmt.Sprintf("%d", n)})
		if ctx.Err() != nil {
			return
		}
	}
	r.clearLocalMastersOf(departed)
	if ctx.Err() != nil {
		return
	}

	if err := r.namesPass(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("recovery: names pass failed, will retry on next start")
		return
	}
	if err := r.locksPass(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("recovery: locks pass failed, will retry on next start")
		return
	}
}

// clearLocalMastersOf resets MasterNodeID on every locally-tracked
// resource mastered by a departed node, so the next operation on it
// triggers a fresh directory lookup (spec §4.6 action 2).
func (r *Recovery) clearLocalMastersOf(departed []string) {
	departedSet := make(map[string]bool, len(departed))
	for _, d := range departed {
		departedSet[d] = true
	}
	r.resources.Iterate(func(rsb *resource.RSB) bool {
		rsb.Lock()
		if departedSet[rsb.MasterNodeID] {
			rsb.MasterNodeID = ""
			rsb.MasterResolved = false
		}
		rsb.Unlock()
		return true
	})
}

// localLKBsOnRemoteMastered collects every locally-owned (non-master-
// copy) LKB whose resource is currently mastered by some other node.
func (r *Recovery) localLKBsOnRemoteMastered() map[*resource.RSB][]*lkb.LKB {
	out := make(map[*resource.RSB][]*lkb.LKB)
	r.resources.Iterate(func(rsb *resource.RSB) bool {
		rsb.Lock()
		if rsb.MasterNodeID != "" {
			for _, q := range []resource.QueueName{resource.QueueGranted, resource.QueueConvert, resource.QueueWait} {
				rsb.Each(q, func(l *lkb.LKB) bool {
					if !l.Flags.Has(types.FlagMasterCopy) {
						out[rsb] = append(out[rsb], l)
					}
					return true
				})
			}
		}
		rsb.Unlock()
		return true
	})
	return out
}

func (r *Recovery) nextNamesMsgID(peer string) uint64 {
	r.msgMu.Lock()
	defer r.msgMu.Unlock()
	p, ok := r.msgs[peer]
	if !ok {
		p = &peerMsgIDs{}
		r.msgs[peer] = p
	}
	p.namesSend++
	return p.namesSend
}

func (r *Recovery) nextLocksMsgID(peer string) uint64 {
	r.msgMu.Lock()
	defer r.msgMu.Unlock()
	p, ok := r.msgs[peer]
	if !ok {
		p = &peerMsgIDs{}
		r.msgs[peer] = p
	}
	p.locksSend++
	return p.locksSend
}

// namesPass tells each resource's current directory node about grants
// this node already holds on remotely-mastered resources (spec §4.6
// action 3).
func (r *Recovery) namesPass(ctx context.Context) error {
	byResource := r.localLKBsOnRemoteMastered()

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var errs error

	for rsb := range byResource {
		rsb := rsb
		target, err := r.dir.DirectoryNode(rsb.Name)
		if err != nil {
			continue
		}
		g.Go(func() error {
			msgid := r.nextNamesMsgID(target)
			msg := &wire.Message{
				Kind:        wire.KindNames,
				LockspaceID: r.lockspaceID,
				RemoteLKID:  uint32(msgid),
				Name:        rsb.Name,
			}
			if err := r.dispatcher.RawSend(gctx, target, msg); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return errs
}

// locksPass re-sends every locally-owned LKB's request state to its
// master so the master re-creates its master-copy (spec §4.6 action
// 4).
func (r *Recovery) locksPass(ctx context.Context) error {
	byResource := r.localLKBsOnRemoteMastered()

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var errs error

	for rsb, lkbs := range byResource {
		rsb, lkbs := rsb, lkbs
		target := rsb.MasterNodeID
		if target == "" {
			continue
		}
		for _, l := range lkbs {
			l := l
			g.Go(func() error {
				msgid := r.nextLocksMsgID(target)
				msg := &wire.Message{
					Kind:        wire.KindLocks,
					LockspaceID: r.lockspaceID,
					SenderLKID:  uint32(l.ID),
					RemoteLKID:  uint32(msgid),
					Mode:        l.GrMode,
					RqMode:      l.RqMode,
					Flags:       l.Flags,
					Name:        rsb.Name,
				}
				if err := r.dispatcher.RawSend(gctx, target, msg); err != nil {
					mu.Lock()
					errs = multierror.Append(errs, err)
					mu.Unlock()
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return errs
}

func (r *Recovery) handleNames(peer string, msg *wire.Message) {
	r.msgMu.Lock()
	p, ok := r.msgs[peer]
	if !ok {
		p = &peerMsgIDs{}
		r.msgs[peer] = p
	}
	msgid := uint64(msg.RemoteLKID)
	if msgid <= p.namesRecv {
		r.msgMu.Unlock()
		return
	}
	p.namesRecv = msgid
	r.msgMu.Unlock()

	r.dir.LookupOrElect(msg.Name, peer)
}

func (r *Recovery) handleLocks(peer string, msg *wire.Message) {
	r.msgMu.Lock()
	p, ok := r.msgs[peer]
	if !ok {
		p = &peerMsgIDs{}
		r.msgs[peer] = p
	}
	msgid := uint64(msg.RemoteLKID)
	if msgid <= p.locksRecv {
		r.msgMu.Unlock()
		return
	}
	p.locksRecv = msgid
	r.msgMu.Unlock()

	r.dispatcher.RestoreMasterCopy(peer, msg.Name, msg.Mode, msg.Flags, msg.SenderLKID)
}
