package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/dlmd/pkg/engine"
	"github.com/cuemby/dlmd/pkg/idtable"
	"github.com/cuemby/dlmd/pkg/lkb"
	"github.com/cuemby/dlmd/pkg/log"
	"github.com/cuemby/dlmd/pkg/resource"
	"github.com/cuemby/dlmd/pkg/transport"
	"github.com/cuemby/dlmd/pkg/types"
	"github.com/cuemby/dlmd/pkg/wire"
	"github.com/rs/zerolog"
)

// remoteKey identifies a master-copy LKB by the peer that owns it and
// that peer's own (never-changing) local lock id.
type remoteKey struct {
	peer string
	lkid uint32
}

// masterLKB is the bookkeeping dispatch keeps alongside a master-copy
// LKB: which peer owns it and which reply kind the in-flight engine
// call should produce once its completion fires.
//
// pendingReplyKind is written by the single goroutine reading this
// peer's channel immediately before an engine call, and read from
// inside l.Complete, which that same call invokes synchronously while
// still holding the resource lock (pkg/lkb: "invoked while holding the
// owning resource's lock") — so no separate mutex is needed for it.
type masterLKB struct {
	l                *lkb.LKB
	peer             string
	pendingReplyKind wire.Kind
}

// Dispatcher owns every channel this node holds open to its peers and
// the correlation state for both directions of traffic: local
// requests waiting on a remote master's reply, and remote requests
// this node is mastering.
type Dispatcher struct {
	selfNodeID  string
	lockspaceID uint32
	transport   transport.Transport
	resources   *resource.Directory
	lkbs        *idtable.Table[*lkb.LKB]
	engine      *engine.Engine
	logger      zerolog.Logger

	chMu     sync.Mutex
	channels map[string]transport.Channel

	pendingMu sync.Mutex
	pending   map[idtable.ID]chan *wire.Message

	masterMu  sync.Mutex
	masterIdx map[remoteKey]idtable.ID
	masters   map[idtable.ID]*masterLKB

	customMu sync.Mutex
	custom   map[wire.Kind]func(peer string, msg *wire.Message)

	lookupMu      sync.Mutex
	lookupSeq     uint32
	lookupPending map[uint32]chan *wire.Message
}

// New builds a Dispatcher for one lockspace. lkbs is the local LKB
// table shared with the lockspace's client-facing API; resources is
// the same lockspace's resource directory.
func New(selfNodeID string, lockspaceID uint32, tr transport.Transport, resources *resource.Directory, lkbs *idtable.Table[*lkb.LKB], eng *engine.Engine) *Dispatcher {
	return &Dispatcher{
		selfNodeID:  selfNodeID,
		lockspaceID: lockspaceID,
		transport:   tr,
		resources:   resources,
		lkbs:        lkbs,
		engine:      eng,
		logger:      log.WithComponent("dispatch"),
		channels:    make(map[string]transport.Channel),
		pending:     make(map[idtable.ID]chan *wire.Message),
		masterIdx:   make(map[remoteKey]idtable.ID),
		masters:     make(map[idtable.ID]*masterLKB),
		custom:        make(map[wire.Kind]func(peer string, msg *wire.Message)),
		lookupPending: make(map[uint32]chan *wire.Message),
	}
}

func (d *Dispatcher) channelTo(ctx context.Context, peer string) (transport.Channel, error) {
	d.chMu.Lock()
	if ch, ok := d.channels[peer]; ok {
		d.chMu.Unlock()
		return ch, nil
	}
	d.chMu.Unlock()

	ch, err := d.transport.Connect(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("dispatch: connect to %s: %w", peer, err)
	}

	d.chMu.Lock()
	if existing, ok := d.channels[peer]; ok {
		d.chMu.Unlock()
		_ = ch.Close()
		return existing, nil
	}
	d.channels[peer] = ch
	d.chMu.Unlock()

	go d.readLoop(ch)
	return ch, nil
}

// Adopt registers an already-connected inbound Channel (e.g. one
// handed back from a transport.Accept loop) so replies and remote
// requests on it are processed the same way as outbound channels.
func (d *Dispatcher) Adopt(ch transport.Channel) {
	d.chMu.Lock()
	d.channels[ch.Peer()] = ch
	d.chMu.Unlock()
	go d.readLoop(ch)
}

// AdoptWithFirst is Adopt for a channel whose first wire message has
// already been read off it (by a daemon demultiplexing one shared
// listener across several lockspaces' dispatchers by wire.Message's
// LockspaceID — spec §4.7 lockspaces being otherwise fully
// independent doesn't extend to owning a listener each). first is
// handled before the channel's normal read loop begins.
func (d *Dispatcher) AdoptWithFirst(ch transport.Channel, first *wire.Message) {
	d.chMu.Lock()
	d.channels[ch.Peer()] = ch
	d.chMu.Unlock()
	d.handleInbound(ch, first)
	go d.readLoop(ch)
}

func (d *Dispatcher) readLoop(ch transport.Channel) {
	for {
		msg, err := ch.Receive(context.Background())
		if err != nil {
			d.logger.Warn().Err(err).Str("peer", ch.Peer()).Msg("channel closed")
			d.chMu.Lock()
			if d.channels[ch.Peer()] == ch {
				delete(d.channels, ch.Peer())
			}
			d.chMu.Unlock()
			return
		}
		d.handleInbound(ch, msg)
	}
}

func (d *Dispatcher) handleInbound(ch transport.Channel, msg *wire.Message) {
	switch msg.Kind {
	case wire.KindRequestReply, wire.KindConvertReply, wire.KindUnlockReply:
		d.deliverReply(msg)
	case wire.KindLookupReply:
		d.deliverLookupReply(msg)
	case wire.KindRequest:
		d.applyRemoteRequest(ch, msg)
	case wire.KindConvert:
		d.applyRemoteConvert(ch, msg)
	case wire.KindUnlock:
		d.applyRemoteUnlock(ch, msg)
	default:
		d.customMu.Lock()
		fn, ok := d.custom[msg.Kind]
		d.customMu.Unlock()
		if !ok {
			d.logger.Warn().Str("kind", msg.Kind.String()).Msg("unhandled inbound message kind")
			return
		}
		fn(ch.Peer(), msg)
	}
}

// OnKind registers fn as the handler for every inbound message of the
// given kind that isn't one of dispatch's own built-in request/
// convert/unlock/*reply kinds. Used by pkg/recovery to own the
// names/locks/recover-start/recover-done wire kinds without dispatch
// needing any recovery-specific knowledge. Registering the same kind
// twice replaces the previous handler.
func (d *Dispatcher) OnKind(kind wire.Kind, fn func(peer string, msg *wire.Message)) {
	d.customMu.Lock()
	defer d.customMu.Unlock()
	d.custom[kind] = fn
}

// RawSend delivers msg to peer over its cached or newly-dialed
// channel without registering any reply correlation. Used for
// fire-and-forget protocol messages (recovery's names/locks passes)
// that carry their own idempotency key instead of a request/reply
// round trip.
func (d *Dispatcher) RawSend(ctx context.Context, peer string, msg *wire.Message) error {
	ch, err := d.channelTo(ctx, peer)
	if err != nil {
		return err
	}
	return ch.Send(ctx, msg)
}

// --- outbound: this node's local request, remote node masters it ---

func (d *Dispatcher) register(id idtable.ID) chan *wire.Message {
	replyCh := make(chan *wire.Message, 1)
	d.pendingMu.Lock()
	d.pending[id] = replyCh
	d.pendingMu.Unlock()
	return replyCh
}

func (d *Dispatcher) unregister(id idtable.ID) {
	d.pendingMu.Lock()
	delete(d.pending, id)
	d.pendingMu.Unlock()
}

func (d *Dispatcher) deliverReply(msg *wire.Message) {
	id := idtable.ID(msg.RemoteLKID)
	d.pendingMu.Lock()
	replyCh, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	d.pendingMu.Unlock()
	if !ok {
		d.logger.Debug().Uint32("lkid", msg.RemoteLKID).Msg("reply for unknown or already-resolved request")
		return
	}
	replyCh <- msg
}

// Lookup asks peer's directory node who currently masters name (spec
// §4.4, §6 LOOKUP/LOOKUP_REPLY), blocking for its reply. The reply's
// Name field carries the resolved master's address, not an echo of
// the queried resource name. Lookup uses its own correlation space
// (lookupPending), independent of the pending map Request/Convert/
// Unlock use, since a lookup has no associated local LKB id yet.
func (d *Dispatcher) Lookup(ctx context.Context, peer string, name []byte) (*wire.Message, error) {
	d.lookupMu.Lock()
	d.lookupSeq++
	seq := d.lookupSeq
	replyCh := make(chan *wire.Message, 1)
	d.lookupPending[seq] = replyCh
	d.lookupMu.Unlock()

	ch, err := d.channelTo(ctx, peer)
	if err != nil {
		d.lookupMu.Lock()
		delete(d.lookupPending, seq)
		d.lookupMu.Unlock()
		return nil, err
	}

	msg := &wire.Message{
		Kind:        wire.KindLookup,
		LockspaceID: d.lockspaceID,
		SenderLKID:  seq,
		Name:        name,
	}
	if err := ch.Send(ctx, msg); err != nil {
		d.lookupMu.Lock()
		delete(d.lookupPending, seq)
		d.lookupMu.Unlock()
		return nil, fmt.Errorf("dispatch: send LOOKUP to %s: %w", peer, err)
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		d.lookupMu.Lock()
		delete(d.lookupPending, seq)
		d.lookupMu.Unlock()
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) deliverLookupReply(msg *wire.Message) {
	d.lookupMu.Lock()
	replyCh, ok := d.lookupPending[msg.RemoteLKID]
	if ok {
		delete(d.lookupPending, msg.RemoteLKID)
	}
	d.lookupMu.Unlock()
	if !ok {
		d.logger.Debug().Uint32("seq", msg.RemoteLKID).Msg("lookup reply for unknown or already-resolved query")
		return
	}
	replyCh <- msg
}

// Request sends a new-lock request for localID to peer, master of
// name, and blocks for its reply.
func (d *Dispatcher) Request(ctx context.Context, peer string, localID idtable.ID, name []byte, rqMode types.Mode, flags types.Flags) (*wire.Message, error) {
	return d.roundTrip(ctx, peer, localID, &wire.Message{
		Kind:        wire.KindRequest,
		LockspaceID: d.lockspaceID,
		SenderLKID:  uint32(localID),
		Mode:        types.IV,
		RqMode:      rqMode,
		Flags:       flags,
		Name:        name,
	})
}

// Convert sends a conversion request for an already-mastered-remotely
// lock.
func (d *Dispatcher) Convert(ctx context.Context, peer string, localID idtable.ID, remoteID idtable.ID, newMode types.Mode, flags types.Flags) (*wire.Message, error) {
	return d.roundTrip(ctx, peer, localID, &wire.Message{
		Kind:        wire.KindConvert,
		LockspaceID: d.lockspaceID,
		SenderLKID:  uint32(localID),
		RemoteLKID:  uint32(remoteID),
		RqMode:      newMode,
		Flags:       flags,
	})
}

// Unlock sends an unlock request for an already-mastered-remotely
// lock.
func (d *Dispatcher) Unlock(ctx context.Context, peer string, localID idtable.ID, remoteID idtable.ID, flags types.Flags) (*wire.Message, error) {
	return d.roundTrip(ctx, peer, localID, &wire.Message{
		Kind:        wire.KindUnlock,
		LockspaceID: d.lockspaceID,
		SenderLKID:  uint32(localID),
		RemoteLKID:  uint32(remoteID),
		Flags:       flags,
	})
}

func (d *Dispatcher) roundTrip(ctx context.Context, peer string, localID idtable.ID, msg *wire.Message) (*wire.Message, error) {
	ch, err := d.channelTo(ctx, peer)
	if err != nil {
		return nil, err
	}
	replyCh := d.register(localID)
	if err := ch.Send(ctx, msg); err != nil {
		d.unregister(localID)
		return nil, fmt.Errorf("dispatch: send %s to %s: %w", msg.Kind, peer, err)
	}
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		d.unregister(localID)
		return nil, ctx.Err()
	}
}

// --- inbound: a remote node's request, this node masters the resource ---

func (d *Dispatcher) applyRemoteRequest(ch transport.Channel, msg *wire.Message) {
	key := remoteKey{peer: ch.Peer(), lkid: msg.SenderLKID}
	rsb := d.resources.Lookup(nil, msg.Name)

	mc := &masterLKB{peer: ch.Peer(), pendingReplyKind: wire.KindRequestReply}
	mc.l = lkb.New(ch.Peer(), msg.RqMode, msg.Flags|types.FlagMasterCopy, func(ev lkb.CompletionEvent) {
		d.replyTo(ch, mc, ev)
	})
	mc.l.RemoteID = idtable.ID(msg.SenderLKID)
	mc.l.ResourceID = rsb.ID
	mc.l.ID = d.lkbs.Create(mc.l)

	d.masterMu.Lock()
	d.masterIdx[key] = mc.l.ID
	d.masters[mc.l.ID] = mc
	d.masterMu.Unlock()

	d.engine.NewLock(rsb, mc.l)
}

func (d *Dispatcher) applyRemoteConvert(ch transport.Channel, msg *wire.Message) {
	mc, rsb, ok := d.lookupMaster(ch.Peer(), msg.SenderLKID)
	if !ok {
		d.logger.Warn().Str("peer", ch.Peer()).Uint32("lkid", msg.SenderLKID).Msg("convert for unknown master-copy lkb")
		return
	}
	mc.pendingReplyKind = wire.KindConvertReply
	d.engine.Convert(rsb, mc.l, msg.RqMode, msg.Flags|types.FlagMasterCopy)
}

func (d *Dispatcher) applyRemoteUnlock(ch transport.Channel, msg *wire.Message) {
	mc, rsb, ok := d.lookupMaster(ch.Peer(), msg.SenderLKID)
	if !ok {
		d.logger.Warn().Str("peer", ch.Peer()).Uint32("lkid", msg.SenderLKID).Msg("unlock for unknown master-copy lkb")
		return
	}
	mc.pendingReplyKind = wire.KindUnlockReply
	d.engine.Unlock(rsb, mc.l)

	d.masterMu.Lock()
	delete(d.masterIdx, remoteKey{peer: ch.Peer(), lkid: msg.SenderLKID})
	delete(d.masters, mc.l.ID)
	d.masterMu.Unlock()
	d.lkbs.Release(mc.l.ID)
	d.resources.Release(rsb)
}

func (d *Dispatcher) lookupMaster(peer string, lkid uint32) (*masterLKB, *resource.RSB, bool) {
	d.masterMu.Lock()
	id, ok := d.masterIdx[remoteKey{peer: peer, lkid: lkid}]
	d.masterMu.Unlock()
	if !ok {
		return nil, nil, false
	}
	mc, ok := d.masters[id]
	if !ok {
		return nil, nil, false
	}
	rsb, ok := d.resources.ByID(mc.l.ResourceID)
	if !ok {
		return nil, nil, false
	}
	return mc, rsb, true
}

func (d *Dispatcher) replyTo(ch transport.Channel, mc *masterLKB, ev lkb.CompletionEvent) {
	reply := &wire.Message{
		Kind:        mc.pendingReplyKind,
		LockspaceID: d.lockspaceID,
		SenderLKID:  uint32(mc.l.ID),
		RemoteLKID:  uint32(mc.l.RemoteID),
		Mode:        ev.GrMode,
		Result:      ev.Result,
	}
	if ev.LVB != nil {
		reply.LVB = ev.LVB.Bytes[:]
	}
	if err := ch.Send(context.Background(), reply); err != nil {
		d.logger.Warn().Err(err).Str("peer", mc.peer).Msg("failed to send reply")
	}
}

// PurgeOwner removes every master-copy LKB this node holds on behalf
// of peer, without sending a reply (there is nothing left to reply
// to): spec §4.6 recovery action 1, "purge all master-copy LKBs whose
// owner left". It returns the number of LKBs purged.
func (d *Dispatcher) PurgeOwner(peer string) int {
	d.masterMu.Lock()
	var toPurge []*masterLKB
	for key, id := range d.masterIdx {
		if key.peer != peer {
			continue
		}
		if mc, ok := d.masters[id]; ok {
			toPurge = append(toPurge, mc)
		}
		delete(d.masterIdx, key)
		delete(d.masters, id)
	}
	d.masterMu.Unlock()

	for _, mc := range toPurge {
		rsb, ok := d.resources.ByID(mc.l.ResourceID)
		if !ok {
			continue
		}
		d.engine.Purge(rsb, mc.l)
		d.lkbs.Release(mc.l.ID)
		d.resources.Release(rsb)
	}
	return len(toPurge)
}

// RestoreMasterCopy recreates a master-copy LKB directly in the
// GRANTED state, bypassing pkg/engine's new-lock evaluation: spec
// §4.6 action 4 (the "locks pass") re-establishes state the new
// master is reconstructing from a survivor's own record, not
// evaluating a fresh request against other waiters.
func (d *Dispatcher) RestoreMasterCopy(peer string, name []byte, mode types.Mode, flags types.Flags, remoteLKID uint32) idtable.ID {
	rsb := d.resources.Lookup(nil, name)

	mc := &masterLKB{peer: peer}
	mc.l = lkb.New(peer, mode, flags|types.FlagMasterCopy, nil)
	mc.l.RemoteID = idtable.ID(remoteLKID)
	mc.l.ResourceID = rsb.ID
	mc.l.GrMode = mode
	mc.l.RqMode = types.IV
	mc.l.Status = types.StatusGranted
	mc.l.ID = d.lkbs.Create(mc.l)

	rsb.Lock()
	rsb.PushBack(resource.QueueGranted, mc.l)
	rsb.Ranges.Insert(mc.l.ID, mode, types.FullRange)
	rsb.Unlock()

	d.masterMu.Lock()
	d.masterIdx[remoteKey{peer: peer, lkid: remoteLKID}] = mc.l.ID
	d.masters[mc.l.ID] = mc
	d.masterMu.Unlock()

	return mc.l.ID
}

// Close tears down every open channel.
func (d *Dispatcher) Close() error {
	d.chMu.Lock()
	defer d.chMu.Unlock()
	for peer, ch := range d.channels {
		_ = ch.Close()
		delete(d.channels, peer)
	}
	return nil
}
