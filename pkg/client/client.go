package client

import (
	"context"
	"fmt"

	"github.com/cuemby/dlmd/pkg/idtable"
	"github.com/cuemby/dlmd/pkg/lkb"
	"github.com/cuemby/dlmd/pkg/lockspace"
	"github.com/cuemby/dlmd/pkg/log"
	"github.com/cuemby/dlmd/pkg/resource"
	"github.com/cuemby/dlmd/pkg/types"
	"github.com/cuemby/dlmd/pkg/wire"
	"github.com/rs/zerolog"
)

// Client is the per-lockspace handle applications call lock/convert/
// unlock/cancel against (spec §6 "Client lock API").
type Client struct {
	ls     *lockspace.Lockspace
	logger zerolog.Logger
}

// New wraps ls in a client handle.
func New(ls *lockspace.Lockspace) *Client {
	return &Client{ls: ls, logger: log.WithLockspace(ls.Name)}
}

// LockOptions carries the optional extensions to a new-lock request
// (spec §6: "parent?, ... lvb_buffer?, range?").
type LockOptions struct {
	// Parent, when HasParent is set, is the lock id of an
	// already-held lock whose resource scopes the new resource (spec
	// §4.2: "the parent resource holds a reference for each child").
	Parent    idtable.ID
	HasParent bool

	Range      *types.Range
	Completion lkb.CompletionFunc
}

// Lock requests a new lock on name in rqMode (spec §6 "lock"). It
// returns synchronously with NOMEM if the lock-id table is at
// capacity, INVAL for an out-of-range mode, NOENT for an unknown
// parent lock id, or RECOVERING while the lockspace is IN_RECOVERY,
// and with a wrapped error if the resource's master cannot be
// resolved; every other outcome — including a grant — reaches the
// caller only through opts.Completion.
func (c *Client) Lock(ctx context.Context, name []byte, rqMode types.Mode, flags types.Flags, opts LockOptions) (idtable.ID, error) {
	if rqMode < types.NL || rqMode > types.EX {
		return 0, types.Inval
	}
	if c.ls.State() == lockspace.FlagInRecovery {
		return 0, types.Recovering
	}
	if c.ls.LKBs.Len() >= c.ls.LKBCapacity {
		return 0, types.NoMem
	}

	var parentRSB *resource.RSB
	var parentLKB *lkb.LKB
	if opts.HasParent {
		pl, ok := c.ls.LKBs.Find(opts.Parent)
		if !ok {
			return 0, types.NoEnt
		}
		prsb, ok := c.ls.Resources.ByID(pl.ResourceID)
		if !ok {
			return 0, types.NoEnt
		}
		parentLKB, parentRSB = pl, prsb
	}

	rsb := c.ls.Resources.Lookup(parentRSB, name)

	l := lkb.New(c.ls.Directory.Self(), rqMode, flags, opts.Completion)
	if opts.Range != nil {
		l.SetRange(opts.Range.Start, opts.Range.End)
	}
	l.ResourceID = rsb.ID
	if opts.HasParent {
		l.HasParent = true
		l.ParentID = opts.Parent
	}

	id := c.ls.LKBs.Create(l)
	l.ID = id
	if parentLKB != nil {
		parentLKB.IncChild()
	}

	if err := c.ensureMaster(ctx, rsb); err != nil {
		c.abandon(id, rsb, parentLKB)
		return 0, fmt.Errorf("client: lock %q: %w", name, err)
	}

	if rsb.IsMaster() {
		c.ls.Engine.NewLock(rsb, l)
		return id, nil
	}

	// The round trip to the remote master runs in the background: a
	// lock the master cannot grant immediately only resolves once some
	// later Convert/Unlock on the master re-evaluates its wait queue,
	// and Lock must return the id now rather than block the caller
	// until that eventually happens (spec §5 "asynchronous with a
	// caller-supplied completion").
	go c.awaitRequest(ctx, rsb.MasterNodeID, id, name, rqMode, flags, l)
	return id, nil
}

func (c *Client) awaitRequest(ctx context.Context, peer string, id idtable.ID, name []byte, rqMode types.Mode, flags types.Flags, l *lkb.LKB) {
	reply, err := c.ls.Dispatch.Request(ctx, peer, id, name, rqMode, flags)
	if err != nil {
		c.logger.Warn().Err(err).Str("peer", peer).Bytes("resource", name).Msg("client: remote lock request failed")
		l.Complete(types.NotQueued)
		return
	}
	l.RemoteID = idtable.ID(reply.SenderLKID)
	c.applyReply(l, reply)
}

// Convert requests a conversion of an already-granted or still-pending
// lock to newMode (spec §6 "convert").
func (c *Client) Convert(ctx context.Context, id idtable.ID, newMode types.Mode, flags types.Flags, rng *types.Range) error {
	if newMode < types.NL || newMode > types.EX {
		return types.Inval
	}
	l, rsb, err := c.lookup(id)
	if err != nil {
		return err
	}
	if c.ls.State() == lockspace.FlagInRecovery {
		return types.Recovering
	}

	if rng != nil {
		l.SetRange(rng.Start, rng.End)
	}

	if rsb.IsMaster() {
		c.ls.Engine.Convert(rsb, l, newMode, flags)
		return nil
	}

	go c.awaitConvert(ctx, rsb.MasterNodeID, id, l, newMode, flags)
	return nil
}

func (c *Client) awaitConvert(ctx context.Context, peer string, id idtable.ID, l *lkb.LKB, newMode types.Mode, flags types.Flags) {
	reply, err := c.ls.Dispatch.Convert(ctx, peer, id, l.RemoteID, newMode, flags)
	if err != nil {
		c.logger.Warn().Err(err).Str("peer", peer).Uint32("lkid", uint32(id)).Msg("client: remote convert failed")
		l.Complete(types.NotQueued)
		return
	}
	c.applyReply(l, reply)
}

// Unlock releases a held or queued lock (spec §6 "unlock").
func (c *Client) Unlock(ctx context.Context, id idtable.ID, flags types.Flags) error {
	l, rsb, err := c.lookup(id)
	if err != nil {
		return err
	}

	if rsb.IsMaster() {
		c.ls.Engine.Unlock(rsb, l)
		c.release(l, rsb)
		return nil
	}

	go c.awaitUnlock(ctx, rsb.MasterNodeID, id, l, rsb, flags)
	return nil
}

func (c *Client) awaitUnlock(ctx context.Context, peer string, id idtable.ID, l *lkb.LKB, rsb *resource.RSB, flags types.Flags) {
	reply, err := c.ls.Dispatch.Unlock(ctx, peer, id, l.RemoteID, flags)
	if err != nil {
		c.logger.Warn().Err(err).Str("peer", peer).Uint32("lkid", uint32(id)).Msg("client: remote unlock failed")
		l.Complete(types.NotQueued)
		return
	}
	c.applyReply(l, reply)
	if l.Status == types.StatusNone {
		c.release(l, rsb)
	}
}

// Cancel aborts a pending lock, or is equivalent to Unlock on an
// already-granted one (spec §6 "cancel", §5 "Cancellation"). Once a
// cancelled or unlocked lock has been released, a further Cancel finds
// no such id and returns NOENT without changing anything. For a
// remotely mastered lock still awaiting its master's reply, Cancel
// fires CANCELLED locally and sends nothing; the master's reply, when
// it arrives, is applied and fires the completion again.
func (c *Client) Cancel(ctx context.Context, id idtable.ID) error {
	l, rsb, err := c.lookup(id)
	if err != nil {
		return err
	}

	wasGranted := l.Status == types.StatusGranted
	if rsb.IsMaster() {
		c.ls.Engine.Cancel(rsb, l)
		if l.Status == types.StatusNone {
			c.release(l, rsb)
		}
		return nil
	}

	// Remote-mastered cancel has no dedicated wire kind: an
	// already-granted lock cancels exactly like an unlock. A lock this
	// node still shows as ungranted has no outstanding message to
	// retract either — its original REQUEST/CONVERT round trip is still
	// in flight in awaitRequest/awaitConvert and whatever it eventually
	// replies with is what resolves it — so there's nothing further to
	// send here; mark the intent done locally.
	if wasGranted {
		go c.awaitUnlock(ctx, rsb.MasterNodeID, id, l, rsb, 0)
		return nil
	}
	l.Complete(types.Cancelled)
	if l.Status == types.StatusNone {
		c.release(l, rsb)
	}
	return nil
}

func (c *Client) lookup(id idtable.ID) (*lkb.LKB, *resource.RSB, error) {
	l, ok := c.ls.LKBs.Find(id)
	if !ok {
		return nil, nil, types.NoEnt
	}
	rsb, ok := c.ls.Resources.ByID(l.ResourceID)
	if !ok {
		return nil, nil, types.NoEnt
	}
	return l, rsb, nil
}

// ensureMaster resolves rsb's master exactly once (spec §4.4): the
// directory cache first, then local election if this node is the
// resource's directory node, otherwise a LOOKUP round trip to the
// directory node that does the electing.
func (c *Client) ensureMaster(ctx context.Context, rsb *resource.RSB) error {
	rsb.Lock()
	resolved := rsb.MasterResolved
	rsb.Unlock()
	if resolved {
		return nil
	}

	master, err := c.resolveMaster(ctx, rsb.Name)
	if err != nil {
		return err
	}

	rsb.Lock()
	if !rsb.MasterResolved {
		if master != c.ls.Directory.Self() {
			rsb.MasterNodeID = master
		}
		rsb.MasterResolved = true
	}
	rsb.Unlock()
	return nil
}

func (c *Client) resolveMaster(ctx context.Context, name []byte) (string, error) {
	if m, ok := c.ls.Directory.Lookup(name); ok {
		return m, nil
	}

	isLocal, err := c.ls.Directory.IsLocalDirectoryNode(name)
	if err != nil {
		return "", fmt.Errorf("resolving directory node: %w", err)
	}
	if isLocal {
		return c.ls.Directory.LookupOrElect(name, c.ls.Directory.Self()), nil
	}

	dirNode, err := c.ls.Directory.DirectoryNode(name)
	if err != nil {
		return "", fmt.Errorf("resolving directory node: %w", err)
	}
	reply, err := c.ls.Dispatch.Lookup(ctx, dirNode, name)
	if err != nil {
		return "", fmt.Errorf("LOOKUP to %s: %w", dirNode, err)
	}
	master := string(reply.Name)
	c.ls.Directory.RecordMaster(name, master)
	return master, nil
}

// applyReply folds a remote master's REQUEST_REPLY/CONVERT_REPLY/
// UNLOCK_REPLY into l's local bookkeeping and fires its completion,
// since a remote-mastered lock never passes through pkg/engine on
// this node (spec §4.5 "Remote dispatch"). OK grants at the replied
// mode; DEADLOCK leaves the lock granted at NL, mirroring the
// master's own demote-to-break-the-cycle outcome (spec §4.3
// "Conversion deadlock"); every other result returns the lock to
// NONE.
func (c *Client) applyReply(l *lkb.LKB, reply *wire.Message) {
	switch reply.Result {
	case types.OK:
		l.GrMode = reply.Mode
		l.RqMode = types.IV
		l.Status = types.StatusGranted
	case types.Deadlock:
		l.GrMode = types.NL
		l.RqMode = types.IV
		l.Status = types.StatusGranted
	default:
		l.GrMode = types.NL
		l.RqMode = types.IV
		l.Status = types.StatusNone
	}
	if len(reply.LVB) > 0 {
		var lvb types.LVB
		copy(lvb.Bytes[:], reply.LVB)
		l.LVB = &lvb
	}
	l.Complete(reply.Result)
}

func (c *Client) abandon(id idtable.ID, rsb *resource.RSB, parent *lkb.LKB) {
	c.ls.LKBs.Release(id)
	c.ls.Resources.Release(rsb)
	if parent != nil {
		parent.DecChild()
	}
}

// release frees l's bookkeeping once its status has returned to NONE
// (spec §9 "cyclic references" arena-ownership design: ids, not raw
// handles, so this node's arenas can be torn down independently of
// any recovery in progress elsewhere).
func (c *Client) release(l *lkb.LKB, rsb *resource.RSB) {
	if err := l.AssertReleasable(); err != nil {
		c.logger.Error().Err(err).Msg("client: refusing to release outstanding lkb")
		return
	}
	if l.HasParent {
		if parent, ok := c.ls.LKBs.Find(l.ParentID); ok {
			parent.DecChild()
		}
	}
	c.ls.LKBs.Release(l.ID)
	c.ls.Resources.Release(rsb)
}
