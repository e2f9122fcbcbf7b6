package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/dlmd/pkg/idtable"
	"github.com/cuemby/dlmd/pkg/lkb"
	"github.com/cuemby/dlmd/pkg/lockspace"
	"github.com/cuemby/dlmd/pkg/membership"
	"github.com/cuemby/dlmd/pkg/transport"
	"github.com/cuemby/dlmd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// completionRecorder collects every event a LKB's completion fires,
// for assertions without racing the engine goroutine that invokes it.
type completionRecorder struct {
	mu     sync.Mutex
	events []lkb.CompletionEvent
}

func (r *completionRecorder) fn(ev lkb.CompletionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *completionRecorder) last() (lkb.CompletionEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return lkb.CompletionEvent{}, false
	}
	return r.events[len(r.events)-1], true
}

func (r *completionRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func waitForEvent(t *testing.T, r *completionRecorder) lkb.CompletionEvent {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := r.last()
		return ok
	}, time.Second, 5*time.Millisecond)
	ev, _ := r.last()
	return ev
}

// joinNode joins a single-member lockspace listening on an ephemeral
// TCP port, accepting inbound dispatch connections in the background
// (mirroring pkg/dispatch's own test fixtures), and returns both the
// lockspace and its dial address.
func joinNode(t *testing.T, ctx context.Context, name string) (*lockspace.Lockspace, string) {
	t.Helper()
	tr := transport.NewTCP(transport.RetryPolicy{MaxAttempts: 1})
	require.NoError(t, tr.Listen(ctx, "127.0.0.1:0"))
	addr := tr.Listener().Addr().String()

	src := membership.NewStatic([]membership.CSB{{NodeID: 1, Name: name, Addr: addr}})
	reg := lockspace.NewRegistry()
	ls, err := reg.Join(ctx, name, addr, tr, src, lockspace.JoinOptions{ResourceShards: 4, LKBEntries: 4})
	require.NoError(t, err)

	go func() {
		for {
			ch, err := tr.Accept(ctx)
			if err != nil {
				return
			}
			ls.Dispatch.Adopt(ch)
		}
	}()

	ls.Directory.SetMembers([]string{addr})
	require.Eventually(t, func() bool {
		return ls.State() == lockspace.FlagRunning
	}, time.Second, 5*time.Millisecond)

	return ls, addr
}

func TestLockGrantsImmediatelyAgainstLocalMaster(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ls, _ := joinNode(t, ctx, "local-grant")
	c := New(ls)

	rec := &completionRecorder{}
	id, err := c.Lock(ctx, []byte("R"), types.EX, 0, LockOptions{Completion: rec.fn})
	require.NoError(t, err)
	assert.NotZero(t, id)

	ev := waitForEvent(t, rec)
	assert.Equal(t, types.OK, ev.Result)
	assert.Equal(t, types.EX, ev.GrMode)
}

func TestConvertAndUnlockAgainstLocalMaster(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ls, _ := joinNode(t, ctx, "local-convert")
	c := New(ls)

	rec := &completionRecorder{}
	id, err := c.Lock(ctx, []byte("R"), types.PR, 0, LockOptions{Completion: rec.fn})
	require.NoError(t, err)
	waitForEvent(t, rec)

	require.NoError(t, c.Convert(ctx, id, types.EX, 0, nil))
	require.Eventually(t, func() bool { return rec.count() >= 2 }, time.Second, 5*time.Millisecond)
	ev, _ := rec.last()
	assert.Equal(t, types.OK, ev.Result)
	assert.Equal(t, types.EX, ev.GrMode)

	require.NoError(t, c.Unlock(ctx, id, 0))
	require.Eventually(t, func() bool { return rec.count() >= 3 }, time.Second, 5*time.Millisecond)
	ev, _ = rec.last()
	assert.Equal(t, types.Unlocked, ev.Result)

	_, _, err = c.lookup(id)
	assert.ErrorIs(t, err, types.NoEnt, "unlocked lkb must be released from the id table")
}

func TestLockRejectsBadMode(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ls, _ := joinNode(t, ctx, "bad-mode")
	c := New(ls)

	_, err := c.Lock(ctx, []byte("R"), types.Mode(99), 0, LockOptions{})
	assert.ErrorIs(t, err, types.Inval)
}

func TestLockNoMemAtCapacity(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ls, _ := joinNode(t, ctx, "nomem")
	c := New(ls)

	for i := 0; i < ls.LKBCapacity; i++ {
		ls.LKBs.Create(nil)
	}

	_, err := c.Lock(ctx, []byte("R"), types.EX, 0, LockOptions{})
	assert.ErrorIs(t, err, types.NoMem)
}

func TestLockUnknownParentIsNoEnt(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ls, _ := joinNode(t, ctx, "bad-parent")
	c := New(ls)

	_, err := c.Lock(ctx, []byte("child"), types.EX, 0, LockOptions{HasParent: true, Parent: idtable.ID(0xdead)})
	assert.ErrorIs(t, err, types.NoEnt)
}

func TestLockScopesChildUnderParentResource(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ls, _ := joinNode(t, ctx, "parent-scope")
	c := New(ls)

	parentRec := &completionRecorder{}
	parentID, err := c.Lock(ctx, []byte("parent"), types.EX, 0, LockOptions{Completion: parentRec.fn})
	require.NoError(t, err)
	waitForEvent(t, parentRec)

	childRec := &completionRecorder{}
	childID, err := c.Lock(ctx, []byte("child"), types.EX, 0, LockOptions{HasParent: true, Parent: parentID, Completion: childRec.fn})
	require.NoError(t, err)
	waitForEvent(t, childRec)

	childLKB, rsb, err := c.lookup(childID)
	require.NoError(t, err)
	assert.True(t, rsb.HasParent)

	parentLKB, _, err := c.lookup(parentID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, parentLKB.ChildCount())

	require.NoError(t, c.Unlock(ctx, childID, 0))
	require.Eventually(t, func() bool {
		return parentLKB.ChildCount() == 0
	}, time.Second, 5*time.Millisecond)
	_ = childLKB
}

func TestCancelPendingLockAgainstLocalMaster(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ls, _ := joinNode(t, ctx, "cancel-pending")
	c := New(ls)

	holderRec := &completionRecorder{}
	_, err := c.Lock(ctx, []byte("R"), types.EX, 0, LockOptions{Completion: holderRec.fn})
	require.NoError(t, err)
	waitForEvent(t, holderRec)

	waiterRec := &completionRecorder{}
	waiterID, err := c.Lock(ctx, []byte("R"), types.EX, 0, LockOptions{Completion: waiterRec.fn})
	require.NoError(t, err)

	require.NoError(t, c.Cancel(ctx, waiterID))
	ev := waitForEvent(t, waiterRec)
	assert.Equal(t, types.Cancelled, ev.Result)

	_, _, err = c.lookup(waiterID)
	assert.ErrorIs(t, err, types.NoEnt)
}

// TestRemoteLockElectsAndGrants wires three nodes: a directory node
// (dir), a node that becomes master of a brand-new resource by being
// the first to query the directory (master), and a node that then
// locks the same resource remotely (remote). This exercises
// Directory.ServeLookups / LookupOrElect and Dispatcher.Lookup end to
// end, not just the already-mastered remote-request path.
func TestRemoteLockElectsAndGrants(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dir, dirAddr := joinNode(t, ctx, "dir-node")
	master, _ := joinNode(t, ctx, "master-node")
	remote, _ := joinNode(t, ctx, "remote-node")

	// Force every node's directory-node hash to resolve to dirAddr,
	// regardless of how many members each node's own membership source
	// independently reports.
	dir.Directory.SetMembers([]string{dirAddr})
	master.Directory.SetMembers([]string{dirAddr})
	remote.Directory.SetMembers([]string{dirAddr})

	// PR is used for both grants so the second (remote) request is
	// compatible with the first and grants immediately instead of
	// queuing behind it — this test is about mastering/dispatch
	// plumbing, not engine wait-queue behavior (covered in pkg/engine).
	masterClient := New(master)
	masterRec := &completionRecorder{}
	_, err := masterClient.Lock(ctx, []byte("shared"), types.PR, 0, LockOptions{Completion: masterRec.fn})
	require.NoError(t, err)
	ev := waitForEvent(t, masterRec)
	require.Equal(t, types.OK, ev.Result, "first touch must elect master-node as master via LOOKUP")

	remoteClient := New(remote)
	remoteRec := &completionRecorder{}
	_, err = remoteClient.Lock(ctx, []byte("shared"), types.PR, 0, LockOptions{Completion: remoteRec.fn})
	require.NoError(t, err)

	ev = waitForEvent(t, remoteRec)
	assert.Equal(t, types.OK, ev.Result)
	assert.Equal(t, types.PR, ev.GrMode)
}
