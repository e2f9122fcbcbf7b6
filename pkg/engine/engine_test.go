package engine

import (
	"testing"

	"github.com/cuemby/dlmd/pkg/idtable"
	"github.com/cuemby/dlmd/pkg/lkb"
	"github.com/cuemby/dlmd/pkg/resource"
	"github.com/cuemby/dlmd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResource(t *testing.T) *resource.RSB {
	dir, err := resource.NewDirectory(4)
	require.NoError(t, err)
	return dir.Lookup(nil, []byte("R"))
}

func newLKB(id int, mode types.Mode, flags types.Flags) (*lkb.LKB, *[]lkb.CompletionEvent) {
	events := &[]lkb.CompletionEvent{}
	l := lkb.New("node", mode, flags, func(ev lkb.CompletionEvent) {
		*events = append(*events, ev)
	})
	l.ID = idtable.ID(id)
	return l, events
}

func TestNewLockGrantsWhenCompatible(t *testing.T) {
	e := New()
	rsb := newResource(t)

	l1, ev1 := newLKB(1, types.PR, 0)
	e.NewLock(rsb, l1)
	require.Len(t, *ev1, 1)
	assert.Equal(t, types.OK, (*ev1)[0].Result)
	assert.Equal(t, types.StatusGranted, l1.Status)

	l2, ev2 := newLKB(2, types.PR, 0)
	e.NewLock(rsb, l2)
	require.Len(t, *ev2, 1)
	assert.Equal(t, types.OK, (*ev2)[0].Result)
	assert.Equal(t, 2, rsb.Granted.Len())
}

// S1: Node A locks R in EX. Node B requests EX (NOQUEUE). Expect: B
// completes with NOTQUEUED; A still holds EX.
func TestS1NoQueueRejectsIncompatibleRequest(t *testing.T) {
	e := New()
	rsb := newResource(t)

	a, _ := newLKB(1, types.EX, 0)
	e.NewLock(rsb, a)

	b, evB := newLKB(2, types.EX, types.FlagNoQueue)
	e.NewLock(rsb, b)

	require.Len(t, *evB, 1)
	assert.Equal(t, types.NotQueued, (*evB)[0].Result)
	assert.Equal(t, types.StatusGranted, a.Status)
	assert.Equal(t, types.EX, a.GrMode)
	assert.Equal(t, 1, rsb.Granted.Len())
}

// S2: A and B both hold PR. A converts to EX (blocks, since B's PR
// conflicts). B unlocks. Expect: A's conversion fires grant to EX.
func TestS2ConversionGrantsAfterBlockerUnlocks(t *testing.T) {
	e := New()
	rsb := newResource(t)

	a, evA := newLKB(1, types.PR, 0)
	e.NewLock(rsb, a)
	b, _ := newLKB(2, types.PR, 0)
	e.NewLock(rsb, b)

	e.Convert(rsb, a, types.EX, 0)
	require.Len(t, *evA, 1, "conversion should not grant immediately while B holds PR")
	assert.Equal(t, types.StatusConvert, a.Status)

	e.Unlock(rsb, b)

	require.Len(t, *evA, 2)
	assert.Equal(t, types.OK, (*evA)[1].Result)
	assert.Equal(t, types.EX, (*evA)[1].GrMode)
	assert.Equal(t, types.StatusGranted, a.Status)
}

// S3: owner O1 holds EX [0,100], owner O2 requests EX [101,200].
// Expect: granted immediately (disjoint ranges).
func TestS3DisjointRangesGrantImmediately(t *testing.T) {
	e := New()
	rsb := newResource(t)

	o1, _ := newLKB(1, types.EX, 0)
	o1.SetRange(0, 100)
	e.NewLock(rsb, o1)

	o2, ev2 := newLKB(2, types.EX, 0)
	o2.SetRange(101, 200)
	e.NewLock(rsb, o2)

	require.Len(t, *ev2, 1)
	assert.Equal(t, types.OK, (*ev2)[0].Result)
	assert.Equal(t, types.StatusGranted, o2.Status)
}

func TestOverlappingRangesBlock(t *testing.T) {
	e := New()
	rsb := newResource(t)

	o1, _ := newLKB(1, types.EX, 0)
	o1.SetRange(0, 100)
	e.NewLock(rsb, o1)

	o2, ev2 := newLKB(2, types.EX, 0)
	o2.SetRange(50, 150)
	e.NewLock(rsb, o2)

	require.Len(t, *ev2, 0, "overlapping EX ranges must queue, not grant")
	assert.Equal(t, types.StatusWaiting, o2.Status)
}

// S4 (same-resource form): O1 and O2 both hold PR on R; O1 converts to
// EX (CONVDEADLK) and O2 converts to EX (CONVDEADLK). Each blocks on
// the other's still-held PR from inside the convert queue: a
// same-resource conversion-deadlock cycle. Expect: one is demoted with
// DEADLOCK, the other is granted.
func TestS4ConversionDeadlockResolves(t *testing.T) {
	e := New()
	rsb := newResource(t)

	o1, ev1 := newLKB(1, types.PR, 0)
	e.NewLock(rsb, o1)
	o2, ev2 := newLKB(2, types.PR, 0)
	e.NewLock(rsb, o2)

	e.Convert(rsb, o1, types.EX, types.FlagConvDeadlock)
	require.Len(t, *ev1, 1)
	e.Convert(rsb, o2, types.EX, types.FlagConvDeadlock)

	// The second Convert's own reevaluateConvert pass walks the convert
	// queue head-first and must detect and resolve the cycle: one side
	// is demoted with DEADLOCK, the other proceeds to grant EX.
	total := len(*ev1) + len(*ev2)
	assert.Equal(t, 4, total, "two initial PR grants plus one deadlock resolution plus one EX grant")

	var deadlocked, granted bool
	for _, ev := range append(*ev1, *ev2...) {
		if ev.Result == types.Deadlock {
			deadlocked = true
		}
		if ev.Result == types.OK && ev.GrMode == types.EX {
			granted = true
		}
	}
	assert.True(t, deadlocked, "one side must receive DEADLOCK")
	assert.True(t, granted, "the other side must be granted EX")
}

func TestDowngradeFastPathSkipsQueueing(t *testing.T) {
	e := New()
	rsb := newResource(t)

	l, ev := newLKB(1, types.EX, types.FlagValBlk)
	e.NewLock(rsb, l)
	require.Len(t, *ev, 1)

	l.LVB.Bytes[0] = 0xAB
	e.Convert(rsb, l, types.NL, types.FlagValBlk)

	require.Len(t, *ev, 2)
	assert.Equal(t, types.OK, (*ev)[1].Result)
	assert.Equal(t, types.NL, l.GrMode)
	assert.Equal(t, byte(0xAB), rsb.LVB.Bytes[0], "LVB must propagate to the resource on downgrade from EX")
}

func TestUnlockReevaluatesWaitQueue(t *testing.T) {
	e := New()
	rsb := newResource(t)

	a, _ := newLKB(1, types.EX, 0)
	e.NewLock(rsb, a)

	b, evB := newLKB(2, types.EX, 0)
	e.NewLock(rsb, b)
	require.Len(t, *evB, 0)
	assert.Equal(t, types.StatusWaiting, b.Status)

	e.Unlock(rsb, a)

	require.Len(t, *evB, 1)
	assert.Equal(t, types.OK, (*evB)[0].Result)
	assert.Equal(t, types.StatusGranted, b.Status)
}

func TestConvertPriorityBlocksWait(t *testing.T) {
	e := New()
	rsb := newResource(t)

	a, _ := newLKB(1, types.PR, 0)
	e.NewLock(rsb, a)
	b, _ := newLKB(2, types.PR, 0)
	e.NewLock(rsb, b)

	// a converts to EX: blocks behind b's PR, sits on convert.
	e.Convert(rsb, a, types.EX, 0)

	// c requests PR: compatible with existing grants alone, but must
	// still queue on wait because convert is non-empty.
	c, evC := newLKB(3, types.PR, 0)
	e.NewLock(rsb, c)
	assert.Equal(t, types.StatusWaiting, c.Status)
	assert.Len(t, *evC, 0)
}

func TestCancelWaitingIsIdempotent(t *testing.T) {
	e := New()
	rsb := newResource(t)

	a, _ := newLKB(1, types.EX, 0)
	e.NewLock(rsb, a)

	b, evB := newLKB(2, types.EX, 0)
	e.NewLock(rsb, b)
	require.Equal(t, types.StatusWaiting, b.Status)

	e.Cancel(rsb, b)
	require.Len(t, *evB, 1)
	assert.Equal(t, types.Cancelled, (*evB)[0].Result)
	assert.Equal(t, types.StatusNone, b.Status)

	e.Cancel(rsb, b)
	require.Len(t, *evB, 2)
	assert.Equal(t, types.Cancelled, (*evB)[1].Result)
}

func TestCancelGrantedActsAsUnlock(t *testing.T) {
	e := New()
	rsb := newResource(t)

	a, evA := newLKB(1, types.EX, 0)
	e.NewLock(rsb, a)
	require.Equal(t, types.StatusGranted, a.Status)

	e.Cancel(rsb, a)
	require.Len(t, *evA, 2)
	assert.Equal(t, types.Unlocked, (*evA)[1].Result)
	assert.Equal(t, types.StatusNone, a.Status)
	assert.Equal(t, 0, rsb.Granted.Len())
}
