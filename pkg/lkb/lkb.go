package lkb

import (
	"fmt"
	"sync/atomic"

	"github.com/cuemby/dlmd/pkg/idtable"
	"github.com/cuemby/dlmd/pkg/types"
)

// CompletionEvent is delivered to a caller's completion callback when
// an LKB's status changes as a result of grant, conversion, deadlock,
// cancellation, or unlock (spec §6 client API, §7 error taxonomy).
type CompletionEvent struct {
	LockID idtable.ID
	Result types.ErrorCode
	GrMode types.Mode
	LVB    *types.LVB
}

// CompletionFunc is the caller-supplied asynchronous completion
// contract. It must not block: the engine invokes it while holding the
// owning resource's lock (spec §5 "completion ordering").
type CompletionFunc func(CompletionEvent)

// LKB represents one lock request by one holder on one resource.
//
// Fields are protected by the owning resource's lock (obtained by
// looking the resource up via ResourceID), except for ID, NodeID, and
// Completion which are set once at creation and never mutated again.
type LKB struct {
	ID         idtable.ID
	ResourceID types.ResourceID

	GrMode types.Mode
	RqMode types.Mode
	Status types.Status
	Flags  types.Flags

	NodeID   string    // owning node
	RemoteID idtable.ID // peer's lock id, set only on a master copy (Flags&FlagMasterCopy)

	HasRange      bool
	GrantedRange  types.Range
	RequestRange  types.Range

	LVB *types.LVB

	HasParent  bool
	ParentID   idtable.ID
	childCount atomic.Int32

	Completion CompletionFunc
}

// New allocates an LKB for a new request. It is not yet registered
// with any idtable.Table or resource queue.
func New(nodeID string, rqMode types.Mode, flags types.Flags, completion CompletionFunc) *LKB {
	return &LKB{
		GrMode:     types.NL,
		RqMode:     rqMode,
		Status:     types.StatusNone,
		Flags:      flags,
		NodeID:     nodeID,
		Completion: completion,
	}
}

// SetRange makes l a range lock. The first time a lock becomes
// range-scoped its granted range defaults to the full range so a later
// conversion that narrows the range has a well-defined starting point
// (original_source/dlm-kernel/src/lkb.c: lkb_set_range).
func (l *LKB) SetRange(start, end uint64) {
	if !l.HasRange {
		l.HasRange = true
		l.GrantedRange = types.FullRange
	}
	l.RequestRange = types.Range{Start: start, End: end}
}

// AssertReleasable returns an error if l is not safe to free: an LKB
// may only be released while its status is NONE (lkb.c: release_lkb
// logs "release lkb with status %u" and refuses rather than freeing a
// queued lock out from under the state machine).
func (l *LKB) AssertReleasable() error {
	if l.Status != types.StatusNone {
		return fmt.Errorf("lkb: invariant violation: releasing lkb %08x with status %s", uint32(l.ID), l.Status)
	}
	return nil
}

// IncChild increments the child-lock count; called when a new LKB
// names l as its parent.
func (l *LKB) IncChild() { l.childCount.Add(1) }

// DecChild decrements the child-lock count; called from release when
// a child LKB with l as its parent is freed.
func (l *LKB) DecChild() int32 { return l.childCount.Add(-1) }

// ChildCount returns the number of live child LKBs.
func (l *LKB) ChildCount() int32 { return l.childCount.Load() }

// Complete invokes the caller's completion callback, if any. Safe to
// call with a nil Completion (e.g. master-copy LKBs with no local
// caller).
func (l *LKB) Complete(result types.ErrorCode) {
	if l.Completion == nil {
		return
	}
	l.Completion(CompletionEvent{
		LockID: l.ID,
		Result: result,
		GrMode: l.GrMode,
		LVB:    l.LVB,
	})
}
