package engine

import (
	"fmt"

	"github.com/cuemby/dlmd/pkg/events"
	"github.com/cuemby/dlmd/pkg/idtable"
	"github.com/cuemby/dlmd/pkg/lkb"
	"github.com/cuemby/dlmd/pkg/log"
	"github.com/cuemby/dlmd/pkg/resource"
	"github.com/cuemby/dlmd/pkg/types"
	"github.com/rs/zerolog"
)

// Engine evaluates the lock state machine for one lockspace. It holds
// no resource state itself; all mutable state lives on the RSB/LKB
// passed to each call.
type Engine struct {
	logger zerolog.Logger
	broker *events.Broker
}

// New creates an Engine with a component-scoped logger.
func New() *Engine {
	return &Engine{logger: log.WithComponent("engine")}
}

// SetBroker attaches an event broker that every subsequent grant,
// block, cancel, unlock, and deadlock-detection publishes to. Nil by
// default: an Engine built without one runs with no observer.
func (e *Engine) SetBroker(b *events.Broker) { e.broker = b }

func (e *Engine) publish(typ events.EventType, rsb *resource.RSB, l *lkb.LKB, mode types.Mode, message string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		Type:    typ,
		Message: message,
		Metadata: map[string]string{
			"resource": string(rsb.Name),
			"lkid":     fmt.Sprintf("%08x", uint32(l.ID)),
			"node_id":  l.NodeID,
			"mode":     mode.String(),
		},
	})
}

func requestRange(l *lkb.LKB) types.Range {
	if l.HasRange {
		return l.RequestRange
	}
	return types.FullRange
}

func grantedRange(l *lkb.LKB) types.Range {
	if l.HasRange {
		return l.GrantedRange
	}
	return types.FullRange
}

// NewLock evaluates a brand-new request (spec §4.3 "New lock"). l must
// not yet be attached to any of rsb's queues.
func (e *Engine) NewLock(rsb *resource.RSB, l *lkb.LKB) {
	rsb.Lock()
	defer rsb.Unlock()

	l.Status = types.StatusWaiting
	rng := requestRange(l)

	if rsb.Convert.Len() == 0 {
		if len(conflictsWithGranted(rsb, l.RqMode, rng)) == 0 {
			e.grant(rsb, l, l.RqMode)
			return
		}
	}

	if l.Flags.Has(types.FlagNoQueue) {
		l.Status = types.StatusNone
		l.Complete(types.NotQueued)
		return
	}
	rsb.PushBack(resource.QueueWait, l)
	e.publish(events.EventLockBlocked, rsb, l, l.RqMode, "lock request queued")
}

// Convert evaluates a conversion of an already-granted l to newMode
// (spec §4.3 "Conversion"). Callers must set any new range on l via
// l.SetRange before calling Convert.
func (e *Engine) Convert(rsb *resource.RSB, l *lkb.LKB, newMode types.Mode, flags types.Flags) {
	rsb.Lock()
	defer rsb.Unlock()

	oldMode := l.GrMode
	l.Flags = flags

	if types.IsDowngrade(oldMode, newMode) {
		// Downgrades can only shrink the set of conflicts a lock
		// presents to others, so they grant unconditionally without
		// ever consulting convert or wait (spec §4.3).
		rsb.Remove(resource.QueueGranted, l)
		rsb.Ranges.Remove(l.ID)
		e.propagateLVBOnRelease(rsb, l, oldMode)
		l.RqMode = newMode
		e.grant(rsb, l, newMode)
		e.reevaluateConvert(rsb)
		e.reevaluateWait(rsb)
		return
	}

	rsb.Remove(resource.QueueGranted, l)
	rsb.Ranges.Remove(l.ID)
	l.RqMode = newMode
	l.Status = types.StatusConvert
	rsb.PushBack(resource.QueueConvert, l)
	e.publish(events.EventLockBlocked, rsb, l, newMode, "conversion queued")
	e.reevaluateConvert(rsb)
	e.reevaluateWait(rsb)
}

// Unlock releases a held (or queued) lock and re-evaluates the
// resource (spec §4.3 "Unlock/Cancel").
func (e *Engine) Unlock(rsb *resource.RSB, l *lkb.LKB) {
	rsb.Lock()
	defer rsb.Unlock()

	releasedMode := l.GrMode
	switch l.Status {
	case types.StatusGranted:
		rsb.Remove(resource.QueueGranted, l)
		rsb.Ranges.Remove(l.ID)
		e.propagateLVBOnRelease(rsb, l, l.GrMode)
	case types.StatusConvert:
		rsb.Remove(resource.QueueConvert, l)
	case types.StatusWaiting:
		rsb.Remove(resource.QueueWait, l)
	}

	l.GrMode = types.NL
	l.RqMode = types.IV
	l.Status = types.StatusNone
	l.Complete(types.Unlocked)
	e.publish(events.EventLockUnlocked, rsb, l, releasedMode, "lock unlocked")

	e.reevaluateConvert(rsb)
	e.reevaluateWait(rsb)
}

// Purge removes l from whichever queue it occupies without invoking
// its completion: recovery's departed-owner purge (spec §4.6 action
// 1) has no caller left to notify, only a resource whose queues must
// no longer reflect a dead holder. Re-evaluation proceeds exactly as
// Unlock's does, so removing a departed owner's grant can unblock
// whatever is next in convert or wait.
func (e *Engine) Purge(rsb *resource.RSB, l *lkb.LKB) {
	rsb.Lock()
	defer rsb.Unlock()

	switch l.Status {
	case types.StatusGranted:
		rsb.Remove(resource.QueueGranted, l)
		rsb.Ranges.Remove(l.ID)
	case types.StatusConvert:
		rsb.Remove(resource.QueueConvert, l)
	case types.StatusWaiting:
		rsb.Remove(resource.QueueWait, l)
	}
	l.GrMode = types.NL
	l.RqMode = types.IV
	l.Status = types.StatusNone

	e.reevaluateConvert(rsb)
	e.reevaluateWait(rsb)
}

// Cancel aborts a pending (WAITING or CONVERT) lock, or is equivalent
// to Unlock if l is already GRANTED (spec §4.3, §5 "Cancellation").
// Calling Cancel on an already-NONE lock is a no-op completion, making
// cancel idempotent.
func (e *Engine) Cancel(rsb *resource.RSB, l *lkb.LKB) {
	rsb.Lock()
	defer rsb.Unlock()

	switch l.Status {
	case types.StatusGranted:
		releasedMode := l.GrMode
		rsb.Remove(resource.QueueGranted, l)
		rsb.Ranges.Remove(l.ID)
		e.propagateLVBOnRelease(rsb, l, l.GrMode)
		l.GrMode = types.NL
		l.RqMode = types.IV
		l.Status = types.StatusNone
		l.Complete(types.Unlocked)
		e.publish(events.EventLockUnlocked, rsb, l, releasedMode, "lock unlocked via cancel")
	case types.StatusConvert:
		rqMode := l.RqMode
		rsb.Remove(resource.QueueConvert, l)
		l.RqMode = types.IV
		l.Status = types.StatusGranted
		rsb.Ranges.Insert(l.ID, l.GrMode, grantedRange(l))
		rsb.PushBack(resource.QueueGranted, l)
		l.Complete(types.Cancelled)
		e.publish(events.EventLockCancelled, rsb, l, rqMode, "conversion cancelled")
	case types.StatusWaiting:
		rqMode := l.RqMode
		rsb.Remove(resource.QueueWait, l)
		l.RqMode = types.IV
		l.Status = types.StatusNone
		l.Complete(types.Cancelled)
		e.publish(events.EventLockCancelled, rsb, l, rqMode, "queued lock cancelled")
	default:
		l.Complete(types.Cancelled)
	}

	e.reevaluateConvert(rsb)
	e.reevaluateWait(rsb)
}

// propagateLVBOnRelease writes l's LVB bytes back to the resource when
// releasing from a write mode with VALBLK set (spec §4.3 "LVB
// semantics"). mode is the mode being released from, captured by the
// caller before it is reset.
func (e *Engine) propagateLVBOnRelease(rsb *resource.RSB, l *lkb.LKB, mode types.Mode) {
	if types.IsWriteMode(mode) && l.Flags.Has(types.FlagValBlk) && l.LVB != nil {
		rsb.WriteLVB(l.LVB.Bytes)
	}
}

// grant transitions l onto the granted queue in mode, fills its LVB
// from the resource if requested, and fires its completion. l must not
// be attached to any queue when grant is called.
func (e *Engine) grant(rsb *resource.RSB, l *lkb.LKB, mode types.Mode) {
	l.GrMode = mode
	l.Status = types.StatusGranted
	if l.HasRange {
		l.GrantedRange = l.RequestRange
	}
	rsb.PushBack(resource.QueueGranted, l)
	rsb.Ranges.Insert(l.ID, l.GrMode, grantedRange(l))

	if l.Flags.Has(types.FlagValBlk) {
		v := rsb.LVB
		l.LVB = &v
	}

	e.logger.Debug().
		Str("resource", string(rsb.Name)).
		Uint32("lkid", uint32(l.ID)).
		Str("mode", mode.String()).
		Msg("lock granted")
	l.Complete(types.OK)
	e.publish(events.EventLockGranted, rsb, l, mode, "lock granted")
}

// conflictsWithGranted returns the ids of granted-queue holders that
// conflict with a request for mode/rng, per rangelock.Compatible.
func conflictsWithGranted(rsb *resource.RSB, mode types.Mode, rng types.Range) []idtable.ID {
	return rsb.Ranges.Conflicts(mode, rng)
}

// conflictsWithOtherConverts returns the ids of other convert-queue
// entries (excluding selfID) whose currently-held grant mode conflicts
// with a request for mode/rng. A non-empty result here — as opposed to
// a conflict against the granted queue — is the signature of a
// same-resource conversion-deadlock cycle (spec §4.3).
func conflictsWithOtherConverts(rsb *resource.RSB, selfID idtable.ID, mode types.Mode, rng types.Range) []idtable.ID {
	var out []idtable.ID
	rsb.Each(resource.QueueConvert, func(l *lkb.LKB) bool {
		if l.ID != selfID && !rangelockCompatible(l, mode, rng) {
			out = append(out, l.ID)
		}
		return true
	})
	return out
}

func rangelockCompatible(held *lkb.LKB, mode types.Mode, rng types.Range) bool {
	return types.Compatible(held.GrMode, mode) || !grantedRange(held).Overlaps(rng)
}

// reevaluateConvert walks the convert queue head-first, granting every
// entry that has become grantable and stopping at the first one that
// hasn't, to preserve FIFO order (spec §4.3 "Unlock/Cancel"). When the
// head is blocked exclusively by other convert-queue holders (never by
// a genuinely granted lock), that is a conversion-deadlock cycle: the
// most recently enqueued offending converter is demoted to NL, which
// unconditionally breaks the cycle, and the walk resumes.
func (e *Engine) reevaluateConvert(rsb *resource.RSB) {
	for {
		head := rsb.Front(resource.QueueConvert)
		if head == nil {
			return
		}
		rng := requestRange(head)

		grantedConflicts := conflictsWithGranted(rsb, head.RqMode, rng)
		if len(grantedConflicts) > 0 {
			return
		}

		convertConflicts := conflictsWithOtherConverts(rsb, head.ID, head.RqMode, rng)
		if len(convertConflicts) == 0 {
			rsb.Remove(resource.QueueConvert, head)
			e.propagateLVBOnRelease(rsb, head, head.GrMode)
			e.grant(rsb, head, head.RqMode)
			continue
		}

		victim := e.lastEnqueued(rsb, convertConflicts)
		e.logger.Warn().
			Str("resource", string(rsb.Name)).
			Uint32("head_lkid", uint32(head.ID)).
			Uint32("victim_lkid", uint32(victim.ID)).
			Msg("conversion deadlock detected")
		e.resolveDeadlock(rsb, victim)
	}
}

// lastEnqueued returns, among the convert-queue entries named by ids,
// the one closest to the tail (i.e. enqueued most recently).
func (e *Engine) lastEnqueued(rsb *resource.RSB, ids []idtable.ID) *lkb.LKB {
	var victim *lkb.LKB
	rsb.Each(resource.QueueConvert, func(l *lkb.LKB) bool {
		for _, id := range ids {
			if l.ID == id {
				victim = l
			}
		}
		return true
	})
	return victim
}

// resolveDeadlock demotes victim's held mode to NL, unconditionally
// freeing whatever it was blocking, and removes its stalled conversion
// attempt. The completion code depends on whether the caller asked for
// CONVDEADLK at request time (spec §4.3, §6).
func (e *Engine) resolveDeadlock(rsb *resource.RSB, victim *lkb.LKB) {
	rsb.Remove(resource.QueueConvert, victim)
	flags := victim.Flags
	demotedFrom := victim.GrMode
	victim.GrMode = types.NL
	victim.RqMode = types.IV
	victim.Status = types.StatusGranted
	rsb.Ranges.Insert(victim.ID, types.NL, types.FullRange)
	rsb.PushBack(resource.QueueGranted, victim)

	if flags.Has(types.FlagConvDeadlock) {
		victim.Complete(types.Deadlock)
	} else {
		victim.Complete(types.OK)
	}
	e.publish(events.EventDeadlockDetected, rsb, victim, demotedFrom, "conversion deadlock resolved by demoting victim")
}

// reevaluateWait walks the wait queue in FIFO order, granting while
// grantable and stopping at the first non-grantable entry (spec §4.3,
// §8 invariant 3). The convert queue always has priority: while it is
// non-empty, nothing in wait is granted (invariant 4).
func (e *Engine) reevaluateWait(rsb *resource.RSB) {
	if rsb.Convert.Len() > 0 {
		return
	}
	for {
		head := rsb.Front(resource.QueueWait)
		if head == nil {
			return
		}
		rng := requestRange(head)
		if len(conflictsWithGranted(rsb, head.RqMode, rng)) > 0 {
			return
		}
		rsb.Remove(resource.QueueWait, head)
		e.grant(rsb, head, head.RqMode)
	}
}
