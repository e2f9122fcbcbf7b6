/*
Package engine is the DLM lock state machine: new-lock evaluation,
conversion (with the downgrade fast path and conversion-deadlock
detection/demotion), unlock/cancel re-evaluation, and LVB propagation
(spec §4.3).

Every exported method takes the owning resource's lock for its
duration (pkg/resource.RSB.Lock/Unlock), matching the locking hierarchy
of spec §5: the resource lock is the only lock engine operations need,
since the lock-id table and in-flight queue are addressed by higher
layers before and after an engine call, never from inside one.

Grounded on pkg/scheduler's ticker-driven re-evaluation style (replaced
here by event-driven re-evaluation after every unlock, cancel, and
grantable conversion) for its component-logger and
synchronous-evaluation idiom; the conversion-deadlock rule has no
ticker-driven analogue and is built from original_source/'s
description in dlm-kernel, generalized since the deadlock-detection
source file was not part of the retrieved original_source/ set.
*/
package engine
