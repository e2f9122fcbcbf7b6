/*
Package lkb defines the lock block (LKB): one lock request by one
holder on one resource, and the invariants around its lifecycle.

Grounded on spec §3 "Lock block (LKB)" and
original_source/dlm-kernel/src/lkb.c, which allocates/frees LKBs
alongside the lock-ID table and enforces that an LKB can only be freed
while its status is NONE (an LKB released while still WAITING,
CONVERT, or GRANTED indicates the state machine lost track of a queue
membership — release_lkb logs this as an internal error rather than
crashing; AssertReleasable here returns it as an error, which
pkg/client logs before refusing the release).

Per the arena-ownership design note (spec §9), an LKB refers to its
owning resource by types.ResourceID rather than by pointer; the
resource and lkb packages never import each other.
*/
package lkb
