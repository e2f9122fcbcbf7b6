/*
Package idtable implements the per-lockspace lock-ID table: allocation
and lookup of the 32-bit handles ("lkid"s) clients use to refer to an
LKB.

Grounded on original_source/dlm-kernel/src/lkb.c's init_lockidtbl /
create_lkb / find_lock_by_id / release_lkb / free_lockidtbl. The C
source stores, per bucket, a linked list scanned linearly to rule out
duplicates; this package keeps the bucket/counter id scheme exactly
(low 16 bits are a random bucket index, high 16 bits a per-bucket
monotonic counter) but holds each bucket's members in a map so lookup
and duplicate-checking are O(1) rather than O(bucket length) — an
implementation detail invisible to callers, not a behavior change.

Table is generic over the payload type so the resource and lkb
packages, which would otherwise need to import each other, can each
instantiate idtable.Table[*lkb.LKB] without a cyclic dependency.
*/
package idtable
