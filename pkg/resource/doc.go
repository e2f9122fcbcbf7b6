/*
Package resource implements the RSB (resource block) and the
per-lockspace resource directory: a hash table mapping
(parent, name) -> *RSB with per-bucket locking, grounded on spec §4.2
and on the bucketed-storage idiom of pkg/storage/boltdb.go (one bucket
per entity kind, keyed lookups) — generalized here to a sharded
in-memory map since spec.md's Non-goals exclude durable on-disk lock
persistence.

An RSB holds its three lock queues (granted/convert/wait) as
github.com/gammazero/deque Deques rather than slices, so FIFO
head-first draining (spec §4.3) is O(1) instead of O(n) per removal.

The directory's diagnostic Iterate walks one bucket at a time and
releases that bucket's lock before invoking the callback, so it
tolerates buckets being emptied underneath it without holding a
table-wide lock for the duration of the dump (spec §4.2).
*/
package resource
