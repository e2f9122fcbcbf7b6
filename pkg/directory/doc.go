/*
Package directory implements mastering and directory-node selection
(spec §4.4): a deterministic hash of a resource's name modulo the
current ordered member set picks that resource's directory node, which
either masters the resource itself or remembers which node currently
does.

Hashing uses github.com/OneOfOne/xxhash, the same fast non-cryptographic
hash aistore uses for shard/key placement, generalized here from
content shards to resource names.

Resolved resource -> master lookups are cached with a short TTL via
github.com/patrickmn/go-cache, mirroring the in-memory TTL cache
lfx-v1-sync-helper keeps in front of its sync source lookups; the
directory cache is flushed wholesale on every membership change (spec
§4.4: "purged and rebuilt on every membership change"), since a stale
entry could point at a node that is no longer a cluster member.
*/
package directory
