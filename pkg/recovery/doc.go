/*
Package recovery implements the stop/start/finish membership-change
protocol from spec §4.6: freeze new traffic on stop, rebuild
mastership and remote state on start, resume on finish.

Each start runs, in order: purge master copies of departed owners
(dispatch.Dispatcher.PurgeOwner), clear this node's cached master
bookkeeping for names the departed node used to master
(directory.Directory.ClearMasterByNode), a names pass (telling each
resource's current directory node about grants this node already
holds, so a remote-mastered resource isn't silently orphaned), and a
locks pass (re-creating this node's master-copy LKBs on whichever node
answers as master). A recovery round runs in its own cancellable
goroutine; a fresh stop cancels whatever round is in flight and the
next start begins from scratch — spec §4.6's "the current recovery
aborts and restarts with the next start, no partially-applied master
copies are retained."

Per-peer send msgids are monotonic counters bumped in RawSend calls,
letting the peer's receive-side dedup table (also keyed per peer)
discard a retransmitted names/locks message rather than re-applying it
(spec §4.6 point 5).

The fan-out across peers within one pass uses golang.org/x/sync/errgroup,
the same `errgroup.WithContext` pattern the kcp multicluster-runtime
provider uses to watch several logical clusters concurrently and bail
out on the first failure, and aggregates per-peer failures with
github.com/hashicorp/go-multierror, which oasis-core's go.mod already
carries for the rest of the corpus's registry/consensus bulk-operation
error handling.
*/
package recovery
