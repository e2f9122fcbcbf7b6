/*
Package transport models the message-framing/retry collaborator spec.md
places out of scope for the engine itself (spec §9 design note): a
capability `{connect(peer) -> channel | busy}` with an explicit retry
policy `{max_attempts, base_delay, jitter}`, so the engine and dispatch
layers never contain an inline sleep loop.

Two backends are provided, both wrapping github.com/cenkalti/backoff/v4
for the retry policy (the same library oasis-core uses around its own
dial/open-session retries):

  - TCPTransport: a plain net.Conn, one per (local, remote) channel,
    framed with pkg/wire's length-prefixed codec.
  - NATSTransport: subject-addressed messaging over
    github.com/nats-io/nats.go, the messaging stack
    lfx-v1-sync-helper uses for its sync fan-out, repurposed here as an
    alternative inter-node channel that doesn't require direct
    node-to-node TCP reachability.

Both backends return a Channel that serializes Send calls, since
spec §4.5 requires per-(local,remote) message ordering be preserved by
the transport, not re-derived by callers.
*/
package transport
