/*
Package client provides the public lock API applications call against
a joined lockspace: lock, convert, unlock, and cancel (spec §6).

# Architecture

The client is a thin, synchronous-request/asynchronous-completion
wrapper around a single *lockspace.Lockspace:

	┌──────────────────── APPLICATION CODE ──────────────────────┐
	│                                                              │
	│  c := client.New(ls)                                        │
	│  id, err := c.Lock(ctx, []byte("R"), types.EX, 0,            │
	│      client.LockOptions{Completion: completion})             │
	│  err = c.Convert(ctx, id, types.PR, 0, nil)                  │
	│  err = c.Unlock(ctx, id, 0)                                  │
	│                                                              │
	└──────────────────┬───────────────────────────────────────┘
	                   │
	┌──────────────────▼──── pkg/client ─────────────────────────┐
	│                                                              │
	│  ┌──────────────────────────────────────────────┐          │
	│  │          Master resolution                    │          │
	│  │  - directory cache fast path                  │          │
	│  │  - local election / remote LOOKUP round trip  │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                        │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │     Local engine  /  remote dispatch          │          │
	│  │  - pkg/engine when this node masters R        │          │
	│  │  - pkg/dispatch Request/Convert/Unlock else   │          │
	│  └────────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────────┘

# Synchronous vs. asynchronous outcomes

A handful of outcomes are known before the request is ever queued and
are returned directly as an error: resource-exhaustion (NOMEM), a bad
mode or unknown lock id (INVAL/NOENT), a lockspace refusing new locks
and conversions while IN_RECOVERY (RECOVERING), and, for Lock, a
failure to resolve the resource's master. Every other outcome —
grant, NOTQUEUE failure, conversion deadlock, cancellation, unlock —
is delivered to the caller-supplied completion callback, per spec §5's
"asynchronous with a caller-supplied completion" and §7's error
taxonomy; a Cancel of a remote lock whose reply is still outstanding
fires the callback once for the cancel and again for the reply. The
callback must not block: for a locally mastered resource it runs
synchronously inside pkg/engine while the owning resource's lock is
held; for a remote master it runs on the goroutine that awaited the
master's reply.

# Remote resources

When the resolved master is a different node, Lock/Convert/Unlock
round-trip through pkg/dispatch instead of calling pkg/engine directly;
the remote peer's reply is translated into the same completion
contract so callers cannot tell local and remote resources apart.

# Non-goals

This package does not expose a wire-facing RPC surface of its own —
that is pkg/dispatch's concern. It has no gRPC, HTTP, or mTLS layer:
callers link against it directly from the same process as the
lockspace they are operating on.
*/
package client
