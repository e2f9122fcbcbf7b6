/*
Package api is the node-local HTTP operational endpoint for a dlmd
process: liveness/readiness, Prometheus metrics, a JSON lockspace
status dump, and a plain-text debug-log dump.

It is deliberately not the client lock API. A client program links
pkg/client and talks directly to a lockspace's dispatcher over
pkg/transport (spec §6); pkg/api exists only so an operator or a
monitoring system can ask a running node "what are you doing" without
joining a lockspace itself.

# Architecture

	┌─────────────── OPERATOR / PROMETHEUS ───────────────┐
	│                                                        │
	│  GET /health, /ready, /live   (metrics.HealthChecker) │
	│  GET /metrics                (Prometheus exposition)  │
	│  GET /status                 (per-lockspace summary)  │
	│  GET /debug/dump             (debugbuf.Buffer)        │
	└───────────────────────┬──────────────────────────────┘
	                        │ net/http
	┌───────────────────────▼──────────────────────────────┐
	│                   api.Server                          │
	│  - wraps *lockspace.Registry for /status              │
	│  - wraps *debugbuf.Buffer for /debug/dump             │
	│  - delegates health/ready/live/metrics to pkg/metrics  │
	└────────────────────────────────────────────────────────┘

# Usage

	import (
		"github.com/cuemby/dlmd/pkg/api"
		"github.com/cuemby/dlmd/pkg/debugbuf"
	)

	srv := api.NewServer(registry, debugbuf.Default, tr, selfAddr)
	err := srv.Start("0.0.0.0:7275") // blocks

Embedding the mux in another listener, or testing it, use GetHandler:

	handler := srv.GetHandler()
	handler.ServeHTTP(w, req)

# Endpoints

  - GET /health: process health (pkg/metrics.HealthHandler)
  - GET /ready: readiness, false until membership/transport/api
    components register healthy (pkg/metrics.ReadyHandler)
  - GET /live: liveness, always 200 while the process runs
  - GET /metrics: Prometheus exposition (pkg/metrics.Handler)
  - GET /status: JSON object whose lockspaces array lists every
    joined lockspace's name, local id, lifecycle state, resource count, outstanding lock count, and
    recovery epoch
  - GET /debug/dump: plain-text dump of recent lock lifecycle events,
    tagged by lockspace (pkg/debugbuf)
  - POST /lockspaces: join a named lockspace, body {"name","peers"}
  - DELETE /lockspaces/{name}: leave a lockspace (fails while any LKB
    remains outstanding, spec §4.7)

# Integration Points

This package integrates with:

  - pkg/lockspace: Registry backs the /status endpoint
  - pkg/metrics: backs /health, /ready, /live, /metrics
  - pkg/debugbuf: backs /debug/dump

# See Also

  - pkg/client for the actual lock API clients use
  - pkg/metrics for the health/readiness/metrics machinery this
    package composes rather than reimplements
*/
package api
