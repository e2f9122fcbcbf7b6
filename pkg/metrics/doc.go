/*
Package metrics provides Prometheus metrics collection and exposition
for the lock manager daemon.

The metrics package defines and registers lock-manager metrics using
the Prometheus client library: lockspace gauges sampled on an interval
by Collector, and lock-lifecycle counters updated inline by pkg/engine,
pkg/directory, and pkg/recovery via the shared events.Broker (see
SubscribeBroker). Metrics are exposed via an HTTP endpoint for scraping
by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Sources                  │          │
	│  │                                              │          │
	│  │  Collector: polls Registry every 15s        │          │
	│  │    for lockspace/resource/lock-count gauges │          │
	│  │  SubscribeBroker: counts events.Broker      │          │
	│  │    publications into counter metrics        │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Metrics Catalog

Lockspace Metrics (sampled by Collector):

dlmd_lockspaces_total{state}: gauge, lockspaces by JOINING/RUNNING/
STOPPING/IN_RECOVERY.

dlmd_resources_total{lockspace}: gauge, resources tracked per
lockspace.

dlmd_locks_outstanding_total{lockspace}: gauge, lock-id-table entries
per lockspace.

dlmd_recovery_epoch{lockspace}: gauge, current recovery epoch.

Lock Operation Metrics (counted from events.Broker):

dlmd_locks_granted_total{mode}: counter, grants by mode.

dlmd_locks_blocked_total: counter, requests/conversions that queued.

dlmd_locks_cancelled_total: counter, queued locks cancelled.

dlmd_deadlocks_detected_total: counter, conversion deadlock cycles
resolved.

dlmd_master_elections_total: counter, first-touch master elections.

dlmd_peers_departed_total: counter, peer departures processed by
recovery.

API Metrics:

dlmd_api_requests_total{path, status}: counter, debug/status endpoint
requests.

dlmd_api_request_duration_seconds{path}: histogram, request duration.

# Usage

Wiring Collector and the event sink for a running registry:

	import "github.com/cuemby/dlmd/pkg/metrics"

	collector := metrics.NewCollector(registry)
	collector.Start()
	defer collector.Stop()

	stop := metrics.SubscribeBroker(lockspace.Events)
	defer stop()

Exposing the endpoint:

	http.Handle("/metrics", metrics.Handler())

Timing an operation directly:

	timer := metrics.NewTimer()
	// ... handle a debug endpoint request ...
	timer.ObserveDurationVec(metrics.APIRequestDuration, "/debug/dump")

# Integration Points

This package integrates with:

  - pkg/lockspace: Collector polls Registry for gauge metrics
  - pkg/engine, pkg/directory, pkg/recovery: publish the events.Broker
    occurrences SubscribeBroker translates into counters
  - pkg/api: serves /metrics and instruments request duration

# Design Patterns

Package Init Registration:
  - All metrics registered in init()
  - MustRegister panics on duplicate registration

Event-Driven Counters:
  - Counter metrics never touched directly by pkg/engine/pkg/directory
  - Instead engine etc. publish to events.Broker; SubscribeBroker
    counts what it sees
  - Keeps pkg/engine free of a direct Prometheus dependency

# See Also

  - pkg/events for the broker SubscribeBroker consumes
  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
