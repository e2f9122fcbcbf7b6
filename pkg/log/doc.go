/*
Package log provides structured logging for dlmd using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("dispatch")                │          │
	│  │  - WithNode("node-abc123")                  │          │
	│  │  - WithLockspace("cluster-a")                │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "dispatch",                 │          │
	│  │    "time": "2026-07-29T10:30:00Z",          │          │
	│  │    "message": "request granted"              │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  10:30AM INF request granted component=dispatch │      │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all dlmd packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithNode: Add this node's id to all logs
  - WithLockspace: Add a lockspace name to all logs

# Usage

Initializing the Logger:

	import "github.com/cuemby/dlmd/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component Loggers:

	dispatchLog := log.WithComponent("dispatch")
	dispatchLog.Info().Msg("request granted")

	// Multiple context fields
	recoveryLog := log.WithComponent("recovery").
		With().Str("lockspace", "cluster-a").Logger()
	recoveryLog.Info().Uint64("epoch", 3).Msg("recovery epoch started")

Context Logger Helpers:

	nodeLog := log.WithNode("node-abc123")
	nodeLog.Info().Msg("node joined lockspace")

	lsLog := log.WithLockspace("cluster-a")
	lsLog.Info().Msg("recovery finished")

# Integration Points

This package integrates with:

  - pkg/dispatch: logs channel lifecycle and unhandled message kinds
  - pkg/recovery: logs stop/start/finish transitions and pass failures
  - pkg/membership: logs quorum and membership-change events
  - pkg/lockspace: logs join/leave and lifecycle-flag transitions
  - pkg/api: logs HTTP requests and errors

# Security

Log Content:
  - Never log secrets or sensitive data
  - Redact tokens, passwords, API keys
  - Review logs before sharing externally
*/
package log
