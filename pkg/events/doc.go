/*
Package events implements a lightweight publish/subscribe broker for
lockspace lifecycle notifications.

# Overview

The broker lets lock manager internals (engine, directory, recovery)
announce what happened without coupling to whoever cares: the debug
endpoint, the metrics subscriber, audit logging.

	┌────────────────────────────────────────────────────────────┐
	│                      Event Broker                         │
	│                                                            │
	│  ┌────────────────────────────────────────────┐           │
	│  │              Publishers                     │          │
	│  │                                              │          │
	│  │  Lock Events:                               │          │
	│  │    - lock.granted                           │          │
	│  │    - lock.blocked                           │          │
	│  │    - lock.cancelled                         │          │
	│  │    - lock.unlocked                          │          │
	│  │                                              │          │
	│  │  Mastering Events:                          │          │
	│  │    - master.elected                         │          │
	│  │                                              │          │
	│  │  Recovery Events:                           │          │
	│  │    - recovery.started                       │          │
	│  │    - recovery.finished                      │          │
	│  │    - peer.departed                          │          │
	│  │                                              │          │
	│  │  Deadlock Events:                           │          │
	│  │    - deadlock.detected                      │          │
	│  └────────────────────────────────────────────┘           │
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Subscribers                      │          │
	│  │                                              │          │
	│  │  API: Serve recent events at the debug dump │          │
	│  │  Metrics: Count events for dashboards       │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────────┘

# Core Components

Event Broker:
  - Central message bus for event distribution
  - Manages subscriber lifecycle
  - Non-blocking publish (buffered channel)
  - Graceful shutdown via stop channel

Event:
  - ID: Unique event identifier
  - Type: Event type (lock.granted, deadlock.detected, etc.)
  - Timestamp: When event occurred
  - Message: Human-readable description
  - Metadata: Key-value pairs for additional context (resource name,
    lock id, node id, grant mode)

Subscriber:
  - Channel that receives Event pointers
  - Buffered (50 events) to handle bursts
  - Created via broker.Subscribe()
  - Closed via broker.Unsubscribe()

# Event Flow

Publish Flow:
 1. Publisher calls broker.Publish(event)
 2. Event added to main event channel (non-blocking)
 3. Broadcast loop receives event
 4. Event sent to all subscriber channels
 5. Subscribers receive event asynchronously
 6. Full subscriber buffers skip (no blocking)

Subscribe Flow:
 1. Subscriber calls broker.Subscribe()
 2. New buffered channel created
 3. Channel registered in subscriber map
 4. Subscriber channel returned

Unsubscribe Flow:
 1. Subscriber calls broker.Unsubscribe(channel)
 2. Channel removed from subscriber map
 3. Channel closed

# Usage

Creating and Starting Broker:

	import "github.com/cuemby/dlmd/pkg/events"

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

Subscribing to Events:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
		}
	}()

Publishing Events:

	event := &events.Event{
		ID:      "evt-123",
		Type:    events.EventLockGranted,
		Message: "lock granted on resource R",
		Metadata: map[string]string{
			"resource": "R",
			"node_id":  "node-2",
			"gr_mode":  "EX",
		},
	}
	broker.Publish(event)

Filtering Events by Type:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			switch event.Type {
			case events.EventDeadlockDetected:
				handleDeadlock(event)
			case events.EventRecoveryStarted:
				handleRecoveryStarted(event)
			default:
				// Ignore other events
			}
		}
	}()

# Integration Points

This package integrates with:

  - pkg/engine: Publishes lock.granted, lock.blocked, lock.cancelled,
    lock.unlocked, deadlock.detected
  - pkg/directory: Publishes master.elected
  - pkg/recovery: Publishes recovery.started, recovery.finished,
    peer.departed
  - pkg/api: Serves recent events at the debug dump endpoint
  - pkg/metrics: Counts events by type

# Design Patterns

Non-Blocking Publish:
  - Publish sends to buffered channel
  - Events may be dropped if buffer full
  - Trade-off: throughput over guaranteed delivery

Fan-Out Pattern:
  - Single event broadcast to all subscribers
  - Each subscriber gets own channel
  - Full buffers skip to prevent blocking

Fire-and-Forget:
  - No acknowledgment from subscribers
  - No retry on delivery failure
  - Suitable for monitoring, not the lock protocol itself —
    correctness of the lock state machine never depends on an event
    being observed

# Limitations

  - In-memory only (no persistence)
  - No event replay or history beyond what a subscriber buffers itself
  - No guaranteed delivery (best effort)
  - No topic-based filtering (all events broadcast; subscribers filter
    by Type themselves)

# See Also

  - pkg/engine for the state machine that publishes most events
  - pkg/recovery for recovery-epoch events
  - pkg/api for the debug dump that serves recent events
*/
package events
