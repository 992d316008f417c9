/*
Package events provides an in-memory event broker for the orchestrator's
lifecycle notifications.

The events package implements a lightweight event bus for broadcasting
reconciliation-core events to interested subscribers. It supports
topic-agnostic subscriptions with asynchronous event delivery. In this
module the Task Facility's Registry is the only publisher; the other event
types are declared here but nothing in the module publishes them.

# Architecture

The event system provides non-blocking pub/sub messaging with buffered
channels:

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Event Broker                   │          │
	│  │  - In-memory message bus                    │          │
	│  │  - Topic-agnostic (all events broadcast)    │          │
	│  │  - Non-blocking publish                     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Event Distribution                 │          │
	│  │                                              │          │
	│  │  Publisher → Event Channel (buffer: 100)    │          │
	│  │       ↓                                      │          │
	│  │  Broadcast Loop                              │          │
	│  │       ↓                                      │          │
	│  │  Subscriber Channels (buffer: 50 each)      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Event Types                       │          │
	│  │                                              │          │
	│  │  Group Events:                              │          │
	│  │    - group.created                          │          │
	│  │    - group.updated                          │          │
	│  │    - group.deleted                          │          │
	│  │    - group.healed                           │          │
	│  │                                              │          │
	│  │  Instance Events:                           │          │
	│  │    - instance.migrated                      │          │
	│  │                                              │          │
	│  │  Backup Events:                             │          │
	│  │    - backup.created, backup.restored        │          │
	│  │                                              │          │
	│  │  Task Events:                               │          │
	│  │    - task.created, task.failed              │          │
	│  │    - task.completed                         │          │
	│  │                                              │          │
	│  │  Host Events:                               │          │
	│  │    - host.down, host.recovered               │          │
	│  └────────────────────────────────────────────┘           │
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Subscribers                      │          │
	│  │                                              │          │
	│  │  Any caller of broker.Subscribe(); no       │          │
	│  │  package in this module subscribes          │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Event Broker:
  - Central message bus for event distribution
  - Manages subscriber lifecycle
  - Non-blocking publish (buffered channel)
  - Graceful shutdown via stop channel

Event:
  - ID: unique event identifier
  - Type: event type (group.created, task.failed, etc.)
  - Timestamp: when the event occurred
  - Message: human-readable description
  - Metadata: key-value pairs for additional context (group id, instance,
    host, backup id, …)

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

Creating and Starting a Broker:

	import "github.com/cuemby/herd/pkg/events"

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

	broker.Publish(&events.Event{
		Type:    events.EventGroupHealed,
		Message: "group alice: rule rerun_missing_instance fired for instance 2",
		Metadata: map[string]string{
			"group":    "alice",
			"instance": "2",
			"rule":     "rerun_missing_instance",
		},
	})

Filtering Events by Type:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			switch event.Type {
			case events.EventInstanceMigrated:
				handleMigration(event)
			case events.EventHostDown:
				handleHostDown(event)
			default:
				// ignore other events
			}
		}
	}()

# Integration Points

This package integrates with:

  - pkg/task: the task Registry publishes task.created when it starts a
    task and task.completed or task.failed when the task finishes
  - cmd/herd: builds and starts the broker and hands it to the task
    Registry

The group, instance, backup and host event types have no publisher in this
module.

# Design Patterns

Non-Blocking Publish:
  - Publish sends to a buffered channel and returns immediately
  - Events may be dropped if the buffer is full
  - Trade-off: throughput over guaranteed delivery, matching the
    reconciliation core's own "eventually consistent, safe under
    repetition" posture — a dropped notification never loses state,
    only a point-in-time log line

Fan-Out Pattern:
  - A single event is broadcast to every subscriber
  - Each subscriber has its own channel and processing rate
  - A full subscriber buffer skips rather than blocks the publisher

Fire-and-Forget:
  - No acknowledgment from subscribers, no retry on delivery failure
  - Suitable for observability, not for anything the Healer depends on
    for correctness — the Healer's fixed point comes from re-sensing
    the KV store and runtime, never from this broker

Graceful Shutdown:
  - broker.Stop() signals the broadcast loop to exit
  - Subscriber channels remain open until explicitly unsubscribed

# Limitations

  - In-memory only, no persistence or replay
  - No guaranteed delivery (best effort)
  - No topic-based filtering; every subscriber sees every event type and
    filters client-side

# See Also

  - pkg/task for the task Registry that publishes the task events
  - Pub/sub pattern: https://en.wikipedia.org/wiki/Publish%E2%80%93subscribe_pattern
*/
package events
