package graph

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType represents the type of run lifecycle event.
type EventType string

const (
	// EventRunStarted is emitted when a run begins.
	EventRunStarted EventType = "run_started"
	// EventRunCompleted is emitted when a run ends, successfully or not.
	EventRunCompleted EventType = "run_completed"
	// EventNodeStarted is emitted before a node's first attempt.
	EventNodeStarted EventType = "node_started"
	// EventNodeCompleted is emitted after a node attempt succeeds.
	EventNodeCompleted EventType = "node_completed"
	// EventNodeFailed is emitted when a node exhausts its retries.
	EventNodeFailed EventType = "node_failed"
	// EventDecisionMade is emitted when an edge selection is journaled.
	EventDecisionMade EventType = "decision_made"
	// EventGraphEvolved is emitted when a candidate graph is promoted.
	EventGraphEvolved EventType = "graph_evolved"
	// EventGraphEvolutionRejected is emitted when probation rejects a candidate.
	EventGraphEvolutionRejected EventType = "graph_evolution_rejected"
)

// Event is a typed lifecycle payload. Delivery is at-most-once per
// subscriber per publish call, best-effort.
type Event struct {
	Type      EventType              `json:"type"`
	RunID     string                 `json:"run_id,omitempty"`
	GraphID   string                 `json:"graph_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventListener is a function that handles lifecycle events. Errors and
// panics are isolated: they are logged and never fail the run.
type EventListener func(ctx context.Context, event *Event) error

// EventEmitter manages event listeners and dispatches events.
type EventEmitter struct {
	mu        sync.RWMutex
	listeners map[EventType][]EventListener
	async     bool
	logger    *slog.Logger
}

// NewEventEmitter creates a new event emitter. With async true, listeners
// run concurrently and Emit returns without waiting on them; the executor's
// step sequence is never blocked by a slow subscriber.
func NewEventEmitter(async bool) *EventEmitter {
	return &EventEmitter{
		listeners: make(map[EventType][]EventListener),
		async:     async,
		logger:    slog.Default(),
	}
}

// WithLogger sets a custom logger for subscriber error reporting.
func (e *EventEmitter) WithLogger(logger *slog.Logger) *EventEmitter {
	e.logger = logger
	return e
}

// On registers an event listener for the specified event type.
func (e *EventEmitter) On(eventType EventType, listener EventListener) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.listeners[eventType] = append(e.listeners[eventType], listener)
}

// Off removes all listeners for the event type.
func (e *EventEmitter) Off(eventType EventType) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.listeners, eventType)
}

// Emit dispatches an event to all registered listeners. Subscriber errors
// are swallowed after logging; a failing subscriber cannot fail the run.
func (e *EventEmitter) Emit(ctx context.Context, event *Event) {
	if event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e.mu.RLock()
	listeners := make([]EventListener, len(e.listeners[event.Type]))
	copy(listeners, e.listeners[event.Type])
	e.mu.RUnlock()

	for _, listener := range listeners {
		if e.async {
			go e.deliver(ctx, event, listener)
		} else {
			e.deliver(ctx, event, listener)
		}
	}
}

// deliver invokes a single listener with panic isolation.
func (e *EventEmitter) deliver(ctx context.Context, event *Event, listener EventListener) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event subscriber panicked",
				"event", string(event.Type),
				"panic", r,
			)
		}
	}()

	if err := listener(ctx, event); err != nil {
		e.logger.Warn("event subscriber failed",
			"event", string(event.Type),
			"error", err,
		)
	}
}

// ListenerCount returns the number of listeners for a given event type.
func (e *EventEmitter) ListenerCount(eventType EventType) int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.listeners[eventType])
}

// RemoveAllListeners removes all listeners for all event types.
func (e *EventEmitter) RemoveAllListeners() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.listeners = make(map[EventType][]EventListener)
}
