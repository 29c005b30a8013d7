package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventPipeStarted   EventType = "pipe.started"
	EventPipeStatus    EventType = "pipe.status"
	EventPipeChunk     EventType = "pipe.chunk"
	EventPipeCompleted EventType = "pipe.completed"
	EventPipeFailed    EventType = "pipe.failed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// StartedPayload is the payload for EventPipeStarted events.
type StartedPayload struct {
	Pipe string `json:"pipe"`
}

// StatusPayload is the payload for EventPipeStatus events. It mirrors
// the status variant of a pipe Notification.
type StatusPayload struct {
	Level       string `json:"level"`
	Description string `json:"description"`
	Done        bool   `json:"done"`
}

// ChunkPayload is the payload for EventPipeChunk events. Published for
// each incremental fragment during a streamed pipe response.
type ChunkPayload struct {
	Content string `json:"content"`
}

// CompletedPayload is the payload for EventPipeCompleted events.
// Published once when the full pipe response is available.
type CompletedPayload struct {
	Pipe    string `json:"pipe"`
	Content string `json:"content"`
}

// FailedPayload is the payload for EventPipeFailed events.
type FailedPayload struct {
	Pipe  string    `json:"pipe"`
	Error string    `json:"error"`
	Code  ErrorCode `json:"code"`
}
