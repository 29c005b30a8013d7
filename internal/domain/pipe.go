package domain

import "context"

// NotificationKind distinguishes the two notification shapes a pipe emits:
// incremental streamed content vs. human-readable progress.
type NotificationKind string

const (
	NotificationStatus NotificationKind = "status"
	NotificationChunk  NotificationKind = "chunk"
)

// Status levels used by pipe notifications.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Notification is a transient progress message delivered to the host UI
// during a pipe run. Kind selects which fields are meaningful: a chunk
// carries Content, a status carries Level, Description and Done.
// Notifications are fire-and-forget and never retained.
type Notification struct {
	Kind NotificationKind `json:"kind"`

	// Status fields.
	Level       string `json:"level,omitempty"`
	Description string `json:"description,omitempty"`
	Done        bool   `json:"done,omitempty"`

	// Chunk fields.
	Content string `json:"content,omitempty"`
}

// StatusNotification builds a status-kind notification.
func StatusNotification(level, description string, done bool) Notification {
	return Notification{
		Kind:        NotificationStatus,
		Level:       level,
		Description: description,
		Done:        done,
	}
}

// ChunkNotification builds a chunk-kind notification carrying an
// incremental fragment of streamed content.
func ChunkNotification(content string) Notification {
	return Notification{Kind: NotificationChunk, Content: content}
}

// Notifier delivers a notification to the host UI. It may block; pipes
// call it synchronously at each suspension point. A nil Notifier is
// valid and means the host does not want progress updates.
type Notifier func(ctx context.Context, n Notification) error

// Pipe forwards the latest user message from a chat body to an external
// workflow engine and relays the produced content back into the
// transcript. On success the content string is returned and appended as
// an assistant message; on failure a PipeError is returned and a
// synthesized error message is appended instead. Either way the body
// gains exactly one message per call.
type Pipe interface {
	// ID is the stable registry name of this pipe.
	ID() string
	// Run executes one request/response exchange. All errors are
	// terminal for the call; nothing is retried.
	Run(ctx context.Context, body *ChatBody, notify Notifier) (string, error)
}
