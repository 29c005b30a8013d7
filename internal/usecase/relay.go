package usecase

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"pipebridge/internal/domain"
)

// BusNotifier bridges a pipe's status/chunk notifications onto the
// event bus, keyed by session, so any number of UI subscribers can
// observe a run in progress. Publishing never fails, so the returned
// Notifier always reports success to the pipe.
func BusNotifier(bus domain.EventBus, sessionID string) domain.Notifier {
	return func(ctx context.Context, n domain.Notification) error {
		var (
			eventType domain.EventType
			payload   any
		)
		switch n.Kind {
		case domain.NotificationChunk:
			eventType = domain.EventPipeChunk
			payload = domain.ChunkPayload{Content: n.Content}
		default:
			eventType = domain.EventPipeStatus
			payload = domain.StatusPayload{
				Level:       n.Level,
				Description: n.Description,
				Done:        n.Done,
			}
		}

		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		bus.Publish(ctx, domain.Event{
			Type:      eventType,
			Timestamp: time.Now(),
			SessionID: sessionID,
			Payload:   data,
		})
		return nil
	}
}

// NewSessionID generates a lexicographically sortable session ID for
// callers that do not supply one.
func NewSessionID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
