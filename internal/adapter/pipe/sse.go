package pipe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"pipebridge/internal/domain"
)

// flowiseEvent is one SSE data payload from a Flowise prediction
// stream: {"event": "token", "data": "..."}.
type flowiseEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// consumeEventStream reads SSE-formatted lines from body, accumulating
// "token" event content and calling onToken for each token as it
// arrives. The stream ends on an "end" event, EOF, or a read error.
// Other event types are counted and skipped; unparseable data lines
// are skipped. Returns the accumulated content, the number of parsed
// data events, and any stream error. Partial content is returned even
// on error.
func consumeEventStream(ctx context.Context, body io.Reader, logger *slog.Logger, onToken func(string) error) (string, int, error) {
	var content bytes.Buffer
	events := 0

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return content.String(), events, ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !bytes.HasPrefix(line, []byte("data:")) {
			logger.Debug("non-data sse line skipped", "line", snippet(line, 100))
			continue
		}

		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))

		var event flowiseEvent
		if err := json.Unmarshal(data, &event); err != nil {
			logger.Debug("unparseable sse data skipped", "raw", snippet(data, 100))
			continue
		}

		switch event.Event {
		case "token":
			var token string
			if err := json.Unmarshal(event.Data, &token); err != nil {
				// Non-string token payloads are treated as metadata.
				logger.Debug("non-string token data skipped", "raw", snippet(event.Data, 100))
				events++
				continue
			}
			content.WriteString(token)
			if onToken != nil {
				if err := onToken(token); err != nil {
					return content.String(), events, err
				}
			}
		case "end":
			logger.Debug("stream ended via end event", "events", events)
			return content.String(), events, nil
		default:
			logger.Debug("meta sse event skipped",
				"event", event.Event,
				"data", snippet(event.Data, 100),
			)
		}
		events++
	}

	if err := scanner.Err(); err != nil {
		return content.String(), events, fmt.Errorf("%w: read stream: %v", domain.ErrTransport, err)
	}
	return content.String(), events, nil
}
