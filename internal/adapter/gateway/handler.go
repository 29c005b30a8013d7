package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"pipebridge/internal/adapter/pipe"
	"pipebridge/internal/domain"
	"pipebridge/internal/usecase"
)

// HandlerDeps carries the dependencies for gateway RPC handlers.
type HandlerDeps struct {
	Pipes  *pipe.Registry
	Bus    domain.EventBus
	Logger *slog.Logger
}

// RegisterHandlers wires the RPC methods and REST routes onto srv.
func RegisterHandlers(srv *Server, deps HandlerDeps) {
	srv.RegisterHandler("pipe.list", deps.handlePipeList)
	srv.RegisterHandler("pipe.run", deps.handlePipeRun)
	srv.RegisterHTTPRoute("/healthz", deps.handleHealthz)
}

// pipeListResponse is the result of the pipe.list method.
type pipeListResponse struct {
	Pipes []string `json:"pipes"`
}

func (d HandlerDeps) handlePipeList(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(pipeListResponse{Pipes: d.Pipes.IDs()})
}

// runRequest is the payload of the pipe.run method.
type runRequest struct {
	Pipe      string           `json:"pipe"`
	SessionID string           `json:"session_id,omitempty"`
	Messages  []domain.Message `json:"messages"`
}

// runResponse is the result of the pipe.run method. Status updates and
// streamed chunks arrive separately as event frames keyed by session.
type runResponse struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

func (d HandlerDeps) handlePipeRun(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
	var req runRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRPCInvalidPayload, err)
	}
	if req.Pipe == "" {
		return nil, fmt.Errorf("%w: pipe is required", domain.ErrRPCInvalidPayload)
	}

	p, err := d.Pipes.Get(req.Pipe)
	if err != nil {
		return nil, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = usecase.NewSessionID()
	}

	body := &domain.ChatBody{
		SessionID: sessionID,
		Messages:  req.Messages,
	}

	d.publish(ctx, domain.EventPipeStarted, sessionID, domain.StartedPayload{Pipe: req.Pipe})
	d.Logger.Info("pipe run started",
		"pipe", req.Pipe,
		"session_id", sessionID,
		"client", client.Name,
	)

	start := time.Now()
	content, runErr := p.Run(ctx, body, usecase.BusNotifier(d.Bus, sessionID))
	if runErr != nil {
		d.publish(ctx, domain.EventPipeFailed, sessionID, domain.FailedPayload{
			Pipe:  req.Pipe,
			Error: runErr.Error(),
			Code:  domain.ErrorCodeOf(runErr),
		})
		d.Logger.Warn("pipe run failed",
			"pipe", req.Pipe,
			"session_id", sessionID,
			"duration", time.Since(start),
			"error", runErr,
		)
		return nil, runErr
	}

	d.publish(ctx, domain.EventPipeCompleted, sessionID, domain.CompletedPayload{
		Pipe:    req.Pipe,
		Content: content,
	})
	d.Logger.Info("pipe run completed",
		"pipe", req.Pipe,
		"session_id", sessionID,
		"duration", time.Since(start),
		"content_bytes", len(content),
	)

	return json.Marshal(runResponse{SessionID: sessionID, Content: content})
}

func (d HandlerDeps) publish(ctx context.Context, eventType domain.EventType, sessionID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		d.Logger.Error("marshal event payload", "type", eventType, "error", err)
		return
	}
	d.Bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Payload:   data,
	})
}

func (d HandlerDeps) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"pipes":  d.Pipes.IDs(),
	})
}
