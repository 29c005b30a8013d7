package pipe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"pipebridge/internal/domain"
	"pipebridge/internal/infra/config"
	"pipebridge/internal/infra/tracer"
)

// FlowisePipe forwards a chat turn to a Flowise prediction endpoint
// and relays the answer back, token by token when streaming is
// enabled. One request per Run; no retries.
type FlowisePipe struct {
	cfg    config.FlowiseConfig
	client *http.Client
	logger *slog.Logger
}

// NewFlowisePipe creates a Flowise pipe from its valve settings.
func NewFlowisePipe(cfg config.FlowiseConfig, logger *slog.Logger) *FlowisePipe {
	return &FlowisePipe{
		cfg:    cfg,
		client: newHTTPClient(cfg.RequestTimeout),
		logger: logger,
	}
}

// ID implements domain.Pipe.
func (p *FlowisePipe) ID() string { return "flowise" }

// emit sends a status notification and then paces the stream so the
// UI renders updates incrementally instead of all at once. Notifier
// failures are logged and swallowed; a broken UI must not abort a
// running workflow call.
func (p *FlowisePipe) emit(ctx context.Context, notify domain.Notifier, level, description string, done bool) {
	if p.cfg.Debug {
		p.logger.Debug("flowise status", "level", level, "description", description, "done", done)
	}
	if notify == nil || !p.cfg.StatusIndicator {
		return
	}
	if err := notify(ctx, domain.StatusNotification(level, description, done)); err != nil {
		p.logger.Error("failed to emit status", "error", err, "description", description)
	}
	pace(ctx, p.cfg.StreamDelay)
}

// emitChunk sends one streamed content chunk, paced like emit.
func (p *FlowisePipe) emitChunk(ctx context.Context, notify domain.Notifier, content string) {
	if p.cfg.Debug {
		p.logger.Debug("flowise chunk", "content", content)
	}
	if notify == nil || !p.cfg.StatusIndicator {
		return
	}
	if err := notify(ctx, domain.ChunkNotification(content)); err != nil {
		p.logger.Error("failed to emit chunk", "error", err)
	}
	pace(ctx, p.cfg.StreamDelay)
}

// fail reports a terminal error: it emits an error status, appends the
// failure to the transcript so the conversation records it, and
// returns the error for the caller.
func (p *FlowisePipe) fail(ctx context.Context, body *domain.ChatBody, notify domain.Notifier, err error) (string, error) {
	p.emit(ctx, notify, domain.LevelError, fmt.Sprintf("Flowise Pipe Failed: %v", err), true)
	if body != nil {
		body.AppendAssistant(fmt.Sprintf("Error calling Flowise workflow: %v", err))
	}
	return "", err
}

// Run implements domain.Pipe.
func (p *FlowisePipe) Run(ctx context.Context, body *domain.ChatBody, notify domain.Notifier) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "pipe.flowise")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("pipe.id", p.ID()))

	p.emit(ctx, notify, domain.LevelInfo, "Flowise Pipe: Starting execution...", false)

	if body == nil || len(body.Messages) == 0 {
		err := fmt.Errorf("%w: no messages found in the request body", domain.ErrInvalidInput)
		tracer.RecordError(span, err)
		return p.fail(ctx, body, notify, err)
	}

	question := body.LastContent()
	p.emit(ctx, notify, domain.LevelInfo,
		fmt.Sprintf("User message: '%s' (truncated)", truncate(question, 50)), false)

	headers := map[string]string{}
	if p.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + p.cfg.APIKey
		p.emit(ctx, notify, domain.LevelInfo, "API Key configured for Flowise.", false)
	} else {
		p.emit(ctx, notify, domain.LevelInfo, "No API Key configured for Flowise.", false)
	}

	payload := map[string]any{"question": question}
	if p.cfg.Streaming {
		headers["Cache-Control"] = "no-cache"
		payload["streaming"] = true
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		err = fmt.Errorf("%w: marshal payload: %v", domain.ErrInvalidInput, err)
		tracer.RecordError(span, err)
		return p.fail(ctx, body, notify, err)
	}

	p.emit(ctx, notify, domain.LevelInfo,
		fmt.Sprintf("Sending POST request to %s...", p.cfg.URL), false)

	resp, err := doPost(ctx, p.client, p.cfg.URL, reqBody, headers)
	if err != nil {
		tracer.RecordError(span, err)
		return p.fail(ctx, body, notify, err)
	}

	p.emit(ctx, notify, domain.LevelInfo,
		fmt.Sprintf("Request complete. HTTP Status: %d.", resp.StatusCode), false)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := readBody(resp)
		err := statusError(resp.StatusCode, respBody)
		tracer.RecordError(span, err)
		return p.fail(ctx, body, notify, err)
	}
	p.emit(ctx, notify, domain.LevelInfo, "HTTP Status OK (2xx).", false)

	var content string
	var streamErr error

	if p.cfg.Streaming {
		content, streamErr = p.consumeStream(ctx, resp, notify)
	} else {
		content, streamErr = p.consumeBody(ctx, resp, notify)
	}

	span.SetAttributes(tracer.IntAttr("pipe.content_bytes", len(content)))

	// Partial content from a broken stream still counts as an answer;
	// the error status has already been emitted.
	if content != "" {
		body.AppendAssistant(content)
		tracer.SetOK(span)
		return content, nil
	}

	if streamErr == nil {
		streamErr = fmt.Errorf("%w: no content received and no specific error reported", domain.ErrEmptyResult)
	}
	tracer.RecordError(span, streamErr)
	return p.fail(ctx, body, notify, streamErr)
}

// consumeStream handles a streaming-mode response. Flowise does not
// always honor the streaming flag, so a non-SSE content type falls
// back to whole-body extraction.
func (p *FlowisePipe) consumeStream(ctx context.Context, resp *http.Response, notify domain.Notifier) (string, error) {
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/event-stream") {
		if p.cfg.Debug {
			p.logger.Debug("expected streaming but got content type", "content_type", contentType)
		}
		respBody, err := readBody(resp)
		if err != nil {
			p.emit(ctx, notify, domain.LevelError, fmt.Sprintf("SSE streaming failed: %v", err), true)
			return "", err
		}
		content := extractAnswer(respBody, "text", "answer", "response")
		p.emit(ctx, notify, domain.LevelInfo, "Received non-streaming response (fallback).", true)
		return content, nil
	}

	p.emit(ctx, notify, domain.LevelInfo, "Processing streaming response (manual SSE parsing)...", false)

	defer resp.Body.Close()
	content, events, err := consumeEventStream(ctx, resp.Body, p.logger, func(token string) error {
		p.emitChunk(ctx, notify, token)
		return nil
	})
	if err != nil {
		p.emit(ctx, notify, domain.LevelError, fmt.Sprintf("SSE streaming failed: %v", err), true)
		return content, err
	}

	p.emit(ctx, notify, domain.LevelInfo,
		fmt.Sprintf("Streaming complete. Processed %d data events.", events), true)
	return content, nil
}

// consumeBody handles a non-streaming response.
func (p *FlowisePipe) consumeBody(ctx context.Context, resp *http.Response, notify domain.Notifier) (string, error) {
	p.emit(ctx, notify, domain.LevelInfo, "Processing as NON-STREAMING response (streaming disabled).", false)

	respBody, err := readBody(resp)
	if err != nil {
		p.emit(ctx, notify, domain.LevelError, fmt.Sprintf("Error reading response: %v", err), true)
		return "", err
	}

	var probe map[string]json.RawMessage
	if jsonErr := json.Unmarshal(respBody, &probe); jsonErr != nil {
		// Not a JSON object; the raw body is the answer.
		p.emit(ctx, notify, domain.LevelInfo, "Received raw text response (JSON decode failed).", true)
		return string(respBody), nil
	}

	content := extractAnswer(respBody, "text", "answer", "response", "output")
	p.emit(ctx, notify, domain.LevelInfo, "Flowise response received (non-streaming).", true)
	return content, nil
}

// extractAnswer pulls the answer text out of a Flowise JSON response,
// trying the given keys in order. Non-string values are passed through
// as raw JSON. When nothing matches, the whole body is returned so the
// caller still has something to show.
func extractAnswer(body []byte, keys ...string) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return string(body)
	}
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s != "" {
				return s
			}
			continue
		}
		return string(raw)
	}
	return string(body)
}

var _ domain.Pipe = (*FlowisePipe)(nil)
