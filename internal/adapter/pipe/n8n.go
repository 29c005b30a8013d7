package pipe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"pipebridge/internal/domain"
	"pipebridge/internal/infra/config"
	"pipebridge/internal/infra/tracer"
)

// defaultSessionID is used when the caller did not supply a session.
const defaultSessionID = "unknown_session"

// N8NPipe forwards a chat turn to an n8n webhook and extracts the
// answer from the workflow's JSON response. Status updates to the UI
// are throttled to at most one per EmitInterval, except terminal
// updates which always go through.
type N8NPipe struct {
	cfg     config.N8NConfig
	client  *http.Client
	logger  *slog.Logger
	limiter *rate.Limiter
}

// NewN8NPipe creates an n8n pipe from its valve settings.
func NewN8NPipe(cfg config.N8NConfig, logger *slog.Logger) *N8NPipe {
	return &N8NPipe{
		cfg:     cfg,
		client:  newHTTPClient(cfg.RequestTimeout),
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(cfg.EmitInterval), 1),
	}
}

// ID implements domain.Pipe.
func (p *N8NPipe) ID() string { return "n8n" }

// emit sends a status notification, dropping in-progress updates that
// arrive faster than the configured interval. Terminal (done) updates
// bypass the throttle and do not consume its budget.
func (p *N8NPipe) emit(ctx context.Context, notify domain.Notifier, level, description string, done bool) {
	if notify == nil || !p.cfg.StatusIndicator {
		return
	}
	if !done && !p.limiter.Allow() {
		return
	}
	if err := notify(ctx, domain.StatusNotification(level, description, done)); err != nil {
		p.logger.Error("failed to emit status", "error", err, "description", description)
	}
}

// Run implements domain.Pipe.
func (p *N8NPipe) Run(ctx context.Context, body *domain.ChatBody, notify domain.Notifier) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "pipe.n8n")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("pipe.id", p.ID()))

	if body == nil || len(body.Messages) == 0 {
		err := fmt.Errorf("%w: no messages found in the request body", domain.ErrInvalidInput)
		tracer.RecordError(span, err)
		p.emit(ctx, notify, domain.LevelError, err.Error(), true)
		if body != nil {
			body.AppendAssistant(err.Error())
		}
		return "", err
	}

	question := body.LastContent()
	p.emit(ctx, notify, domain.LevelInfo, "Calling n8n workflow...", false)

	sessionID := body.SessionID
	if sessionID == "" {
		sessionID = defaultSessionID
	}
	span.SetAttributes(tracer.StringAttr("pipe.session_id", sessionID))

	payload := map[string]any{
		"sessionId":      sessionID,
		p.cfg.InputField: question,
	}
	if systemPrompt := body.SystemPrompt(); systemPrompt != "" {
		payload["systemPrompt"] = systemPrompt
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		err = fmt.Errorf("%w: marshal payload: %v", domain.ErrInvalidInput, err)
		tracer.RecordError(span, err)
		return p.fail(ctx, body, notify, err)
	}

	headers := map[string]string{
		"Authorization": "Bearer " + p.cfg.BearerToken,
	}

	p.emit(ctx, notify, domain.LevelInfo, "Sending request to n8n...", false)

	content, callErr := p.call(ctx, notify, reqBody, headers)
	if callErr == nil {
		body.AppendAssistant(content)
		p.emit(ctx, notify, domain.LevelInfo, "n8n workflow completed successfully.", true)
		tracer.SetOK(span)
		return content, nil
	}

	tracer.RecordError(span, callErr)
	return p.fail(ctx, body, notify, callErr)
}

// call performs the webhook POST and classifies the outcome. Each
// failure mode emits its own status update before returning: transport
// failures surface as a non-terminal warning (the terminal error
// status follows from the caller), everything else as a terminal
// error.
func (p *N8NPipe) call(ctx context.Context, notify domain.Notifier, reqBody []byte, headers map[string]string) (string, error) {
	resp, err := doPost(ctx, p.client, p.cfg.URL, reqBody, headers)
	if err != nil {
		err = fmt.Errorf("request to n8n failed: %w", err)
		p.emit(ctx, notify, domain.LevelWarning, err.Error(), false)
		return "", err
	}

	respBody, err := readBody(resp)
	if err != nil {
		err = fmt.Errorf("request to n8n failed: %w", err)
		p.emit(ctx, notify, domain.LevelWarning, err.Error(), false)
		return "", err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := statusError(resp.StatusCode, respBody)
		p.emit(ctx, notify, domain.LevelError, err.Error(), true)
		return "", err
	}

	content, err := p.extractResponse(resp.StatusCode, respBody)
	if err != nil {
		p.emit(ctx, notify, domain.LevelError, err.Error(), true)
		return "", err
	}
	return content, nil
}

// extractResponse pulls the configured response field out of a 2xx
// webhook response. A list response is unwrapped to its first element.
func (p *N8NPipe) extractResponse(statusCode int, respBody []byte) (string, error) {
	var parsed any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf(
			"%w: n8n responded successfully (status %d) but the response body is not valid JSON, response snippet: %s",
			domain.ErrParse, statusCode, snippet(respBody, 200),
		)
	}

	if list, ok := parsed.([]any); ok {
		if len(list) == 0 {
			return "", fmt.Errorf("%w: received an empty list from n8n response", domain.ErrEmptyResult)
		}
		parsed = list[0]
	}

	obj, ok := parsed.(map[string]any)
	if !ok {
		return "", fmt.Errorf(
			"%w: n8n responded successfully (status %d) but missing expected response field %q, available keys: N/A, response snippet: %s",
			domain.ErrMissingField, statusCode, p.cfg.ResponseField, snippet(respBody, 150),
		)
	}

	value, ok := obj[p.cfg.ResponseField]
	if !ok {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		return "", fmt.Errorf(
			"%w: n8n responded successfully (status %d) but missing expected response field %q, available keys: %v, response snippet: %s",
			domain.ErrMissingField, statusCode, p.cfg.ResponseField, keys, snippet(respBody, 150),
		)
	}

	if s, ok := value.(string); ok {
		return s, nil
	}
	// Non-string answers pass through as raw JSON.
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("%w: response field %q is not serializable", domain.ErrParse, p.cfg.ResponseField)
	}
	return string(raw), nil
}

// fail reports a terminal error: it emits a final error status,
// appends the failure to the transcript, and returns the error.
func (p *N8NPipe) fail(ctx context.Context, body *domain.ChatBody, notify domain.Notifier, err error) (string, error) {
	p.emit(ctx, notify, domain.LevelError, fmt.Sprintf("Final Error calling n8n: %v", err), true)
	body.AppendAssistant(fmt.Sprintf("Error calling N8N workflow: %v", err))
	return "", err
}

var _ domain.Pipe = (*N8NPipe)(nil)
