package pipe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"pipebridge/internal/domain"
)

// maxResponseBody is the maximum response body size we read from
// upstream workflow engines.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// newHTTPClient creates an *http.Client with pooled transport for a
// workflow endpoint. requestTimeout bounds the whole call, connection
// and read time included.
func newHTTPClient(requestTimeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     120 * time.Second,
			ForceAttemptHTTP2:   true,
		},
		// Workflow webhooks answer directly; a redirect means a
		// misconfigured endpoint, not something to follow.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// doPost performs a JSON POST and returns the open *http.Response.
// The caller must close the body. Transport-level failures are
// classified as domain.ErrTransport; the HTTP status is not checked.
func doPost(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", domain.ErrTransport, err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	return resp, nil
}

// statusError maps a non-2xx HTTP status to a domain error. 4xx means
// the request itself is bad and retrying will not help; everything
// else is an unexpected upstream condition.
func statusError(statusCode int, body []byte) error {
	detail := fmt.Sprintf("status %d: %s", statusCode, snippet(body, 200))
	if statusCode >= 400 && statusCode < 500 {
		return fmt.Errorf("%w: %s", domain.ErrClientStatus, detail)
	}
	return fmt.Errorf("%w: %s", domain.ErrUnexpectedStatus, detail)
}

// snippet truncates b to at most n bytes for inclusion in error
// messages and status descriptions.
func snippet(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// truncate shortens s to at most n bytes with an ellipsis marker.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// pace sleeps for d unless ctx is cancelled first. A zero or negative
// d returns immediately.
func pace(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// readBody drains resp.Body up to maxResponseBody and closes it.
func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrTransport, err)
	}
	return data, nil
}
