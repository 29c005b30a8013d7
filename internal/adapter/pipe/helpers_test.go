package pipe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"pipebridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder captures notifications in order.
type recorder struct {
	mu            sync.Mutex
	notifications []domain.Notification
	err           error
}

func (r *recorder) notify(_ context.Context, n domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
	return r.err
}

func (r *recorder) all() []domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Notification(nil), r.notifications...)
}

func (r *recorder) chunks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.notifications {
		if n.Kind == domain.NotificationChunk {
			out = append(out, n.Content)
		}
	}
	return out
}

func (r *recorder) last() domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notifications) == 0 {
		return domain.Notification{}
	}
	return r.notifications[len(r.notifications)-1]
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{400, domain.ErrClientStatus},
		{404, domain.ErrClientStatus},
		{499, domain.ErrClientStatus},
		{301, domain.ErrUnexpectedStatus},
		{500, domain.ErrUnexpectedStatus},
		{503, domain.ErrUnexpectedStatus},
	}
	for _, tt := range tests {
		err := statusError(tt.code, []byte("body"))
		if !errors.Is(err, tt.want) {
			t.Errorf("statusError(%d) = %v, want %v", tt.code, err, tt.want)
		}
	}
}

func TestSnippetTruncates(t *testing.T) {
	if got := snippet([]byte("short"), 200); got != "short" {
		t.Errorf("snippet = %q", got)
	}
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	got := snippet(long, 200)
	if len(got) != 203 || got[200:] != "..." {
		t.Errorf("snippet length = %d, suffix = %q", len(got), got[200:])
	}
}

func TestPaceCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	pace(ctx, 5*time.Second)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("pace blocked %v after cancel", elapsed)
	}
}
