package pipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"pipebridge/internal/domain"
	"pipebridge/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerPipe wraps a Pipe with circuit breaker protection.
// When the upstream workflow engine fails repeatedly, the circuit
// opens and subsequent runs fail fast without reaching the engine.
// Caller mistakes (invalid input) do not count as failures.
type CircuitBreakerPipe struct {
	inner   domain.Pipe
	breaker *gobreaker.CircuitBreaker[string]
	logger  *slog.Logger
}

// NewCircuitBreakerPipe wraps inner with a circuit breaker. Zero
// values in cfg fall back to defaults.
func NewCircuitBreakerPipe(inner domain.Pipe, cfg config.BreakerConfig, logger *slog.Logger) *CircuitBreakerPipe {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "pipe:" + inner.ID(),
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrInvalidInput)
		},
	})

	return &CircuitBreakerPipe{inner: inner, breaker: cb, logger: logger}
}

// ID implements domain.Pipe.
func (p *CircuitBreakerPipe) ID() string { return p.inner.ID() }

// Run implements domain.Pipe. Calls are routed through the breaker.
func (p *CircuitBreakerPipe) Run(ctx context.Context, body *domain.ChatBody, notify domain.Notifier) (string, error) {
	content, err := p.breaker.Execute(func() (string, error) {
		return p.inner.Run(ctx, body, notify)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return "", fmt.Errorf("%w: pipe %q: %v", domain.ErrCircuitOpen, p.inner.ID(), err)
		}
		return "", err
	}
	return content, nil
}

// State returns the current breaker state for monitoring.
func (p *CircuitBreakerPipe) State() gobreaker.State {
	return p.breaker.State()
}

var _ domain.Pipe = (*CircuitBreakerPipe)(nil)
