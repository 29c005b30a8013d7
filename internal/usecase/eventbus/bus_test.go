package eventbus

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"pipebridge/internal/domain"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := New(slog.Default())
	defer bus.Close()

	got := make(chan domain.Event, 1)
	bus.Subscribe(domain.EventPipeStatus, func(_ context.Context, e domain.Event) {
		got <- e
	})

	bus.Publish(context.Background(), domain.Event{
		Type:      domain.EventPipeStatus,
		Timestamp: time.Now(),
		SessionID: "s1",
	})

	select {
	case e := <-got:
		if e.SessionID != "s1" {
			t.Errorf("session = %q, want s1", e.SessionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestBusTypedFiltering(t *testing.T) {
	bus := New(slog.Default())
	defer bus.Close()

	var calls atomic.Int32
	bus.Subscribe(domain.EventPipeChunk, func(_ context.Context, _ domain.Event) {
		calls.Add(1)
	})

	bus.Publish(context.Background(), domain.Event{Type: domain.EventPipeStatus})
	bus.Close()

	if calls.Load() != 0 {
		t.Errorf("handler invoked %d times for non-matching type", calls.Load())
	}
}

func TestBusSubscribeAll(t *testing.T) {
	bus := New(slog.Default())

	var calls atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		calls.Add(1)
	})

	bus.Publish(context.Background(), domain.Event{Type: domain.EventPipeStatus})
	bus.Publish(context.Background(), domain.Event{Type: domain.EventPipeChunk})
	bus.Close()

	if calls.Load() != 2 {
		t.Errorf("all-subscriber invoked %d times, want 2", calls.Load())
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := New(slog.Default())

	var calls atomic.Int32
	unsub := bus.Subscribe(domain.EventPipeStatus, func(_ context.Context, _ domain.Event) {
		calls.Add(1)
	})
	unsub()

	bus.Publish(context.Background(), domain.Event{Type: domain.EventPipeStatus})
	bus.Close()

	if calls.Load() != 0 {
		t.Errorf("handler invoked %d times after unsubscribe", calls.Load())
	}
}

func TestBusPanicRecovery(t *testing.T) {
	bus := New(slog.Default())

	bus.Subscribe(domain.EventPipeStatus, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})

	got := make(chan struct{}, 1)
	bus.Subscribe(domain.EventPipeStatus, func(_ context.Context, _ domain.Event) {
		got <- struct{}{}
	})

	bus.Publish(context.Background(), domain.Event{Type: domain.EventPipeStatus})

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler not invoked after sibling panic")
	}
	bus.Close()
}

func TestBusPublishAfterClose(t *testing.T) {
	bus := New(slog.Default())

	var calls atomic.Int32
	bus.Subscribe(domain.EventPipeStatus, func(_ context.Context, _ domain.Event) {
		calls.Add(1)
	})

	bus.Close()
	bus.Publish(context.Background(), domain.Event{Type: domain.EventPipeStatus})
	bus.Close() // idempotent

	if calls.Load() != 0 {
		t.Errorf("handler invoked %d times after close", calls.Load())
	}
}
