package pipe

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestConsumeEventStreamTokens(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"event":"start","data":{"chatId":"x"}}`,
		``,
		`data: {"event":"token","data":"Hello"}`,
		``,
		`data: {"event":"token","data":", world"}`,
		``,
		`data: {"event":"end","data":""}`,
		``,
	}, "\n")

	var tokens []string
	content, events, err := consumeEventStream(context.Background(), strings.NewReader(stream), testLogger(), func(tok string) error {
		tokens = append(tokens, tok)
		return nil
	})
	if err != nil {
		t.Fatalf("consumeEventStream: %v", err)
	}
	if content != "Hello, world" {
		t.Errorf("content = %q", content)
	}
	if events != 3 {
		t.Errorf("events = %d, want 3 (start + two tokens; end not counted)", events)
	}
	if len(tokens) != 2 || tokens[0] != "Hello" || tokens[1] != ", world" {
		t.Errorf("tokens = %v", tokens)
	}
}

func TestConsumeEventStreamSkipsGarbage(t *testing.T) {
	stream := strings.Join([]string{
		`: comment line`,
		`event: message`,
		`data: not json at all`,
		`data: {"event":"token","data":"ok"}`,
	}, "\n")

	content, events, err := consumeEventStream(context.Background(), strings.NewReader(stream), testLogger(), nil)
	if err != nil {
		t.Fatalf("consumeEventStream: %v", err)
	}
	if content != "ok" {
		t.Errorf("content = %q", content)
	}
	if events != 1 {
		t.Errorf("events = %d, want 1", events)
	}
}

func TestConsumeEventStreamNonStringToken(t *testing.T) {
	stream := `data: {"event":"token","data":{"nested":true}}` + "\n" +
		`data: {"event":"token","data":"real"}` + "\n"

	content, events, err := consumeEventStream(context.Background(), strings.NewReader(stream), testLogger(), nil)
	if err != nil {
		t.Fatalf("consumeEventStream: %v", err)
	}
	if content != "real" {
		t.Errorf("content = %q", content)
	}
	if events != 2 {
		t.Errorf("events = %d, want 2", events)
	}
}

func TestConsumeEventStreamEndStopsEarly(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"event":"token","data":"before"}`,
		`data: {"event":"end","data":""}`,
		`data: {"event":"token","data":"after"}`,
	}, "\n")

	content, _, err := consumeEventStream(context.Background(), strings.NewReader(stream), testLogger(), nil)
	if err != nil {
		t.Fatalf("consumeEventStream: %v", err)
	}
	if content != "before" {
		t.Errorf("content = %q, tokens after end must be ignored", content)
	}
}

func TestConsumeEventStreamTokenCallbackError(t *testing.T) {
	stream := `data: {"event":"token","data":"partial"}` + "\n" +
		`data: {"event":"token","data":" more"}` + "\n"

	boom := errors.New("emitter broken")
	content, _, err := consumeEventStream(context.Background(), strings.NewReader(stream), testLogger(), func(string) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want emitter error", err)
	}
	if content != "partial" {
		t.Errorf("content = %q, want partial content preserved", content)
	}
}

func TestConsumeEventStreamCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stream := `data: {"event":"token","data":"x"}` + "\n"
	_, _, err := consumeEventStream(ctx, strings.NewReader(stream), testLogger(), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
