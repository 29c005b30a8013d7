package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"pipebridge/internal/adapter/pipe"
	"pipebridge/internal/domain"
	"pipebridge/internal/infra/config"
)

// --- test doubles ---

type testBus struct {
	mu       sync.Mutex
	handlers []domain.EventHandler
	events   []domain.Event
}

func (b *testBus) Publish(ctx context.Context, event domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, event)
	hs := make([]domain.EventHandler, len(b.handlers))
	copy(hs, b.handlers)
	b.mu.Unlock()
	for _, h := range hs {
		h(ctx, event)
	}
}

func (b *testBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }

func (b *testBus) SubscribeAll(handler domain.EventHandler) func() {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers = nil
	}
}

func (b *testBus) Close() {}

func (b *testBus) eventTypes() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.EventType
	for _, e := range b.events {
		out = append(out, e.Type)
	}
	return out
}

// fixedPipe emits one chunk then returns canned output.
type fixedPipe struct {
	id      string
	content string
	err     error
	gotBody *domain.ChatBody
}

func (p *fixedPipe) ID() string { return p.id }

func (p *fixedPipe) Run(ctx context.Context, body *domain.ChatBody, notify domain.Notifier) (string, error) {
	p.gotBody = body
	if notify != nil {
		notify(ctx, domain.ChunkNotification(p.content))
	}
	return p.content, p.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAuth() Authenticator {
	return NewStaticTokenAuth([]config.TokenConfig{
		{Token: "test-token", Name: "tester", Roles: []string{"admin"}},
	})
}

func newTestRegistry(pipes ...domain.Pipe) *pipe.Registry {
	r := pipe.NewRegistry()
	for _, p := range pipes {
		r.Register(p)
	}
	return r
}

func startTestServer(t *testing.T, bus domain.EventBus, deps HandlerDeps) *Server {
	t.Helper()
	srv := NewServer(bus, newTestAuth(), "127.0.0.1:0", testLogger())
	RegisterHandlers(srv, deps)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	started := make(chan struct{})
	go func() {
		go func() {
			for srv.BoundAddr() == "" {
				time.Sleep(5 * time.Millisecond)
			}
			close(started)
		}()
		_ = srv.Start(ctx)
	}()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not start in time")
	}

	t.Cleanup(func() { srv.Stop(context.Background()) })
	return srv
}

func dialWS(t *testing.T, addr, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

// call performs one RPC and collects event frames until the matching
// response arrives.
func call(t *testing.T, ws *websocket.Conn, id uint64, method string, payload any) (Frame, []Frame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := wsjson.Write(ctx, ws, Frame{Type: FrameTypeRequest, ID: id, Method: method, Payload: data}); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var events []Frame
	for {
		var frame Frame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		switch frame.Type {
		case FrameTypeEvent:
			events = append(events, frame)
		case FrameTypeResponse:
			if frame.ID == id {
				return frame, events
			}
		}
	}
}

// --- tests ---

func TestGatewayAuthRejected(t *testing.T) {
	bus := &testBus{}
	srv := startTestServer(t, bus, HandlerDeps{Pipes: newTestRegistry(), Bus: bus, Logger: testLogger()})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws?token=wrong", nil)
	if err == nil {
		t.Fatal("dial with bad token should fail")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestGatewayPipeList(t *testing.T) {
	bus := &testBus{}
	reg := newTestRegistry(&fixedPipe{id: "flowise"}, &fixedPipe{id: "n8n"})
	srv := startTestServer(t, bus, HandlerDeps{Pipes: reg, Bus: bus, Logger: testLogger()})

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	resp, _ := call(t, ws, 1, "pipe.list", struct{}{})

	if resp.Error != "" {
		t.Fatalf("error = %q", resp.Error)
	}
	var result pipeListResponse
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(result.Pipes) != 2 || result.Pipes[0] != "flowise" || result.Pipes[1] != "n8n" {
		t.Errorf("pipes = %v", result.Pipes)
	}
}

func TestGatewayPipeRun(t *testing.T) {
	bus := &testBus{}
	fixed := &fixedPipe{id: "n8n", content: "answer"}
	srv := startTestServer(t, bus, HandlerDeps{Pipes: newTestRegistry(fixed), Bus: bus, Logger: testLogger()})

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	resp, events := call(t, ws, 7, "pipe.run", runRequest{
		Pipe:      "n8n",
		SessionID: "sess-9",
		Messages:  []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})

	if resp.Error != "" {
		t.Fatalf("error = %q (code %s)", resp.Error, resp.Code)
	}
	var result runResponse
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.SessionID != "sess-9" || result.Content != "answer" {
		t.Errorf("result = %+v", result)
	}

	if fixed.gotBody == nil || fixed.gotBody.SessionID != "sess-9" {
		t.Errorf("pipe body = %+v", fixed.gotBody)
	}

	// started, chunk, completed must all reach the client as events.
	seen := map[domain.EventType]bool{}
	for _, f := range events {
		var e domain.Event
		if err := json.Unmarshal(f.Payload, &e); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		seen[e.Type] = true
		if e.SessionID != "sess-9" {
			t.Errorf("event session = %q", e.SessionID)
		}
	}
	for _, want := range []domain.EventType{domain.EventPipeStarted, domain.EventPipeChunk, domain.EventPipeCompleted} {
		if !seen[want] {
			t.Errorf("missing event %s (saw %v)", want, seen)
		}
	}
}

func TestGatewayPipeRunGeneratesSession(t *testing.T) {
	bus := &testBus{}
	fixed := &fixedPipe{id: "n8n", content: "ok"}
	srv := startTestServer(t, bus, HandlerDeps{Pipes: newTestRegistry(fixed), Bus: bus, Logger: testLogger()})

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	resp, _ := call(t, ws, 1, "pipe.run", runRequest{
		Pipe:     "n8n",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})

	var result runResponse
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(result.SessionID) != 26 {
		t.Errorf("session_id = %q, want generated ULID", result.SessionID)
	}
}

func TestGatewayPipeRunFailure(t *testing.T) {
	bus := &testBus{}
	fixed := &fixedPipe{id: "n8n", err: domain.ErrTransport}
	srv := startTestServer(t, bus, HandlerDeps{Pipes: newTestRegistry(fixed), Bus: bus, Logger: testLogger()})

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	resp, _ := call(t, ws, 2, "pipe.run", runRequest{
		Pipe:     "n8n",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})

	if resp.Error == "" {
		t.Fatal("expected an error response")
	}
	if resp.Code != string(domain.CodeTransport) {
		t.Errorf("code = %q, want %q", resp.Code, domain.CodeTransport)
	}

	var sawFailed bool
	for _, typ := range bus.eventTypes() {
		if typ == domain.EventPipeFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Error("expected a pipe.failed event on the bus")
	}
}

func TestGatewayUnknownPipe(t *testing.T) {
	bus := &testBus{}
	srv := startTestServer(t, bus, HandlerDeps{Pipes: newTestRegistry(), Bus: bus, Logger: testLogger()})

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	resp, _ := call(t, ws, 3, "pipe.run", runRequest{
		Pipe:     "ghost",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})

	if resp.Code != string(domain.CodePipeNotFound) {
		t.Errorf("code = %q, want %q (error %q)", resp.Code, domain.CodePipeNotFound, resp.Error)
	}
}

func TestGatewayUnknownMethod(t *testing.T) {
	bus := &testBus{}
	srv := startTestServer(t, bus, HandlerDeps{Pipes: newTestRegistry(), Bus: bus, Logger: testLogger()})

	ws := dialWS(t, srv.BoundAddr(), "test-token")
	resp, _ := call(t, ws, 4, "pipe.teleport", struct{}{})

	if resp.Code != string(domain.CodeRPCMethod) {
		t.Errorf("code = %q, want %q", resp.Code, domain.CodeRPCMethod)
	}
}

func TestGatewayHealthz(t *testing.T) {
	bus := &testBus{}
	reg := newTestRegistry(&fixedPipe{id: "flowise"})
	srv := startTestServer(t, bus, HandlerDeps{Pipes: reg, Bus: bus, Logger: testLogger()})

	resp, err := http.Get("http://" + srv.BoundAddr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	var body struct {
		Status string   `json:"status"`
		Pipes  []string `json:"pipes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || len(body.Pipes) != 1 {
		t.Errorf("body = %+v", body)
	}
}

func TestStaticTokenAuth(t *testing.T) {
	auth := NewStaticTokenAuth([]config.TokenConfig{
		{Token: "abc", Name: "ui", Roles: []string{"viewer"}},
	})

	info, err := auth.Authenticate("abc")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if info.Name != "ui" {
		t.Errorf("name = %q", info.Name)
	}

	if _, err := auth.Authenticate("nope"); !errors.Is(err, domain.ErrAuthInvalid) {
		t.Errorf("err = %v, want ErrAuthInvalid", err)
	}
	if _, err := auth.Authenticate(""); !errors.Is(err, domain.ErrAuthInvalid) {
		t.Errorf("empty token: err = %v, want ErrAuthInvalid", err)
	}
}
