package sse

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type streamRecorder struct {
	header http.Header
	mu     sync.Mutex
	status int
	body   strings.Builder
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: make(http.Header)}
}

func (w *streamRecorder) Header() http.Header { return w.header }

func (w *streamRecorder) WriteHeader(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == 0 {
		w.status = code
	}
}

func (w *streamRecorder) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(b)
}

func (w *streamRecorder) Flush() {}

func (w *streamRecorder) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.body.String()
}

func staticRecipient(id string) RecipientFunc {
	return func(*http.Request) (string, error) { return id, nil }
}

func waitForBody(t *testing.T, w *streamRecorder, substr string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !strings.Contains(w.String(), substr) {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %q, body=%q", substr, w.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandler_StreamsReadyUpdatesAndHeartbeat(t *testing.T) {
	reg := NewRegistry(Config{HeartbeatInterval: 20 * time.Millisecond}, nil, nil, nil)
	defer reg.Close()
	handler, err := NewHandler(HandlerConfig{Registry: reg, Recipient: staticRecipient("u1")})
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/updates/stream", nil).WithContext(ctx)
	w := newStreamRecorder()

	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(w, req)
		close(done)
	}()

	waitForBody(t, w, "event: ready\ndata: {}\n\n")
	reg.Deliver(event("u1", 9))
	waitForBody(t, w, "id: 9\nevent: update\ndata: {")
	waitForBody(t, w, ": heartbeat\n\n")

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if !strings.HasPrefix(w.String(), "event: ready") {
		t.Fatalf("ready must be the first frame: %q", w.String())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not stop after cancel")
	}
	if reg.Total() != 0 {
		t.Fatalf("connection not released after disconnect: %d", reg.Total())
	}
}

func TestHandler_RejectsUnauthenticated(t *testing.T) {
	reg := NewRegistry(Config{}, nil, nil, nil)
	handler, _ := NewHandler(HandlerConfig{
		Registry:  reg,
		Recipient: func(*http.Request) (string, error) { return "", errors.New("no token") },
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/updates/stream", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandler_TooManyConnections(t *testing.T) {
	reg := NewRegistry(Config{MaxConnections: 1}, nil, nil, nil)
	defer reg.Close()
	_, _ = reg.Subscribe(context.Background(), SubscribeRequest{RecipientID: "other"})

	handler, _ := NewHandler(HandlerConfig{Registry: reg, Recipient: staticRecipient("u1")})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/updates/stream", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "TOO_MANY_CONNECTIONS") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestFrame_WriteTo(t *testing.T) {
	var b strings.Builder
	if _, err := updateFrame(event("u1", 3)).WriteTo(&b); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	out := b.String()
	if !strings.HasPrefix(out, "id: 3\nevent: update\ndata: {") || !strings.HasSuffix(out, "}\n\n") {
		t.Fatalf("unexpected frame %q", out)
	}
	if strings.Count(out, "\n") != 4 {
		t.Fatalf("payload must be a single data line: %q", out)
	}
	if _, err := (Frame{Type: "bogus"}).WriteTo(&b); err == nil {
		t.Fatal("expected error for unknown frame type")
	}
}
