package recovery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nimburion/chatsync/pkg/controller"
	"github.com/nimburion/chatsync/pkg/middleware/requestid"
	"github.com/nimburion/chatsync/pkg/testutil"
)

func TestRecovery_CatchesPanic(t *testing.T) {
	log := testutil.NewMockLogger()
	h := requestid.RequestID(Recovery(log)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	req.Header.Set(requestid.RequestIDHeader, "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body controller.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Code != controller.CodeInternal || body.Error.RequestID != "req-1" {
		t.Fatalf("body = %+v", body)
	}

	entry, ok := log.Find("panic recovered")
	if !ok {
		t.Fatal("panic was not logged")
	}
	if entry.Level != "error" || entry.Fields["panic"] != "boom" || entry.Fields["request_id"] != "req-1" {
		t.Fatalf("log entry = %+v", entry)
	}
	if stack, _ := entry.Fields["stack"].(string); stack == "" {
		t.Fatal("expected stack trace")
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	h := Recovery(testutil.NewMockLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRecovery_RepanicsAbortHandler(t *testing.T) {
	h := Recovery(testutil.NewMockLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer func() {
		if recover() != http.ErrAbortHandler {
			t.Fatal("expected ErrAbortHandler to propagate")
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
