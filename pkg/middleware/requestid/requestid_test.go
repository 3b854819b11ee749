package requestid

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func serve(t *testing.T, header string) (captured string, rec *httptest.ResponseRecorder) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if header != "" {
		req.Header.Set(RequestIDHeader, header)
	}
	rec = httptest.NewRecorder()
	RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetRequestID(r.Context())
	})).ServeHTTP(rec, req)
	return captured, rec
}

func TestRequestID_GeneratesUUID(t *testing.T) {
	captured, rec := serve(t, "")
	if _, err := uuid.Parse(captured); err != nil {
		t.Fatalf("expected UUID, got %q", captured)
	}
	if rec.Header().Get(RequestIDHeader) != captured {
		t.Fatalf("response header %q != context id %q", rec.Header().Get(RequestIDHeader), captured)
	}
}

func TestRequestID_PreservesExistingHeader(t *testing.T) {
	captured, rec := serve(t, "existing-request-id-123")
	if captured != "existing-request-id-123" || rec.Header().Get(RequestIDHeader) != captured {
		t.Fatalf("captured=%q header=%q", captured, rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_ReplacesOversizedHeader(t *testing.T) {
	captured, _ := serve(t, strings.Repeat("a", maxRequestIDLength+1))
	if _, err := uuid.Parse(captured); err != nil {
		t.Fatalf("oversized id should be replaced, got %q", captured)
	}
}
