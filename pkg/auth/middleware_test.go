package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func protected(t *testing.T, allowQuery bool) (http.Handler, *string) {
	t.Helper()
	var seen string
	h := Authenticate(MiddlewareConfig{Validator: newHMACValidator(t), AllowQueryToken: allowQuery})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = SubjectFromRequest(r)
			w.WriteHeader(http.StatusNoContent)
		}))
	return h, &seen
}

func TestAuthenticate(t *testing.T) {
	token := signHS256(t, validClaims())
	tests := []struct {
		name       string
		header     string
		query      string
		allowQuery bool
		wantStatus int
	}{
		{name: "bearer header", header: "Bearer " + token, wantStatus: http.StatusNoContent},
		{name: "lowercase scheme", header: "bearer " + token, wantStatus: http.StatusNoContent},
		{name: "missing", wantStatus: http.StatusUnauthorized},
		{name: "basic scheme", header: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "query token allowed", query: token, allowQuery: true, wantStatus: http.StatusNoContent},
		{name: "query token refused", query: token, wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, seen := protected(t, tt.allowQuery)
			target := "/v1/updates/stream"
			if tt.query != "" {
				target += "?" + AccessTokenQueryParam + "=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusNoContent && *seen != "user-1" {
				t.Fatalf("subject = %q", *seen)
			}
		})
	}
}

func TestRequireScope(t *testing.T) {
	token := signHS256(t, validClaims())
	chain := func(scope string) http.Handler {
		return Authenticate(MiddlewareConfig{Validator: newHMACValidator(t)})(
			RequireScope(scope, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})))
	}
	for scope, want := range map[string]int{"updates:publish": http.StatusOK, "admin": http.StatusForbidden} {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		chain(scope).ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("scope %s: status = %d, want %d", scope, rec.Code, want)
		}
	}
}

func TestTrustHeader(t *testing.T) {
	var seen string
	h := TrustHeader("X-Subject-Id", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromRequest(r)
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/updates/diff", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without header = %d", rec.Code)
	}

	req.Header.Set("X-Subject-Id", " user-9 ")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || seen != "user-9" {
		t.Fatalf("status = %d, subject = %q", rec.Code, seen)
	}
}
