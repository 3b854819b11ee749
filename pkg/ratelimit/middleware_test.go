package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

type erroringLimiter struct{}

func (erroringLimiter) Check(context.Context, string, string, int, int) (Decision, error) {
	return Decision{}, errors.New("redis down")
}

type scopeRecorder struct {
	Limiter
	scopes []string
	keys   []string
}

func (s *scopeRecorder) Check(ctx context.Context, scope, key string, limit, window int) (Decision, error) {
	s.scopes = append(s.scopes, scope)
	s.keys = append(s.keys, key)
	return s.Limiter.Check(ctx, scope, key, limit, window)
}

func newLimitedRouter(limiter Limiter, rule Rule) http.Handler {
	r := chi.NewRouter()
	r.With(Middleware(MiddlewareConfig{
		Limiter: limiter,
		Rule:    rule,
		KeyFunc: func(r *http.Request) string { return r.Header.Get("X-User") },
	})).Post("/channels/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	return r
}

func send(h http.Handler, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/channels/c1/messages", nil)
	if user != "" {
		req.Header.Set("X-User", user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_RejectsOverBudget(t *testing.T) {
	limiter, _ := newTestMemoryLimiter()
	router := newLimitedRouter(limiter, Rule{Limit: 2, WindowSeconds: 60})

	for i := 0; i < 2; i++ {
		if rec := send(router, "u1"); rec.Code != http.StatusCreated {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}
	rec := send(router, "u1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Limit") != "2" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("rate limit headers = %v", rec.Header())
	}
}

func TestMiddleware_UsesRoutePatternScope(t *testing.T) {
	mem, _ := newTestMemoryLimiter()
	rec := &scopeRecorder{Limiter: mem}
	router := newLimitedRouter(rec, Rule{Limit: 5, WindowSeconds: 60})

	send(router, "u1")
	if len(rec.scopes) != 1 || rec.scopes[0] != "POST /channels/{id}/messages" || rec.keys[0] != "u1" {
		t.Fatalf("scopes=%v keys=%v", rec.scopes, rec.keys)
	}
}

func TestMiddleware_FailsOpen(t *testing.T) {
	router := newLimitedRouter(erroringLimiter{}, Rule{Limit: 1, WindowSeconds: 1})
	for i := 0; i < 3; i++ {
		if rec := send(router, "u1"); rec.Code != http.StatusCreated {
			t.Fatalf("status = %d, want pass-through", rec.Code)
		}
	}
}

func TestMiddleware_EmptyKeySkips(t *testing.T) {
	limiter, _ := newTestMemoryLimiter()
	router := newLimitedRouter(limiter, Rule{Limit: 1, WindowSeconds: 60})
	for i := 0; i < 3; i++ {
		if rec := send(router, ""); rec.Code != http.StatusCreated {
			t.Fatalf("status = %d", rec.Code)
		}
	}
}

func TestExtractIPFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "forwarded chain", headers: map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"}, remote: "1.1.1.1:80", want: "10.0.0.1"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": " 10.0.0.9 "}, remote: "1.1.1.1:80", want: "10.0.0.9"},
		{name: "remote addr", remote: "192.168.1.4:5555", want: "192.168.1.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ExtractIPFromRequest(req); got != tt.want {
				t.Fatalf("ExtractIPFromRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}
