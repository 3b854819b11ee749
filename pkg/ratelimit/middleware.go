package ratelimit

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nimburion/chatsync/pkg/controller"
	"github.com/nimburion/chatsync/pkg/observability/logger"
)

// Rule is the admission budget for one route.
type Rule struct {
	Limit         int
	WindowSeconds int
}

// KeyFunc extracts the rate limiting key from the request. An empty key
// skips the check.
type KeyFunc func(r *http.Request) string

// MiddlewareConfig configures Middleware.
type MiddlewareConfig struct {
	Limiter Limiter
	Rule    Rule
	// Scope defaults to the method plus the matched route pattern.
	Scope   string
	KeyFunc KeyFunc
	Logger  logger.Logger
}

// Middleware rejects requests over budget with 429 and Retry-After.
// Backend failures let the request through.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = ExtractIPFromRequest
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if cfg.Limiter == nil || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			scope := cfg.Scope
			if scope == "" {
				scope = routeScope(r)
			}

			decision, err := cfg.Limiter.Check(r.Context(), scope, key, cfg.Rule.Limit, cfg.Rule.WindowSeconds)
			if err != nil {
				log.WithContext(r.Context()).Warn("rate limit check failed, allowing request",
					"scope", scope, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Rule.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
				controller.Error(w, r, log, controller.NewError(http.StatusTooManyRequests,
					controller.CodeRateLimited, "rate limit exceeded", nil).
					WithDetails(map[string]any{"retryAfterSeconds": decision.RetryAfterSeconds}))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func routeScope(r *http.Request) string {
	pattern := r.URL.Path
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		pattern = rctx.RoutePattern()
	}
	return r.Method + " " + pattern
}

// ExtractIPFromRequest returns the client IP, preferring X-Forwarded-For
// and X-Real-IP over RemoteAddr.
func ExtractIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
