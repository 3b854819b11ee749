// Package logging writes one structured log line per HTTP request.
package logging

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nimburion/chatsync/pkg/observability/logger"
)

// Mode defines logging verbosity for matching request paths.
type Mode string

const (
	// ModeOff disables request logging.
	ModeOff Mode = "off"
	// ModeMinimal logs method, route, status and duration.
	ModeMinimal Mode = "minimal"
	// ModeFull adds client details.
	ModeFull Mode = "full"
)

// PathPolicy applies a mode to a path prefix. The longest prefix wins.
type PathPolicy struct {
	Prefix string
	Mode   Mode
}

// Config configures request logging.
type Config struct {
	Mode         Mode
	PathPolicies []PathPolicy
}

// DefaultConfig logs everything except health and metrics probes.
func DefaultConfig() Config {
	return Config{
		Mode: ModeMinimal,
		PathPolicies: []PathPolicy{
			{Prefix: "/health", Mode: ModeOff},
			{Prefix: "/metrics", Mode: ModeOff},
		},
	}
}

func (c Config) modeForPath(path string) Mode {
	mode := c.Mode
	if mode == "" {
		mode = ModeMinimal
	}
	best := -1
	for _, p := range c.PathPolicies {
		if strings.HasPrefix(path, p.Prefix) && len(p.Prefix) > best {
			best = len(p.Prefix)
			mode = p.Mode
		}
	}
	return mode
}

// Logging logs completed requests. 5xx responses log at error level and
// 4xx at warn.
func Logging(log logger.Logger, cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mode := cfg.modeForPath(r.URL.Path)
			if mode == ModeOff {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			fields := []any{
				"method", r.Method,
				"route", routePattern(r),
				"status", rec.statusCode(),
				"duration_ms", time.Since(start).Milliseconds(),
				"bytes", rec.bytes,
			}
			if mode == ModeFull {
				fields = append(fields,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"user_agent", r.UserAgent(),
				)
			}

			entry := log.WithContext(r.Context())
			switch status := rec.statusCode(); {
			case status >= 500:
				entry.Error("request completed", fields...)
			case status >= 400:
				entry.Warn("request completed", fields...)
			default:
				entry.Info("request completed", fields...)
			}
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

func (s *statusRecorder) statusCode() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

// Flush keeps streaming responses working behind the recorder.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
