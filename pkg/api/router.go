// Package api mounts the chatsync HTTP surface on a chi router.
package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nimburion/chatsync/pkg/auth"
	"github.com/nimburion/chatsync/pkg/health"
	"github.com/nimburion/chatsync/pkg/idempotency"
	"github.com/nimburion/chatsync/pkg/middleware/logging"
	"github.com/nimburion/chatsync/pkg/middleware/recovery"
	"github.com/nimburion/chatsync/pkg/middleware/requestid"
	"github.com/nimburion/chatsync/pkg/middleware/requestsize"
	"github.com/nimburion/chatsync/pkg/middleware/tracing"
	"github.com/nimburion/chatsync/pkg/observability/logger"
	"github.com/nimburion/chatsync/pkg/observability/metrics"
	"github.com/nimburion/chatsync/pkg/ratelimit"
	"github.com/nimburion/chatsync/pkg/version"
)

// Route paths.
const (
	StreamPath  = "/v1/updates/stream"
	DiffPath    = "/v1/updates/diff"
	PublishPath = "/internal/v1/updates/publish"
	HealthPath  = "/health"
	MetricsPath = "/metrics"
	VersionPath = "/version"
)

// Limits are the per-route rate limiting budgets.
type Limits struct {
	Publish ratelimit.Rule
	Diff    ratelimit.Rule
	Stream  ratelimit.Rule
}

// RouterConfig wires the HTTP surface. Optional parts are skipped when nil:
// Limiter disables rate limiting and Guard disables idempotency. The publish
// endpoint is mounted only with PublishEnabled.
type RouterConfig struct {
	ServiceName string
	Logger      logger.Logger

	Updates *UpdatesHandler
	Stream  http.Handler

	// Authenticate protects the API routes; StreamAuthenticate protects the
	// stream and may accept a query token.
	Authenticate       func(http.Handler) http.Handler
	StreamAuthenticate func(http.Handler) http.Handler
	PublishScope       string

	Limiter ratelimit.Limiter
	Limits  Limits

	Guard             *idempotency.Guard
	MaxIdempotentBody int64
	MaxRequestSize    int64
	PublishEnabled    bool

	Metrics *metrics.Registry
	Health  *health.Registry
	Logging logging.Config
	Tracing tracing.Config
}

// NewRouter builds the router.
func NewRouter(cfg RouterConfig) (http.Handler, error) {
	if cfg.Updates == nil {
		return nil, errors.New("updates handler is required")
	}
	if cfg.Stream == nil {
		return nil, errors.New("stream handler is required")
	}
	if cfg.Authenticate == nil {
		return nil, errors.New("authenticator is required")
	}
	if cfg.StreamAuthenticate == nil {
		cfg.StreamAuthenticate = cfg.Authenticate
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}

	r := chi.NewRouter()
	r.Use(requestid.RequestID)
	r.Use(recovery.Recovery(log))
	r.Use(tracing.Tracing(cfg.Tracing))
	r.Use(logging.Logging(log, cfg.Logging))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}

	if cfg.Health != nil {
		r.Method(http.MethodGet, HealthPath, health.Handler(cfg.Health))
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, MetricsPath, cfg.Metrics.Handler())
	}
	r.Method(http.MethodGet, VersionPath, version.Handler(cfg.ServiceName))

	r.Group(func(r chi.Router) {
		r.Use(cfg.StreamAuthenticate)
		r.Use(rateLimit(cfg, cfg.Limits.Stream, log)...)
		r.Method(http.MethodGet, StreamPath, cfg.Stream)
	})

	r.Group(func(r chi.Router) {
		r.Use(cfg.Authenticate)
		r.Use(rateLimit(cfg, cfg.Limits.Diff, log)...)
		r.Get(DiffPath, cfg.Updates.DiffQuery)
		r.With(requestsize.Middleware(cfg.MaxRequestSize)).Post(DiffPath, cfg.Updates.DiffBody)
	})

	if cfg.PublishEnabled {
		r.Group(func(r chi.Router) {
			r.Use(cfg.Authenticate)
			if cfg.PublishScope != "" {
				r.Use(auth.RequireScope(cfg.PublishScope, log))
			}
			r.Use(rateLimit(cfg, cfg.Limits.Publish, log)...)
			r.Use(requestsize.Middleware(cfg.MaxRequestSize))
			if cfg.Guard != nil {
				r.Use(idempotency.Middleware(idempotency.MiddlewareConfig{
					Guard:        cfg.Guard,
					Subject:      subjectOf,
					MaxBodyBytes: cfg.MaxIdempotentBody,
					Logger:       log,
				}))
			}
			r.Post(PublishPath, cfg.Updates.Publish)
		})
	}

	return r, nil
}

func rateLimit(cfg RouterConfig, rule ratelimit.Rule, log logger.Logger) []func(http.Handler) http.Handler {
	if cfg.Limiter == nil || rule.Limit <= 0 || rule.WindowSeconds <= 0 {
		return nil
	}
	return []func(http.Handler) http.Handler{ratelimit.Middleware(ratelimit.MiddlewareConfig{
		Limiter: cfg.Limiter,
		Rule:    rule,
		KeyFunc: auth.SubjectFromRequest,
		Logger:  log,
	})}
}

func subjectOf(r *http.Request) (idempotency.Subject, bool) {
	id := auth.SubjectFromRequest(r)
	if id == "" {
		return idempotency.Subject{}, false
	}
	return idempotency.Subject{Type: "user", ID: id}, true
}
