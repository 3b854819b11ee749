package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nimburion/chatsync/pkg/controller"
	"github.com/nimburion/chatsync/pkg/observability/logger"
)

const (
	// KeyHeader carries the client supplied key.
	KeyHeader = "Idempotency-Key"
	// ReplayedHeader is set on responses served from a stored record.
	ReplayedHeader = "Idempotent-Replayed"

	defaultMaxBodyBytes = 1 << 20
)

// SubjectFunc resolves who sent the request. ok is false for anonymous
// requests, which bypass the guard.
type SubjectFunc func(r *http.Request) (Subject, bool)

// MiddlewareConfig configures Middleware.
type MiddlewareConfig struct {
	Guard        *Guard
	Subject      SubjectFunc
	MaxBodyBytes int64
	Logger       logger.Logger
}

// storedResponse is what the middleware keeps per key.
type storedResponse struct {
	Status      int             `json:"status"`
	ContentType string          `json:"contentType,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	Text        string          `json:"text,omitempty"`
}

// rejectedResponse is a non-2xx result. It releases the key and is passed
// through to the client unchanged.
type rejectedResponse struct {
	resp storedResponse
}

func (r *rejectedResponse) Error() string {
	return fmt.Sprintf("handler answered %d", r.resp.Status)
}

// Middleware guards mutating requests that carry an Idempotency-Key. The
// scope is the method plus the matched route pattern.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(KeyHeader)
			subject, ok := cfg.Subject(r)
			if key == "" || !ok || cfg.Guard == nil {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
			if err != nil {
				controller.Error(w, r, log, controller.NewValidationError("unreadable request body", nil))
				return
			}
			if int64(len(body)) > maxBody {
				controller.Error(w, r, log, controller.NewError(http.StatusRequestEntityTooLarge,
					controller.CodeValidationFailed, "request body too large", nil))
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			outcome, err := cfg.Guard.Execute(r.Context(), subject, scopeOf(r), key, requestBody(body),
				func(ctx context.Context) (any, error) {
					rec := newBufferedResponse()
					next.ServeHTTP(rec, r.WithContext(ctx))
					resp := rec.stored()
					if resp.Status < 200 || resp.Status >= 300 {
						return nil, &rejectedResponse{resp: resp}
					}
					return resp, nil
				})

			var rejected *rejectedResponse
			switch {
			case errors.As(err, &rejected):
				writeStored(w, rejected.resp)
			case err != nil && Code(err) != "":
				status := http.StatusConflict
				if errors.Is(err, ErrInvalidKey) {
					status = http.StatusBadRequest
				}
				controller.Error(w, r, log, controller.NewError(status, Code(err), err.Error(), err))
			case err != nil:
				controller.Error(w, r, log, err)
			default:
				var resp storedResponse
				if err := json.Unmarshal(outcome.Response, &resp); err != nil {
					controller.Error(w, r, log, controller.NewInternalError("corrupt idempotent response", err))
					return
				}
				if outcome.Replayed {
					w.Header().Set(ReplayedHeader, "true")
				}
				writeStored(w, resp)
			}
		})
	}
}

func scopeOf(r *http.Request) string {
	pattern := r.URL.Path
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			pattern = p
		}
	}
	return r.Method + " " + pattern
}

// requestBody is the value hashed for a raw body. Non-JSON bodies hash as
// a string.
func requestBody(raw []byte) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	return string(raw)
}

func writeStored(w http.ResponseWriter, resp storedResponse) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	var payload []byte
	if len(resp.Body) > 0 {
		payload = resp.Body
	} else {
		payload = []byte(resp.Text)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.WriteHeader(resp.Status)
	_, _ = w.Write(payload)
}

// bufferedResponse captures the inner handler's response.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header)}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) stored() storedResponse {
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	resp := storedResponse{Status: status, ContentType: b.header.Get("Content-Type")}
	raw := bytes.TrimSpace(b.body.Bytes())
	if len(raw) > 0 && json.Valid(raw) {
		resp.Body = json.RawMessage(raw)
	} else {
		resp.Text = b.body.String()
	}
	return resp
}
