package sse

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/nimburion/chatsync/pkg/controller"
	"github.com/nimburion/chatsync/pkg/observability/logger"
)

// RecipientFunc resolves the authenticated recipient of a request.
type RecipientFunc func(r *http.Request) (string, error)

// HandlerConfig configures the SSE endpoint.
type HandlerConfig struct {
	Registry  *Registry
	Recipient RecipientFunc
	// Query key for the organization hint, default "organizationId".
	OrganizationQueryParam string
	Logger                 logger.Logger
}

// Handler streams a recipient's live frames as text/event-stream.
type Handler struct {
	cfg HandlerConfig
	log logger.Logger
}

// NewHandler creates an SSE HTTP handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Registry == nil {
		return nil, errors.New("sse registry is required")
	}
	if cfg.Recipient == nil {
		return nil, errors.New("sse recipient resolver is required")
	}
	if strings.TrimSpace(cfg.OrganizationQueryParam) == "" {
		cfg.OrganizationQueryParam = "organizationId"
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{cfg: cfg, log: log}, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	recipientID, err := h.cfg.Recipient(r)
	if err != nil || strings.TrimSpace(recipientID) == "" {
		controller.Error(w, r, h.log, controller.NewUnauthorizedError("authentication required"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		controller.Error(w, r, h.log, controller.NewInternalError("response writer does not support streaming", nil))
		return
	}

	conn, err := h.cfg.Registry.Subscribe(r.Context(), SubscribeRequest{
		RecipientID:    recipientID,
		OrganizationID: r.URL.Query().Get(h.cfg.OrganizationQueryParam),
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrTooManyConnections):
			controller.Error(w, r, h.log, controller.NewError(http.StatusServiceUnavailable,
				controller.CodeTooManyConnections, err.Error(), err))
		case errors.Is(err, ErrInvalidRecipient):
			controller.Error(w, r, h.log, controller.NewUnauthorizedError(err.Error()))
		default:
			controller.Error(w, r, h.log, controller.NewInternalError("subscribe failed", err))
		}
		return
	}
	defer conn.Close()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache, no-transform")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.cfg.Registry.Config().HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.Done():
			return
		case <-ticker.C:
			if err := writeComment(w, "heartbeat"); err != nil {
				return
			}
			flusher.Flush()
		case frame := <-conn.Frames():
			if _, err := frame.WriteTo(w); err != nil {
				h.log.Debug("live write failed", "recipient_id", recipientID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
