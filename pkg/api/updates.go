package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/nimburion/chatsync/pkg/auth"
	"github.com/nimburion/chatsync/pkg/controller"
	"github.com/nimburion/chatsync/pkg/observability/logger"
	"github.com/nimburion/chatsync/pkg/updates"
)

// Publisher is the dispatcher side used by the internal publish endpoint.
type Publisher interface {
	PublishToRecipients(ctx context.Context, recipientIDs []string, eventType updates.EventType, payload any) error
}

// DiffRequest is the POST body of the catch-up endpoint.
type DiffRequest struct {
	Offset int64 `json:"offset" validate:"gte=0"`
	Limit  int   `json:"limit" validate:"gte=0"`
}

// PublishRequest is the body of the internal publish endpoint.
type PublishRequest struct {
	RecipientIDs []string        `json:"recipientIds" validate:"required,min=1,max=1000,dive,required"`
	EventType    string          `json:"eventType" validate:"required"`
	Payload      json.RawMessage `json:"payload" validate:"required"`
}

// PublishResponse acknowledges a publish. Recipients counts distinct
// non-blank ids.
type PublishResponse struct {
	Recipients int `json:"recipients"`
}

// UpdatesHandler serves catch-up and publish requests.
type UpdatesHandler struct {
	catchUp   *updates.CatchUp
	publisher Publisher
	log       logger.Logger
}

// NewUpdatesHandler creates the handler. publisher may be nil when the
// publish endpoint is not mounted.
func NewUpdatesHandler(catchUp *updates.CatchUp, publisher Publisher, log logger.Logger) (*UpdatesHandler, error) {
	if catchUp == nil {
		return nil, errors.New("catch-up is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &UpdatesHandler{catchUp: catchUp, publisher: publisher, log: log}, nil
}

// DiffQuery handles GET /v1/updates/diff?offset=&limit=.
func (h *UpdatesHandler) DiffQuery(w http.ResponseWriter, r *http.Request) {
	var req DiffRequest
	query := r.URL.Query()
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			controller.Error(w, r, h.log, controller.NewValidationError("offset must be an integer", nil))
			return
		}
		req.Offset = offset
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			controller.Error(w, r, h.log, controller.NewValidationError("limit must be an integer", nil))
			return
		}
		req.Limit = limit
	}
	h.diff(w, r, req)
}

// DiffBody handles POST /v1/updates/diff.
func (h *UpdatesHandler) DiffBody(w http.ResponseWriter, r *http.Request) {
	var req DiffRequest
	if !decodeJSON(w, r, h.log, &req) {
		return
	}
	h.diff(w, r, req)
}

func (h *UpdatesHandler) diff(w http.ResponseWriter, r *http.Request, req DiffRequest) {
	if err := controller.Validate(req); err != nil {
		controller.Error(w, r, h.log, err)
		return
	}
	recipientID := auth.SubjectFromRequest(r)
	if recipientID == "" {
		controller.Error(w, r, h.log, controller.NewUnauthorizedError("authentication required"))
		return
	}
	result, err := h.catchUp.Diff(r.Context(), recipientID, req.Offset, req.Limit)
	if err != nil {
		controller.Error(w, r, h.log, controller.NewInternalError("catch-up failed", err))
		return
	}
	controller.Success(w, result)
}

// Publish handles POST /internal/v1/updates/publish.
func (h *UpdatesHandler) Publish(w http.ResponseWriter, r *http.Request) {
	if h.publisher == nil {
		controller.Error(w, r, h.log, controller.NewError(http.StatusNotFound, controller.CodeNotFound, "publishing is disabled", nil))
		return
	}
	var req PublishRequest
	if !decodeJSON(w, r, h.log, &req) {
		return
	}
	if err := controller.Validate(req); err != nil {
		controller.Error(w, r, h.log, err)
		return
	}
	eventType := updates.EventType(req.EventType)
	if !eventType.Valid() {
		controller.Error(w, r, h.log, controller.NewValidationError("unknown event type",
			map[string]any{"eventType": req.EventType}))
		return
	}

	if err := h.publisher.PublishToRecipients(r.Context(), req.RecipientIDs, eventType, req.Payload); err != nil {
		if errors.Is(err, updates.ErrInvalidEvent) {
			controller.Error(w, r, h.log, controller.NewValidationError(err.Error(), nil))
			return
		}
		controller.Error(w, r, h.log, controller.NewInternalError("publish failed", err))
		return
	}
	controller.JSON(w, http.StatusAccepted, PublishResponse{Recipients: len(updates.UniqueRecipients(req.RecipientIDs))})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, log logger.Logger, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			controller.Error(w, r, log, controller.NewError(http.StatusRequestEntityTooLarge,
				controller.CodeValidationFailed, "request body too large", err))
			return false
		}
		controller.Error(w, r, log, controller.NewValidationError("malformed JSON body", nil))
		return false
	}
	return true
}
