package controller

import (
	"encoding/json"
	"net/http"

	"github.com/nimburion/chatsync/pkg/observability/logger"
)

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil || status == http.StatusNoContent {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// Success sends v with HTTP 200 OK.
func Success(w http.ResponseWriter, v any) {
	JSON(w, http.StatusOK, v)
}

// Error maps err with MapError and writes it. Server errors are logged with
// their cause, which never reaches the client.
func Error(w http.ResponseWriter, r *http.Request, log logger.Logger, err error) {
	status, body := MapError(r.Context(), err)
	if status >= http.StatusInternalServerError && log != nil {
		log.WithContext(r.Context()).Error("request failed",
			"method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	JSON(w, status, body)
}
