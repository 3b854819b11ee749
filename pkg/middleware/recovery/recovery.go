// Package recovery turns handler panics into 500 responses.
package recovery

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/nimburion/chatsync/pkg/controller"
	"github.com/nimburion/chatsync/pkg/observability/logger"
)

// Recovery logs a panic with its stack and answers 500. http.ErrAbortHandler
// is re-raised so the server aborts the connection as usual.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				log.WithContext(r.Context()).Error("panic recovered",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				controller.JSON(w, http.StatusInternalServerError, controller.ErrorResponse{
					Error: controller.ErrorBody{
						Code:      controller.CodeInternal,
						Message:   "an unexpected error occurred",
						RequestID: logger.RequestIDFromContext(r.Context()),
					},
				})
			}()
			next.ServeHTTP(w, r)
		})
	}
}
