// Package requestsize bounds request bodies.
package requestsize

import (
	"fmt"
	"net/http"

	"github.com/nimburion/chatsync/pkg/controller"
)

// Middleware enforces a maximum request body size in bytes. A declared
// Content-Length over the limit fails fast with 413; otherwise reads past
// the limit fail inside the handler. A non-positive maxBytes disables it.
func Middleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes <= 0 || r.Body == nil {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > maxBytes {
				controller.Error(w, r, nil, controller.NewError(http.StatusRequestEntityTooLarge,
					controller.CodeValidationFailed,
					fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", maxBytes), nil).
					WithDetails(map[string]any{"maxBytes": maxBytes}))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
