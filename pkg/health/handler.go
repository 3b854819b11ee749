package health

import (
	"net/http"

	"github.com/nimburion/chatsync/pkg/controller"
)

// Handler serves the aggregated result. Unhealthy answers 503; healthy and
// degraded answer 200.
func Handler(registry *Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := registry.Check(r.Context())
		status := http.StatusOK
		if result.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Cache-Control", "no-store")
		controller.JSON(w, status, result)
	})
}
