// Package metrics wires Prometheus collectors for chatsync.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns a private Prometheus registry with runtime collectors and
// HTTP request metrics already registered.
type Registry struct {
	registry *prometheus.Registry
	http     *httpMetrics
}

// NewRegistry creates a registry. namespace prefixes the HTTP metrics.
func NewRegistry(namespace string) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	httpm := newHTTPMetrics(namespace)
	reg.MustRegister(httpm.duration, httpm.total, httpm.inFlight)

	return &Registry{registry: reg, http: httpm}
}

// Registerer is handed to components that register their own collectors.
func (r *Registry) Registerer() prometheus.Registerer {
	return r.registry
}

// Gatherer exposes the registry for tests and custom exposition.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler serves the registry in the Prometheus text or OpenMetrics format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Register registers collectors, returning the existing collector when an
// identical one is already registered.
func Register[T prometheus.Collector](reg prometheus.Registerer, collector T) (T, error) {
	if reg == nil {
		return collector, nil
	}
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return collector, err
	}
	return collector, nil
}
