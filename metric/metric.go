// Package metric manages Prometheus metric registration for the hub
// runtime. Components register their collectors against a shared private
// registry which the monitor service exposes over HTTP.
package metric

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/contexthub/errors"
)

// Namespace is the prefix shared by every hub metric.
const Namespace = "contexthub"

// Registry manages the registration and lifecycle of hub metrics.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	registered         map[string]prometheus.Collector
	mu                 sync.Mutex
}

// NewRegistry creates a registry pre-populated with Go runtime collectors.
func NewRegistry() *Registry {
	r := &Registry{
		prometheusRegistry: prometheus.NewRegistry(),
		registered:         make(map[string]prometheus.Collector),
	}

	r.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry returns the underlying Prometheus registry for the
// metrics HTTP handler.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Register registers a collector under component.name. Duplicate
// registrations are rejected.
func (r *Registry) Register(component, name string, collector prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered", key),
			"Registry", "Register", "duplicate metric")
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return errors.WrapInvalid(err, "Registry", "Register", "duplicate collector")
		}
		return errors.WrapTransient(err, "Registry", "Register", "prometheus registration")
	}

	r.registered[key] = collector
	return nil
}

// MustRegister registers a collector and panics on failure. Intended for
// wiring done once at startup.
func (r *Registry) MustRegister(component, name string, collector prometheus.Collector) {
	if err := r.Register(component, name, collector); err != nil {
		panic(err)
	}
}

// Unregister removes a previously registered collector.
func (r *Registry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	collector, exists := r.registered[key]
	if !exists {
		return false
	}
	delete(r.registered, key)
	return r.prometheusRegistry.Unregister(collector)
}
