// Package metrics provides Prometheus metrics collection for the tunnel watchdog.
//
// All metrics are optional. Without an initialized registry, components get
// no-op implementations. The short-lived mount helper never initializes the
// registry; only the watchdog does, when [metrics] enabled = true.
//
// Usage:
//
//	metrics.InitRegistry()
//	tunnelMetrics := prometheus.NewTunnelMetrics()
//	sup := tunnel.NewSupervisor(tunnel.SupervisorConfig{Metrics: tunnelMetrics, ...})
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// registry is written once by InitRegistry and read afterwards
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the global registry with the Go runtime and process
// collectors of the watchdog. Later calls are ignored.
func InitRegistry() {
	registryOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		registry = reg
	})
}

// GetRegistry returns the global registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
