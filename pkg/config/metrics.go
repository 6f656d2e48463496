package config

import (
	"github.com/marmos91/efsmount/pkg/metrics"
	promMetrics "github.com/marmos91/efsmount/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// TunnelMetrics is the collector for tunnel supervision (never nil, uses noop if disabled)
	TunnelMetrics metrics.TunnelMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed tunnel metrics
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations (zero overhead)
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Settings.Metrics.Enabled {
		return &MetricsResult{
			Server:        nil,
			TunnelMetrics: metrics.NewNoopTunnelMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port: cfg.Settings.Metrics.Port,
	})

	return &MetricsResult{
		Server:        server,
		TunnelMetrics: promMetrics.NewTunnelMetrics(),
	}
}
