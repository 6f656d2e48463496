package prometheus

import (
	"time"

	"github.com/marmos91/efsmount/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// tunnelStates lists the state label values exported by the state gauge.
var tunnelStates = []string{"starting", "running", "degraded", "restarting", "stopped"}

// tunnelMetrics is the Prometheus implementation of metrics.TunnelMetrics.
type tunnelMetrics struct {
	transitionsTotal *prometheus.CounterVec
	restartsTotal    *prometheus.CounterVec
	probesTotal      *prometheus.CounterVec
	probeDuration    *prometheus.HistogramVec
	exhaustedTotal   *prometheus.CounterVec
	state            *prometheus.GaugeVec
	supervisedMounts prometheus.Gauge
}

// NewTunnelMetrics creates a new Prometheus-backed TunnelMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewTunnelMetrics() metrics.TunnelMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopTunnelMetrics()
	}

	reg := metrics.GetRegistry()

	return &tunnelMetrics{
		transitionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "efsmount_tunnel_transitions_total",
				Help: "Total number of tunnel state transitions by mount, source and target state",
			},
			[]string{"mount", "from", "to"},
		),
		restartsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "efsmount_tunnel_restarts_total",
				Help: "Total number of tunnel process restarts by mount",
			},
			[]string{"mount"},
		),
		probesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "efsmount_tunnel_probes_total",
				Help: "Total number of tunnel health probes by mount and status",
			},
			[]string{"mount", "status"},
		),
		probeDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "efsmount_tunnel_probe_duration_seconds",
				Help: "Duration of tunnel health probes in seconds",
				Buckets: []float64{
					0.001, // 1ms
					0.01,  // 10ms
					0.1,   // 100ms
					1.0,   // 1s
					5.0,   // 5s
				},
			},
			[]string{"mount"},
		),
		exhaustedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "efsmount_tunnel_restart_budget_exhausted_total",
				Help: "Total number of tunnels stopped after exhausting their restart budget",
			},
			[]string{"mount"},
		),
		state: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "efsmount_tunnel_state",
				Help: "Current tunnel state (1 for the active state, 0 otherwise)",
			},
			[]string{"mount", "state"},
		),
		supervisedMounts: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "efsmount_supervised_mounts",
				Help: "Current number of supervised tunnels",
			},
		),
	}
}

func (m *tunnelMetrics) RecordTransition(mount, from, to string) {
	m.transitionsTotal.WithLabelValues(mount, from, to).Inc()
	for _, s := range tunnelStates {
		value := 0.0
		if s == to {
			value = 1
		}
		m.state.WithLabelValues(mount, s).Set(value)
	}
}

func (m *tunnelMetrics) RecordRestart(mount string) {
	m.restartsTotal.WithLabelValues(mount).Inc()
}

func (m *tunnelMetrics) RecordProbe(mount string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.probesTotal.WithLabelValues(mount, status).Inc()
	m.probeDuration.WithLabelValues(mount).Observe(duration.Seconds())
}

func (m *tunnelMetrics) RecordBudgetExhausted(mount string) {
	m.exhaustedTotal.WithLabelValues(mount).Inc()
}

func (m *tunnelMetrics) SetSupervisedMounts(count int) {
	m.supervisedMounts.Set(float64(count))
}

func (m *tunnelMetrics) ForgetMount(mount string) {
	labels := prometheus.Labels{"mount": mount}
	m.state.DeletePartialMatch(labels)
	m.probesTotal.DeletePartialMatch(labels)
	m.probeDuration.DeletePartialMatch(labels)
	m.transitionsTotal.DeletePartialMatch(labels)
}
