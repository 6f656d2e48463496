package metrics

import (
	"time"
)

// TunnelMetrics provides observability for tunnel supervision.
//
// Implementations collect state transitions, restarts, health probe
// outcomes and restart budget exhaustion per mount. This interface is
// optional - if not provided to a supervisor, a no-op implementation is
// used with zero overhead.
//
// Example usage:
//
//	// With metrics enabled
//	cfg.Metrics = prometheus.NewTunnelMetrics()
//	sup := tunnel.NewSupervisor(cfg)
//
//	// Without metrics (no-op)
//	cfg.Metrics = nil
//	sup := tunnel.NewSupervisor(cfg)
type TunnelMetrics interface {
	// RecordTransition records a state change of one tunnel.
	//
	// Parameters:
	//   - mount: Mount identifier
	//   - from: Previous state name
	//   - to: New state name
	RecordTransition(mount, from, to string)

	// RecordRestart increments the restart counter of one tunnel.
	RecordRestart(mount string)

	// RecordProbe records a completed health probe.
	//
	// Parameters:
	//   - mount: Mount identifier
	//   - duration: Time taken by the probe
	//   - err: Error if the probe failed, nil if healthy
	RecordProbe(mount string, duration time.Duration, err error)

	// RecordBudgetExhausted records that a tunnel was given up after
	// running out of restarts.
	RecordBudgetExhausted(mount string)

	// SetSupervisedMounts updates the number of tunnels being supervised.
	SetSupervisedMounts(count int)

	// ForgetMount drops the per-mount series of a torn down tunnel.
	ForgetMount(mount string)
}

// NewNoopTunnelMetrics returns a TunnelMetrics that records nothing.
func NewNoopTunnelMetrics() TunnelMetrics {
	return noopTunnelMetrics{}
}

// noopTunnelMetrics is a no-op implementation of TunnelMetrics with zero overhead.
type noopTunnelMetrics struct{}

func (noopTunnelMetrics) RecordTransition(mount, from, to string)                     {}
func (noopTunnelMetrics) RecordRestart(mount string)                                  {}
func (noopTunnelMetrics) RecordProbe(mount string, duration time.Duration, err error) {}
func (noopTunnelMetrics) RecordBudgetExhausted(mount string)                          {}
func (noopTunnelMetrics) SetSupervisedMounts(count int)                               {}
func (noopTunnelMetrics) ForgetMount(mount string)                                    {}
