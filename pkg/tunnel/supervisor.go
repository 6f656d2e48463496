// Package tunnel launches and supervises the TLS tunnel processes that
// carry NFS traffic of encrypted mounts.
//
// Each mount is driven by one Supervisor. A Supervisor is a state machine
// (see State) owned by a single goroutine, Run; every transition is applied
// by that goroutine, so transitions of one mount are serialized without
// locks. Observers read a snapshot through Status.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/efsmount/internal/logger"
	"github.com/marmos91/efsmount/pkg/config"
	"github.com/marmos91/efsmount/pkg/credentials"
	"github.com/marmos91/efsmount/pkg/metrics"
	"github.com/marmos91/efsmount/pkg/mount"
)

// startupProbeInterval caps the probe period while a tunnel starts.
const startupProbeInterval = 250 * time.Millisecond

// stableProbes is the number of health check intervals a tunnel must stay
// Running before its restart budget and backoff are reset.
const stableProbes = 10

// Mount identifies the tunnel of one mount.
type Mount struct {
	// ID is unique among supervised tunnels
	ID string

	MountPoint   string
	FileSystemID string

	// Port is the local port the tunnel accepts on
	Port int

	// Options are the mount options; credential refresh uses them
	Options mount.Options
}

// CredentialSource re-resolves credentials. *credentials.Resolver
// implements it.
type CredentialSource interface {
	Resolve(ctx context.Context, opts mount.Options) (credentials.CredentialSet, error)
}

// AddressSource returns the remote addresses of a tunnel, best first.
type AddressSource func(ctx context.Context) ([]string, error)

// Transition is a state change of one tunnel.
type Transition struct {
	MountID string
	From    State
	To      State
	Reason  string
	At      time.Time
}

// Status is a snapshot of a supervised tunnel.
type Status struct {
	ID           string    `json:"id"`
	MountPoint   string    `json:"mount_point"`
	FileSystemID string    `json:"file_system_id"`
	Port         int       `json:"port"`
	State        State     `json:"state"`
	PID          int       `json:"pid,omitempty"`
	Restarts     int       `json:"restarts"`
	Since        time.Time `json:"since"`
	LastError    string    `json:"last_error,omitempty"`
	Exhausted    bool      `json:"exhausted,omitempty"`
}

// SupervisorConfig contains the dependencies of a Supervisor.
type SupervisorConfig struct {
	Mount Mount

	// Binary is the tunnel executable, see platform.TunnelBinaryName
	Binary string

	// LogPath receives the tunnel process output
	LogPath string

	// RemotePort is the NFS port of the mount target (default: 2049)
	RemotePort int

	// Settings are the supervision tunables; zero fields take defaults
	Settings config.WatchdogConfig

	Launcher Launcher
	Prober   Prober

	// Adopt is an already running tunnel, started by the mount helper. The
	// first start takes it over instead of launching; restarts launch anew.
	Adopt Process

	Writer    ConfigWriter
	Addresses AddressSource

	// Credentials is used to refresh expiring credentials of IAM mounts.
	// It may be nil when Initial is empty.
	Credentials CredentialSource
	Initial     credentials.CredentialSet

	Metrics metrics.TunnelMetrics

	// OnTransition is called from the supervising goroutine after every
	// transition. It must not block.
	OnTransition func(Transition)

	// OnExhausted is called once when the restart budget runs out.
	OnExhausted func(Status)

	Now func() time.Time
}

// Supervisor keeps one tunnel process alive.
type Supervisor struct {
	cfg    SupervisorConfig
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// detached skips the release of the process and its files on Stopped
	detached atomic.Bool

	// Owned by the Run goroutine
	proc         Process
	creds        credentials.CredentialSet
	addresses    []string
	addrIndex    int
	attempts     int
	failures     int
	backoff      time.Duration
	runningSince time.Time
	exhausted    bool

	mu     sync.RWMutex
	status Status
}

// NewSupervisor creates a supervisor in the Starting state. Call Run to
// start the tunnel.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	applySettingsDefaults(&cfg.Settings)
	if cfg.RemotePort == 0 {
		cfg.RemotePort = mount.DefaultNFSPort
	}
	if cfg.Launcher == nil {
		cfg.Launcher = ExecLauncher{}
	}
	if cfg.Prober == nil {
		cfg.Prober = &NetProber{Timeout: cfg.Settings.ProbeTimeout}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoopTunnelMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		creds:  cfg.Initial,
		status: Status{
			ID:           cfg.Mount.ID,
			MountPoint:   cfg.Mount.MountPoint,
			FileSystemID: cfg.Mount.FileSystemID,
			Port:         cfg.Mount.Port,
			State:        Starting,
			Since:        cfg.Now(),
		},
	}
}

func applySettingsDefaults(s *config.WatchdogConfig) {
	d := config.GetDefaultConfig().Settings.Watchdog
	if s.HealthCheckInterval <= 0 {
		s.HealthCheckInterval = d.HealthCheckInterval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	if s.StartupTimeout <= 0 {
		s.StartupTimeout = d.StartupTimeout
	}
	if s.UnhealthyThreshold <= 0 {
		s.UnhealthyThreshold = d.UnhealthyThreshold
	}
	if s.MaxRestarts <= 0 {
		s.MaxRestarts = d.MaxRestarts
	}
	if s.RestartBackoff <= 0 {
		s.RestartBackoff = d.RestartBackoff
	}
	if s.RestartBackoffMax < s.RestartBackoff {
		s.RestartBackoffMax = max(d.RestartBackoffMax, s.RestartBackoff)
	}
}

// Status returns a snapshot of the tunnel.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Stop requests teardown. The tunnel moves to Stopped from any state; Done
// is closed once its resources are released.
func (s *Supervisor) Stop() {
	s.cancel()
}

// Detach ends supervision but leaves the tunnel process running and its
// configuration in place, so that another supervisor can adopt it.
func (s *Supervisor) Detach() {
	s.detached.Store(true)
	s.cancel()
}

// Done is closed when the supervisor has stopped.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Run supervises the tunnel until it is Stopped, either by Stop, by
// cancellation of ctx, or by exhaustion of the restart budget.
func (s *Supervisor) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()
	defer close(s.done)

	logger.Info("Supervising tunnel for %s (%s) on port %d",
		s.cfg.Mount.MountPoint, s.cfg.Mount.FileSystemID, s.cfg.Mount.Port)
	s.cfg.Metrics.RecordTransition(s.label(), "new", Starting.String())

	state := Starting
	for state != Stopped {
		var next State
		var reason string

		switch state {
		case Starting:
			next, reason = s.start(s.ctx)
		case Running, Degraded:
			next, reason = s.monitor(s.ctx, state)
		case Restarting:
			next, reason = s.restart(s.ctx)
		}

		state = s.transition(state, next, reason)
	}

	if s.detached.Load() && !s.exhausted {
		logger.Info("Tunnel %s detached, process %d left running", s.label(), s.Status().PID)
	} else {
		s.release()
	}

	if s.exhausted && s.cfg.OnExhausted != nil {
		s.cfg.OnExhausted(s.Status())
	}
}

// transition applies from -> to and returns the state actually entered.
func (s *Supervisor) transition(from, to State, reason string) State {
	if !CanTransition(from, to) {
		logger.Error("Tunnel %s: invalid transition %s -> %s (%s), stopping", s.label(), from, to, reason)
		to = Stopped
	}

	now := s.cfg.Now()
	s.mu.Lock()
	s.status.State = to
	s.status.Since = now
	s.status.Restarts = s.attempts
	s.status.Exhausted = s.exhausted
	s.mu.Unlock()

	switch to {
	case Degraded, Restarting:
		logger.Warn("Tunnel %s: %s -> %s: %s", s.label(), from, to, reason)
	default:
		logger.Info("Tunnel %s: %s -> %s: %s", s.label(), from, to, reason)
	}

	s.cfg.Metrics.RecordTransition(s.label(), from.String(), to.String())
	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition(Transition{MountID: s.cfg.Mount.ID, From: from, To: to, Reason: reason, At: now})
	}
	return to
}

// start writes the configuration, launches the process and waits for the
// first successful probe.
func (s *Supervisor) start(ctx context.Context) (State, string) {
	if ctx.Err() != nil {
		return Stopped, "teardown"
	}

	proc, err := s.launch(ctx)
	if err != nil {
		return s.startFailed(err)
	}
	s.proc = proc
	s.setPID(proc.PID())

	deadline := time.NewTimer(s.cfg.Settings.StartupTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(min(s.cfg.Settings.HealthCheckInterval, startupProbeInterval))
	defer ticker.Stop()

	for {
		if err := s.probe(ctx); err == nil {
			s.failures = 0
			s.runningSince = s.cfg.Now()
			return Running, fmt.Sprintf("tunnel (pid %d) accepting connections", proc.PID())
		}

		select {
		case <-ctx.Done():
			return Stopped, "teardown"
		case <-proc.Done():
			return s.startFailed(fmt.Errorf("tunnel process exited during startup: %v", proc.Err()))
		case <-deadline.C:
			return s.startFailed(fmt.Errorf("tunnel not ready after %s", s.cfg.Settings.StartupTimeout))
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) launch(ctx context.Context) (Process, error) {
	if adopted := s.cfg.Adopt; adopted != nil {
		s.cfg.Adopt = nil
		logger.Info("Tunnel %s: adopting running process %d", s.label(), adopted.PID())
		return adopted, nil
	}

	addr, err := s.connectAddress(ctx)
	if err != nil {
		return nil, err
	}

	path, err := s.cfg.Writer.Write(ctx, ConfigRequest{Credentials: s.creds, ConnectAddress: addr})
	if err != nil {
		return nil, err
	}

	return s.cfg.Launcher.Launch(ctx, LaunchSpec{
		Binary:     s.cfg.Binary,
		ConfigPath: path,
		LogPath:    s.cfg.LogPath,
	})
}

func (s *Supervisor) startFailed(err error) (State, string) {
	s.setLastError(err)
	if s.budgetExhausted() {
		s.exhaust(err)
		return Stopped, "restart budget exhausted: " + err.Error()
	}
	return Restarting, err.Error()
}

// monitor probes a started tunnel until its state changes.
func (s *Supervisor) monitor(ctx context.Context, state State) (State, string) {
	if state == Degraded {
		if s.processExited() {
			return Restarting, "tunnel process exited"
		}
		if s.failures >= s.cfg.Settings.UnhealthyThreshold {
			return Restarting, fmt.Sprintf("%d consecutive failed probes", s.failures)
		}
	}

	ticker := time.NewTicker(s.cfg.Settings.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Stopped, "teardown"

		case <-s.proc.Done():
			err := fmt.Errorf("tunnel process %d exited unexpectedly: %v", s.proc.PID(), s.proc.Err())
			s.setLastError(err)
			if state == Running {
				return Degraded, err.Error()
			}
			return Restarting, err.Error()

		case <-ticker.C:
			err := s.probe(ctx)
			if ctx.Err() != nil {
				return Stopped, "teardown"
			}

			if err == nil {
				s.failures = 0
				if state == Degraded {
					s.runningSince = s.cfg.Now()
					return Running, "probe succeeded"
				}
				s.resetBudgetIfStable()
				continue
			}

			s.failures++
			s.setLastError(err)
			if state == Running {
				return Degraded, err.Error()
			}
			if s.failures >= s.cfg.Settings.UnhealthyThreshold {
				return Restarting, fmt.Sprintf("%d consecutive failed probes: %v", s.failures, err)
			}
		}
	}
}

// restart stops the process and, budget permitting, waits out the backoff
// before starting again on the next address with refreshed credentials.
func (s *Supervisor) restart(ctx context.Context) (State, string) {
	s.stopProcess()
	s.advanceAddress()

	if s.budgetExhausted() {
		err := errors.New("tunnel keeps failing")
		s.mu.RLock()
		if s.status.LastError != "" {
			err = errors.New(s.status.LastError)
		}
		s.mu.RUnlock()
		s.exhaust(err)
		return Stopped, "restart budget exhausted"
	}

	s.attempts++
	s.failures = 0
	s.cfg.Metrics.RecordRestart(s.label())

	delay := s.nextBackoff()
	logger.Info("Restarting tunnel %s in %s (attempt %d/%d)",
		s.label(), delay, s.attempts, s.cfg.Settings.MaxRestarts)

	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return Stopped, "teardown"
	case <-timer.C:
	}

	s.refreshCredentials(ctx)
	return Starting, fmt.Sprintf("restart attempt %d", s.attempts)
}

func (s *Supervisor) budgetExhausted() bool {
	return s.attempts >= s.cfg.Settings.MaxRestarts
}

func (s *Supervisor) exhaust(cause error) {
	s.exhausted = true
	logger.Error("Tunnel %s stopped after %d restarts, giving up: %v", s.label(), s.attempts, cause)
	s.cfg.Metrics.RecordBudgetExhausted(s.label())
}

func (s *Supervisor) nextBackoff() time.Duration {
	if s.backoff == 0 {
		s.backoff = s.cfg.Settings.RestartBackoff
	} else {
		s.backoff = min(2*s.backoff, s.cfg.Settings.RestartBackoffMax)
	}
	return s.backoff
}

func (s *Supervisor) resetBudgetIfStable() {
	if s.attempts == 0 && s.backoff == 0 {
		return
	}
	if s.cfg.Now().Sub(s.runningSince) < stableProbes*s.cfg.Settings.HealthCheckInterval {
		return
	}
	logger.Debug("Tunnel %s stable, resetting restart budget", s.label())
	s.attempts = 0
	s.backoff = 0
}

// refreshCredentials re-resolves credentials that expire within the
// refresh window. On failure the previous credentials are kept.
func (s *Supervisor) refreshCredentials(ctx context.Context) {
	if s.cfg.Credentials == nil || s.creds.IsEmpty() {
		return
	}
	if !s.creds.ExpiresWithin(s.cfg.Now(), s.cfg.Settings.CredentialRefreshWindow) {
		return
	}

	creds, err := s.cfg.Credentials.Resolve(ctx, s.cfg.Mount.Options)
	if err != nil {
		logger.Warn("Tunnel %s: failed to refresh credentials, keeping the current ones: %v", s.label(), err)
		return
	}
	if creds.IsEmpty() {
		logger.Warn("Tunnel %s: no credentials found on refresh, keeping the current ones", s.label())
		return
	}

	s.creds = creds
	logger.Info("Tunnel %s: refreshed credentials (%s)", s.label(), creds)
}

func (s *Supervisor) connectAddress(ctx context.Context) (string, error) {
	if len(s.addresses) == 0 {
		if s.cfg.Addresses == nil {
			return "", ErrNoAddress
		}
		addrs, err := s.cfg.Addresses(ctx)
		if err != nil {
			return "", err
		}
		if len(addrs) == 0 {
			return "", ErrNoAddress
		}
		s.addresses = addrs
		s.addrIndex = 0
	}
	return ConnectAddress(s.addresses[s.addrIndex], s.cfg.RemotePort), nil
}

// advanceAddress points the next start at the following address. Once
// every address has failed they are resolved again.
func (s *Supervisor) advanceAddress() {
	if len(s.addresses) == 0 {
		return
	}
	s.addrIndex++
	if s.addrIndex >= len(s.addresses) {
		logger.Debug("Tunnel %s: every address failed, resolving again", s.label())
		s.addresses = nil
		s.addrIndex = 0
		return
	}
	logger.Info("Tunnel %s: trying address %s", s.label(), s.addresses[s.addrIndex])
}

func (s *Supervisor) probe(ctx context.Context) error {
	start := time.Now()
	err := s.cfg.Prober.Probe(ctx, s.cfg.Mount.Port)
	s.cfg.Metrics.RecordProbe(s.label(), time.Since(start), err)
	return err
}

func (s *Supervisor) processExited() bool {
	if s.proc == nil {
		return true
	}
	select {
	case <-s.proc.Done():
		return true
	default:
		return false
	}
}

func (s *Supervisor) stopProcess() {
	if s.proc == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Settings.ProbeTimeout)
	defer cancel()
	if err := s.proc.Stop(ctx); err != nil {
		logger.Warn("Tunnel %s: failed to stop process %d: %v", s.label(), s.proc.PID(), err)
	}
	s.proc = nil
	s.setPID(0)
}

// release frees everything a Stopped tunnel holds.
func (s *Supervisor) release() {
	s.stopProcess()
	s.addresses = nil
	s.addrIndex = 0
	if err := s.cfg.Writer.Remove(); err != nil {
		logger.Warn("Tunnel %s: failed to remove tunnel config: %v", s.label(), err)
	}
}

func (s *Supervisor) setPID(pid int) {
	s.mu.Lock()
	s.status.PID = pid
	s.mu.Unlock()
}

func (s *Supervisor) setLastError(err error) {
	s.mu.Lock()
	s.status.LastError = err.Error()
	s.mu.Unlock()
}

func (s *Supervisor) label() string {
	if s.cfg.Mount.MountPoint != "" {
		return s.cfg.Mount.MountPoint
	}
	return s.cfg.Mount.ID
}
