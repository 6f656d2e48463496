// Package watchdog supervises the tunnels of every encrypted mount on the
// host.
//
// The mount helper hands each tunnel over through a YAML record in the
// state directory. The Manager polls that directory: new records get a
// tunnel.Supervisor, records whose file disappeared (unmount) or whose
// mount point left the mount table are torn down, and tunnel files nobody
// claims anymore are cleaned up. Transitions are kept in a BadgerDB
// history and exposed with the tunnel statuses over HTTP.
package watchdog

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/efsmount/internal/logger"
	"github.com/marmos91/efsmount/pkg/config"
	"github.com/marmos91/efsmount/pkg/metrics"
	"github.com/marmos91/efsmount/pkg/tunnel"
	"github.com/spf13/afero"
)

// DefaultUnmountPolls is the number of consecutive polls a mount point must
// be missing from the mount table before its tunnel is torn down.
const DefaultUnmountPolls = 5

// AdoptFunc returns a handle on a tunnel process left running by the mount
// helper or by a previous watchdog, or false when it is gone.
type AdoptFunc func(pid int, binary string) (tunnel.Process, bool)

// ManagerConfig contains the dependencies of a Manager.
type ManagerConfig struct {
	Store   *RecordStore
	Factory Factory

	// History records transitions (optional)
	History *History

	// Mounted checks mount points; nil treats every mount as mounted
	Mounted MountedFunc

	// Adopt takes over running tunnels (default: AdoptProcess)
	Adopt AdoptFunc

	// Alive reports whether a mount helper is still running (default:
	// tunnel.ProcessAlive)
	Alive func(pid int) bool

	Metrics metrics.TunnelMetrics

	// Settings provides the poll interval and the orphan grace period
	Settings config.WatchdogConfig

	// UnmountPolls defaults to DefaultUnmountPolls
	UnmountPolls int

	Now func() time.Time
}

// Manager supervises one tunnel per handoff record.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	config ManagerConfig
	fs     afero.Fs

	ctx    context.Context
	cancel context.CancelFunc

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	started  bool

	// reconcileMu serializes reconcile runs
	reconcileMu sync.Mutex

	mu      sync.RWMutex
	tunnels map[string]*supervised
}

// supervised is the manager's view of one record.
type supervised struct {
	sup    *tunnel.Supervisor
	record Record

	// unmounted counts consecutive polls without the mount point
	unmounted int
	exhausted bool
}

// NewManager creates a manager. Call Start to begin polling.
func NewManager(config ManagerConfig) *Manager {
	d := configDefaults()
	if config.Settings.PollInterval <= 0 {
		config.Settings.PollInterval = d.PollInterval
	}
	if config.Settings.StartupTimeout <= 0 {
		config.Settings.StartupTimeout = d.StartupTimeout
	}
	if config.Settings.HealthCheckInterval <= 0 {
		config.Settings.HealthCheckInterval = d.HealthCheckInterval
	}
	if config.UnmountPolls <= 0 {
		config.UnmountPolls = DefaultUnmountPolls
	}
	if config.Adopt == nil {
		config.Adopt = AdoptProcess(afero.NewOsFs(), config.Settings.HealthCheckInterval)
	}
	if config.Alive == nil {
		config.Alive = tunnel.ProcessAlive
	}
	if config.Metrics == nil {
		config.Metrics = metrics.NewNoopTunnelMetrics()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:  config,
		fs:      config.Store.fs,
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		tunnels: make(map[string]*supervised),
	}
}

func configDefaults() config.WatchdogConfig {
	return config.GetDefaultConfig().Settings.Watchdog
}

// Start begins polling the state directory in the background.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	logger.Info("Starting tunnel watchdog: state_dir=%s poll_interval=%s",
		m.config.Store.Dir(), m.config.Settings.PollInterval)

	go m.worker()
}

// Stop stops polling and detaches every supervised tunnel: tunnel
// processes keep running so that mounts survive a watchdog restart.
//
// Parameters:
//   - ctx: Bounds the wait for the supervisors to finish
//
// Returns:
//   - error: ctx.Err() if the supervisors did not finish in time
func (m *Manager) Stop(ctx context.Context) error {
	logger.Info("Stopping tunnel watchdog...")

	m.stopOnce.Do(func() {
		close(m.stopCh)
	})

	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	if started {
		select {
		case <-m.doneCh:
		case <-ctx.Done():
			logger.Warn("Tunnel watchdog shutdown timeout")
			return ctx.Err()
		}
	}

	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	m.mu.Lock()
	tunnels := m.tunnels
	m.tunnels = make(map[string]*supervised)
	m.mu.Unlock()

	for _, t := range tunnels {
		t.sup.Detach()
	}
	for id, t := range tunnels {
		select {
		case <-t.sup.Done():
		case <-ctx.Done():
			logger.Warn("Tunnel %s did not detach in time", id)
			m.cancel()
			return ctx.Err()
		}
	}

	m.cancel()
	logger.Info("Tunnel watchdog stopped")
	return nil
}

// RunNow performs one reconciliation immediately.
func (m *Manager) RunNow(ctx context.Context) (*Stats, error) {
	return m.reconcile(ctx)
}

// worker is the background goroutine that polls the state directory.
func (m *Manager) worker() {
	defer close(m.doneCh)

	run := func() {
		ctx, cancel := context.WithTimeout(m.ctx, m.config.Settings.StartupTimeout)
		defer cancel()

		stats, err := m.reconcile(ctx)
		if err != nil {
			logger.Error("Tunnel watchdog poll failed: %v", err)
			return
		}
		if stats.Changed() {
			logger.Info("Tunnel watchdog poll: %s", stats.Summary())
		}
	}

	run()

	ticker := time.NewTicker(m.config.Settings.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			run()
		case <-m.stopCh:
			return
		}
	}
}

// reconcile brings the supervised tunnels in line with the records:
//  1. Start a supervisor for every new record, adopting its process;
//     pending records wait for their mount helper
//  2. Tear down tunnels whose mount point is gone from the mount table
//  3. Tear down tunnels whose record was deleted
//  4. Clean up tunnel files no record claims
func (m *Manager) reconcile(ctx context.Context) (*Stats, error) {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	stats := &Stats{StartTime: m.config.Now()}

	select {
	case <-m.stopCh:
		return stats, fmt.Errorf("tunnel watchdog is stopped")
	default:
	}

	records, err := m.config.Store.List()
	if err != nil {
		return stats, err
	}
	stats.Records = len(records)

	seen := make(map[string]struct{}, len(records))
	claimed := make(map[string]struct{}, len(records))
	for _, rec := range records {
		seen[rec.ID] = struct{}{}
		claimed[rec.TunnelName()] = struct{}{}

		if rec.Pending {
			if m.sweepPending(rec) {
				stats.Orphans++
			}
			continue
		}

		m.mu.RLock()
		t, ok := m.tunnels[rec.ID]
		m.mu.RUnlock()

		if ok {
			m.checkMounted(t, stats)
			continue
		}

		if err := ctx.Err(); err != nil {
			return stats, err
		}
		adopted, err := m.supervise(ctx, rec)
		if err != nil {
			logger.Error("Failed to supervise tunnel of %s: %v", rec.MountPoint, err)
			stats.Failed++
			continue
		}
		stats.Started++
		if adopted {
			stats.Adopted++
		}
	}

	m.mu.RLock()
	var removed []string
	for id := range m.tunnels {
		if _, ok := seen[id]; !ok {
			removed = append(removed, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range removed {
		logger.Info("State file of tunnel %s removed, stopping it", id)
		m.release(ctx, id)
		stats.Stopped++
	}

	stats.Orphans = m.sweepOrphans(claimed)

	m.mu.RLock()
	m.config.Metrics.SetSupervisedMounts(len(m.tunnels))
	m.mu.RUnlock()

	stats.EndTime = m.config.Now()
	return stats, nil
}

// supervise starts the supervisor of a new record.
func (m *Manager) supervise(ctx context.Context, rec Record) (bool, error) {
	cfg, err := m.config.Factory.Build(ctx, rec)
	if err != nil {
		return false, err
	}

	adopted := false
	if rec.PID > 0 {
		if proc, ok := m.config.Adopt(rec.PID, rec.Binary); ok {
			cfg.Adopt = proc
			adopted = true
		} else {
			logger.Info("Tunnel process %d of %s is gone, starting a new one", rec.PID, rec.MountPoint)
		}
	}

	t := &supervised{record: rec}
	cfg.Metrics = m.config.Metrics
	cfg.OnTransition = func(tr tunnel.Transition) {
		m.onTransition(t, tr)
	}
	cfg.OnExhausted = func(st tunnel.Status) {
		m.mu.Lock()
		t.exhausted = true
		m.mu.Unlock()
		logger.Error("Tunnel of %s gave up after %d restarts: %s; the mount stays unavailable until remounted",
			st.MountPoint, st.Restarts, st.LastError)
	}

	t.sup = tunnel.NewSupervisor(cfg)

	m.mu.Lock()
	m.tunnels[rec.ID] = t
	m.mu.Unlock()

	go t.sup.Run(m.ctx)
	return adopted, nil
}

// onTransition runs on the supervisor goroutine of t.
func (m *Manager) onTransition(t *supervised, tr tunnel.Transition) {
	if m.config.History != nil {
		if err := m.config.History.Append(tr); err != nil {
			logger.Warn("Failed to record transition of %s: %v", tr.MountID, err)
		}
	}

	if tr.To != tunnel.Running {
		return
	}

	// Keep the record's pid current so a restarted watchdog adopts the
	// process this one launched.
	pid := t.sup.Status().PID
	m.mu.Lock()
	stale := t.record.PID != pid
	t.record.PID = pid
	rec := t.record
	m.mu.Unlock()

	if !stale {
		return
	}
	if _, err := m.config.Store.Load(rec.ID); err != nil {
		// Unmounted meanwhile; do not resurrect the record
		return
	}
	if err := m.config.Store.Save(rec); err != nil {
		logger.Warn("Failed to update state file of %s: %v", rec.MountPoint, err)
	}
}

func (m *Manager) checkMounted(t *supervised, stats *Stats) {
	if m.config.Mounted == nil {
		return
	}

	mounted, err := m.config.Mounted(t.record.MountPoint)
	if err != nil {
		logger.Warn("Cannot check whether %s is mounted: %v", t.record.MountPoint, err)
		return
	}

	m.mu.Lock()
	if mounted {
		t.unmounted = 0
		m.mu.Unlock()
		return
	}
	t.unmounted++
	polls := t.unmounted
	m.mu.Unlock()

	if polls < m.config.UnmountPolls {
		logger.Debug("%s not mounted (%d/%d)", t.record.MountPoint, polls, m.config.UnmountPolls)
		return
	}

	logger.Info("%s is no longer mounted, stopping its tunnel", t.record.MountPoint)
	m.release(context.Background(), t.record.ID)
	if err := m.config.Store.Delete(t.record.ID); err != nil {
		logger.Warn("Failed to delete state file of %s: %v", t.record.MountPoint, err)
	}
	stats.Unmounted++
}

// release stops a tunnel, its process included, and forgets it.
func (m *Manager) release(ctx context.Context, id string) {
	m.mu.Lock()
	t, ok := m.tunnels[id]
	delete(m.tunnels, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	t.sup.Stop()

	timeout := m.config.Settings.StartupTimeout
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	select {
	case <-t.sup.Done():
	case <-waitCtx.Done():
		logger.Warn("Tunnel of %s did not stop within %s", t.record.MountPoint, timeout)
	}

	m.config.Metrics.ForgetMount(t.record.MountPoint)
	if m.config.History != nil {
		if err := m.config.History.Forget(id); err != nil {
			logger.Warn("Failed to drop history of %s: %v", id, err)
		}
	}
}

// sweepOrphans removes the tunnel files of mounts no record claims, and
// stops their processes. Files younger than the startup timeout belong to
// a tunnel still starting, before its pending record is written.
func (m *Manager) sweepOrphans(claimed map[string]struct{}) int {
	dir := m.config.Store.Dir()
	entries, err := afero.ReadDir(m.fs, dir)
	if err != nil {
		return 0
	}

	grace := m.config.Settings.StartupTimeout + m.config.Settings.PollInterval
	now := m.config.Now()

	orphans := 0
	for _, entry := range entries {
		name, ok := strings.CutPrefix(entry.Name(), tunnel.ConfigFilePrefix)
		if !ok || entry.IsDir() {
			continue
		}
		if _, ok := claimed[name]; ok {
			continue
		}
		if now.Sub(entry.ModTime()) < grace {
			continue
		}

		writer := &tunnel.StunnelWriter{Fs: m.fs, Dir: dir, Name: name}
		if pid, ok := m.readPID(writer.PIDPath()); ok {
			m.stopStray(pid, "stunnel", name)
		}

		if err := writer.Remove(); err != nil {
			logger.Warn("Failed to remove orphaned tunnel files %s: %v", name, err)
			continue
		}
		logger.Info("Removed orphaned tunnel files %s", filepath.Join(dir, entry.Name()))
		orphans++
	}
	return orphans
}

// sweepPending removes the tunnel of a mount whose helper exited before
// finishing it, and reports whether it did. A record is only swept once
// its helper is gone and the record is still pending.
func (m *Manager) sweepPending(rec Record) bool {
	if m.config.Alive(rec.HelperPID) {
		logger.Debug("Mount of %s in progress (helper pid %d)", rec.MountPoint, rec.HelperPID)
		return false
	}
	current, err := m.config.Store.Load(rec.ID)
	if err != nil || !current.Pending {
		return false
	}

	logger.Warn("Mount helper %d exited while mounting %s, removing its tunnel", rec.HelperPID, rec.MountPoint)
	if rec.PID > 0 {
		m.stopStray(rec.PID, rec.Binary, rec.TunnelName())
	}
	writer := &tunnel.StunnelWriter{Fs: m.fs, Dir: m.config.Store.Dir(), Name: rec.TunnelName()}
	if err := writer.Remove(); err != nil {
		logger.Warn("Failed to remove tunnel files %s: %v", rec.TunnelName(), err)
	}
	if err := m.config.Store.Delete(rec.ID); err != nil {
		logger.Warn("Failed to delete state file of %s: %v", rec.MountPoint, err)
	}
	return true
}

// stopStray stops a tunnel process no supervisor owns.
func (m *Manager) stopStray(pid int, binary, name string) {
	proc, alive := m.config.Adopt(pid, binary)
	if !alive {
		return
	}
	logger.Info("Stopping orphaned tunnel process %d (%s)", pid, name)
	ctx, cancel := context.WithTimeout(context.Background(), m.config.Settings.StartupTimeout)
	defer cancel()
	if err := proc.Stop(ctx); err != nil {
		logger.Warn("Failed to stop orphaned tunnel process %d: %v", pid, err)
	}
}

func (m *Manager) readPID(path string) (int, bool) {
	data, err := afero.ReadFile(m.fs, path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// Statuses returns a snapshot of every supervised tunnel, ordered by
// mount point.
func (m *Manager) Statuses() []tunnel.Status {
	m.mu.RLock()
	statuses := make([]tunnel.Status, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		st := t.sup.Status()
		st.Exhausted = st.Exhausted || t.exhausted
		statuses = append(statuses, st)
	}
	m.mu.RUnlock()

	sortStatuses(statuses)
	return statuses
}

// Status returns the snapshot of one tunnel.
func (m *Manager) Status(id string) (tunnel.Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tunnels[id]
	if !ok {
		return tunnel.Status{}, false
	}
	st := t.sup.Status()
	st.Exhausted = st.Exhausted || t.exhausted
	return st, true
}

// History returns the recorded transitions of one tunnel, oldest first.
func (m *Manager) History(id string, limit int) ([]Entry, error) {
	if m.config.History == nil {
		return nil, nil
	}
	return m.config.History.List(id, limit)
}

// Stats contains statistics from one reconciliation.
type Stats struct {
	StartTime time.Time // When the poll started
	EndTime   time.Time // When the poll ended
	Records   int       // Valid records in the state directory
	Started   int       // Supervisors started for new records
	Adopted   int       // Started supervisors that took over a running process
	Stopped   int       // Tunnels stopped because their record was deleted
	Unmounted int       // Tunnels stopped because their mount point is gone
	Orphans   int       // Unclaimed tunnel file sets removed
	Failed    int       // Records whose supervisor could not be built
}

// Changed reports whether the poll started or stopped anything.
func (s *Stats) Changed() bool {
	return s.Started+s.Stopped+s.Unmounted+s.Orphans+s.Failed > 0
}

// Duration returns the total poll duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the poll.
func (s *Stats) Summary() string {
	return fmt.Sprintf("records=%d started=%d adopted=%d stopped=%d unmounted=%d orphans=%d failed=%d duration=%s",
		s.Records, s.Started, s.Adopted, s.Stopped, s.Unmounted, s.Orphans, s.Failed, s.Duration())
}
