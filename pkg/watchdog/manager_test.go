package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/efsmount/pkg/config"
	"github.com/marmos91/efsmount/pkg/tunnel"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeProcess struct {
	pid     int
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	stopped bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return nil }

func (p *fakeProcess) Stop(context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *fakeProcess) wasStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

type fakeLauncher struct {
	mu        sync.Mutex
	processes []*fakeProcess
}

func (l *fakeLauncher) Launch(context.Context, tunnel.LaunchSpec) (tunnel.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := newFakeProcess(1000 + len(l.processes))
	l.processes = append(l.processes, p)
	return p, nil
}

func (l *fakeLauncher) launched() []*fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeProcess(nil), l.processes...)
}

type okProber struct{}

func (okProber) Probe(context.Context, int) error { return nil }

type nopWriter struct{}

func (nopWriter) Write(context.Context, tunnel.ConfigRequest) (string, error) {
	return "/var/run/efs/stunnel-config.test", nil
}
func (nopWriter) Remove() error { return nil }

type fakeFactory struct {
	launcher *fakeLauncher
	err      error
}

func (f *fakeFactory) Build(_ context.Context, rec Record) (tunnel.SupervisorConfig, error) {
	if f.err != nil {
		return tunnel.SupervisorConfig{}, f.err
	}
	return tunnel.SupervisorConfig{
		Mount: tunnel.Mount{
			ID:           rec.ID,
			MountPoint:   rec.MountPoint,
			FileSystemID: rec.FileSystemID,
			Port:         rec.Port,
		},
		Binary:    rec.Binary,
		Settings:  fastSettings(),
		Launcher:  f.launcher,
		Prober:    okProber{},
		Writer:    nopWriter{},
		Addresses: func(context.Context) ([]string, error) { return rec.Addresses, nil },
	}, nil
}

func fastSettings() config.WatchdogConfig {
	return config.WatchdogConfig{
		PollInterval:        time.Hour,
		HealthCheckInterval: 5 * time.Millisecond,
		ProbeTimeout:        50 * time.Millisecond,
		StartupTimeout:      200 * time.Millisecond,
		UnhealthyThreshold:  2,
		MaxRestarts:         3,
		RestartBackoff:      time.Millisecond,
		RestartBackoffMax:   2 * time.Millisecond,
	}
}

type adoptions struct {
	mu    sync.Mutex
	alive map[int]*fakeProcess
	asked []int
}

func (a *adoptions) adopt(pid int, _ string) (tunnel.Process, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.asked = append(a.asked, pid)
	p, ok := a.alive[pid]
	if !ok {
		return nil, false
	}
	return p, true
}

type managerHarness struct {
	fs       afero.Fs
	store    *RecordStore
	launcher *fakeLauncher
	factory  *fakeFactory
	adopt    *adoptions
	history  *History
	manager  *Manager

	mu      sync.Mutex
	mounted map[string]bool
	helpers map[int]bool
}

func newManagerHarness(t *testing.T, modify func(*ManagerConfig)) *managerHarness {
	t.Helper()

	fs := afero.NewMemMapFs()
	h := &managerHarness{
		fs:       fs,
		store:    NewRecordStore(fs, stateDir),
		launcher: &fakeLauncher{},
		adopt:    &adoptions{alive: map[int]*fakeProcess{}},
		history:  openTestHistory(t, 0),
		mounted:  map[string]bool{},
		helpers:  map[int]bool{},
	}
	h.factory = &fakeFactory{launcher: h.launcher}

	cfg := ManagerConfig{
		Store:   h.store,
		Factory: h.factory,
		History: h.history,
		Mounted: func(mountPoint string) (bool, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			mounted, ok := h.mounted[mountPoint]
			return !ok || mounted, nil
		},
		Adopt: h.adopt.adopt,
		Alive: func(pid int) bool {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.helpers[pid]
		},
		Settings:     fastSettings(),
		UnmountPolls: 2,
	}
	if modify != nil {
		modify(&cfg)
	}

	h.manager = NewManager(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.manager.Stop(ctx)
	})
	return h
}

func (h *managerHarness) setMounted(mountPoint string, mounted bool) {
	h.mu.Lock()
	h.mounted[mountPoint] = mounted
	h.mu.Unlock()
}

func (h *managerHarness) runNow(t *testing.T) *Stats {
	t.Helper()
	stats, err := h.manager.RunNow(context.Background())
	require.NoError(t, err)
	return stats
}

func (h *managerHarness) waitForState(t *testing.T, id string, state tunnel.State) tunnel.Status {
	t.Helper()
	var st tunnel.Status
	require.Eventually(t, func() bool {
		var ok bool
		st, ok = h.manager.Status(id)
		return ok && st.State == state
	}, 2*time.Second, time.Millisecond, "tunnel %s never reached %s", id, state)
	return st
}

// ============================================================================
// Tests
// ============================================================================

func TestManager_StartsAndStopsWithRecord(t *testing.T) {
	h := newManagerHarness(t, nil)

	rec := testRecord("/mnt/efs", 20049)
	require.NoError(t, h.store.Save(rec))

	stats := h.runNow(t)
	assert.Equal(t, 1, stats.Records)
	assert.Equal(t, 1, stats.Started)
	assert.Zero(t, stats.Adopted)

	st := h.waitForState(t, rec.ID, tunnel.Running)
	assert.Equal(t, 1000, st.PID)
	assert.Len(t, h.manager.Statuses(), 1)

	again := h.runNow(t)
	assert.False(t, again.Changed(), "a supervised record is left alone")

	require.NoError(t, h.store.Delete(rec.ID))
	stats = h.runNow(t)
	assert.Equal(t, 1, stats.Stopped)
	assert.Empty(t, h.manager.Statuses())
	assert.True(t, h.launcher.launched()[0].wasStopped(), "unmount stops the tunnel process")
}

func TestManager_AdoptsRunningProcess(t *testing.T) {
	h := newManagerHarness(t, nil)
	proc := newFakeProcess(4242)
	h.adopt.alive[4242] = proc

	rec := testRecord("/mnt/efs", 20049)
	rec.PID = 4242
	require.NoError(t, h.store.Save(rec))

	stats := h.runNow(t)
	assert.Equal(t, 1, stats.Adopted)

	st := h.waitForState(t, rec.ID, tunnel.Running)
	assert.Equal(t, 4242, st.PID)
	assert.Empty(t, h.launcher.launched(), "an adopted tunnel is not launched")
}

func TestManager_DeadProcessIsRelaunched(t *testing.T) {
	h := newManagerHarness(t, nil)

	rec := testRecord("/mnt/efs", 20049)
	rec.PID = 4242
	require.NoError(t, h.store.Save(rec))

	stats := h.runNow(t)
	assert.Zero(t, stats.Adopted)
	assert.Equal(t, []int{4242}, h.adopt.asked)

	h.waitForState(t, rec.ID, tunnel.Running)
	require.Len(t, h.launcher.launched(), 1)

	require.Eventually(t, func() bool {
		saved, err := h.store.Load(rec.ID)
		return err == nil && saved.PID == 1000
	}, 2*time.Second, time.Millisecond, "the record follows the relaunched process")
}

func TestManager_UnmountedMountIsTornDown(t *testing.T) {
	h := newManagerHarness(t, nil)

	rec := testRecord("/mnt/efs", 20049)
	require.NoError(t, h.store.Save(rec))
	h.runNow(t)
	h.waitForState(t, rec.ID, tunnel.Running)

	h.setMounted("/mnt/efs", false)
	stats := h.runNow(t)
	assert.Zero(t, stats.Unmounted, "one missing poll is not enough")

	h.setMounted("/mnt/efs", true)
	h.runNow(t)
	h.setMounted("/mnt/efs", false)
	stats = h.runNow(t)
	assert.Zero(t, stats.Unmounted, "the count restarts after the mount reappears")

	stats = h.runNow(t)
	assert.Equal(t, 1, stats.Unmounted)
	assert.Empty(t, h.manager.Statuses())

	_, err := h.store.Load(rec.ID)
	assert.Error(t, err, "the record of an unmounted tunnel is deleted")
}

func TestManager_FactoryFailure(t *testing.T) {
	h := newManagerHarness(t, nil)
	h.factory.err = errors.New("the profile \"ghost\" could not be found")

	require.NoError(t, h.store.Save(testRecord("/mnt/efs", 20049)))

	stats := h.runNow(t)
	assert.Equal(t, 1, stats.Failed)
	assert.Empty(t, h.manager.Statuses())

	h.factory.err = nil
	stats = h.runNow(t)
	assert.Equal(t, 1, stats.Started, "a failed record is retried on the next poll")
}

func TestManager_RecordsHistory(t *testing.T) {
	h := newManagerHarness(t, nil)

	rec := testRecord("/mnt/efs", 20049)
	require.NoError(t, h.store.Save(rec))
	h.runNow(t)
	h.waitForState(t, rec.ID, tunnel.Running)

	require.Eventually(t, func() bool {
		entries, err := h.manager.History(rec.ID, 0)
		return err == nil && len(entries) >= 1
	}, 2*time.Second, time.Millisecond)

	entries, err := h.manager.History(rec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, tunnel.Starting, entries[0].From)
	assert.Equal(t, tunnel.Running, entries[0].To)

	require.NoError(t, h.store.Delete(rec.ID))
	h.runNow(t)

	entries, err = h.manager.History(rec.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, entries, "history is dropped with the tunnel")
}

func TestManager_SweepsOrphanedTunnelFiles(t *testing.T) {
	now := time.Now()
	h := newManagerHarness(t, func(cfg *ManagerConfig) {
		cfg.Now = func() time.Time { return now.Add(2 * time.Hour) }
	})

	orphan := newFakeProcess(5151)
	h.adopt.alive[5151] = orphan

	require.NoError(t, afero.WriteFile(h.fs, stateDir+"/stunnel-config.fs-9.mnt.old.20099", []byte("[efs]\n"), 0600))
	require.NoError(t, afero.WriteFile(h.fs, stateDir+"/stunnel-pid.fs-9.mnt.old.20099", []byte("5151\n"), 0600))
	require.NoError(t, h.fs.MkdirAll(stateDir+"/fs-9.mnt.old.20099+", 0700))

	rec := testRecord("/mnt/efs", 20049)
	require.NoError(t, h.store.Save(rec))
	require.NoError(t, afero.WriteFile(h.fs, stateDir+"/stunnel-config."+rec.TunnelName(), []byte("[efs]\n"), 0600))

	stats := h.runNow(t)
	assert.Equal(t, 1, stats.Orphans)
	assert.True(t, orphan.wasStopped())

	for _, path := range []string{
		stateDir + "/stunnel-config.fs-9.mnt.old.20099",
		stateDir + "/stunnel-pid.fs-9.mnt.old.20099",
		stateDir + "/fs-9.mnt.old.20099+",
	} {
		exists, err := afero.Exists(h.fs, path)
		require.NoError(t, err)
		assert.False(t, exists, "%s should be removed", path)
	}

	exists, err := afero.Exists(h.fs, stateDir+"/stunnel-config."+rec.TunnelName())
	require.NoError(t, err)
	assert.True(t, exists, "claimed tunnel files are kept")
}

func TestManager_KeepsYoungUnclaimedFiles(t *testing.T) {
	h := newManagerHarness(t, nil)
	require.NoError(t, afero.WriteFile(h.fs, stateDir+"/stunnel-config.fs-9.mnt.new.20099", []byte("[efs]\n"), 0600))

	stats := h.runNow(t)
	assert.Zero(t, stats.Orphans, "a mount in progress has no record yet")
}

func TestManager_PendingRecordWaitsForHelper(t *testing.T) {
	h := newManagerHarness(t, nil)
	h.helpers[777] = true
	tunnelProc := newFakeProcess(4242)
	h.adopt.alive[4242] = tunnelProc

	rec := testRecord("/mnt/efs", 20049)
	rec.PID = 4242
	rec.Pending = true
	rec.HelperPID = 777
	require.NoError(t, h.store.Save(rec))
	configPath := stateDir + "/stunnel-config." + rec.TunnelName()
	require.NoError(t, afero.WriteFile(h.fs, configPath, []byte("[efs]\n"), 0600))

	stats := h.runNow(t)
	assert.Zero(t, stats.Started)
	assert.Zero(t, stats.Orphans)
	assert.Empty(t, h.manager.Statuses())
	assert.False(t, tunnelProc.wasStopped())
	exists, err := afero.Exists(h.fs, configPath)
	require.NoError(t, err)
	assert.True(t, exists, "a mount in progress keeps its tunnel files")

	rec.Pending = false
	rec.HelperPID = 0
	require.NoError(t, h.store.Save(rec))

	stats = h.runNow(t)
	assert.Equal(t, 1, stats.Adopted, "the finished mount is handed over")
	h.waitForState(t, rec.ID, tunnel.Running)
}

func TestManager_PendingRecordOfDeadHelperIsSwept(t *testing.T) {
	now := time.Now()
	h := newManagerHarness(t, func(cfg *ManagerConfig) {
		cfg.Now = func() time.Time { return now.Add(2 * time.Hour) }
	})
	tunnelProc := newFakeProcess(4242)
	h.adopt.alive[4242] = tunnelProc

	rec := testRecord("/mnt/efs", 20049)
	rec.PID = 4242
	rec.Pending = true
	rec.HelperPID = 777
	require.NoError(t, h.store.Save(rec))
	configPath := stateDir + "/stunnel-config." + rec.TunnelName()
	require.NoError(t, afero.WriteFile(h.fs, configPath, []byte("[efs]\n"), 0600))

	stats := h.runNow(t)
	assert.Equal(t, 1, stats.Orphans)
	assert.Zero(t, stats.Started)
	assert.True(t, tunnelProc.wasStopped())

	exists, err := afero.Exists(h.fs, configPath)
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = h.store.Load(rec.ID)
	assert.Error(t, err, "the abandoned record is deleted")
}

func TestManager_StopDetachesTunnels(t *testing.T) {
	h := newManagerHarness(t, nil)

	rec := testRecord("/mnt/efs", 20049)
	require.NoError(t, h.store.Save(rec))
	h.runNow(t)
	h.waitForState(t, rec.ID, tunnel.Running)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.manager.Stop(ctx))

	assert.False(t, h.launcher.launched()[0].wasStopped(), "tunnels survive a watchdog shutdown")
	_, err := h.store.Load(rec.ID)
	assert.NoError(t, err, "records survive a watchdog shutdown")

	_, err = h.manager.RunNow(context.Background())
	assert.Error(t, err, "a stopped manager does not reconcile")
}

func TestManager_StartPollsInBackground(t *testing.T) {
	h := newManagerHarness(t, nil)

	rec := testRecord("/mnt/efs", 20049)
	require.NoError(t, h.store.Save(rec))

	h.manager.Start()
	h.waitForState(t, rec.ID, tunnel.Running)
}

func TestStats_Summary(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &Stats{StartTime: start, EndTime: start.Add(time.Second), Records: 2, Started: 1}

	assert.True(t, s.Changed())
	assert.Equal(t, time.Second, s.Duration())
	assert.Contains(t, s.Summary(), "records=2 started=1")
}
