// Package mounthelper performs one mount: it resolves the mount target,
// starts the encrypted tunnel when tls is requested, mounts through it and
// hands the tunnel over to the watchdog.
package mounthelper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/marmos91/efsmount/internal/logger"
	"github.com/marmos91/efsmount/pkg/config"
	"github.com/marmos91/efsmount/pkg/credentials"
	"github.com/marmos91/efsmount/pkg/mount"
	"github.com/marmos91/efsmount/pkg/platform"
	"github.com/marmos91/efsmount/pkg/tunnel"
	"github.com/marmos91/efsmount/pkg/watchdog"
	"github.com/spf13/afero"
)

// ErrNoCredentials is returned when an IAM mount finds no credentials.
var ErrNoCredentials = errors.New("iam mounts require credentials, but none were found")

// defaultProbeInterval is the delay between readiness probes of a new tunnel.
const defaultProbeInterval = 100 * time.Millisecond

// Request is one mount invocation.
type Request struct {
	// Device is the mount source, "fs-id[:/path]"
	Device string

	// MountPoint is the local directory to mount on
	MountPoint string

	// Options is the raw -o option string
	Options string
}

// Helper mounts file systems. Every dependency except Config has a
// production default.
type Helper struct {
	Config      *config.Config
	Credentials *credentials.Resolver

	// Fs holds the state directory (default: OS filesystem)
	Fs afero.Fs

	// Platform selects the tunnel binary (default: host detector)
	Platform *platform.Detector
	LookPath platform.LookPathFunc

	Resolver tunnel.HostResolver
	Listen   tunnel.ListenFunc
	Launcher tunnel.Launcher
	Prober   tunnel.Prober
	Runner   Runner

	// Records receives the watchdog handoff (default: state_file_dir)
	Records *watchdog.RecordStore

	// ProbeInterval is the delay between readiness probes (default: 100ms)
	ProbeInterval time.Duration

	// Getpid identifies the helper in pending records (default: os.Getpid)
	Getpid func() int
}

func (h *Helper) applyDefaults() {
	if h.Fs == nil {
		h.Fs = afero.NewOsFs()
	}
	if h.Credentials == nil {
		h.Credentials = credentials.NewResolver(h.Config, nil, nil, nil)
	}
	if h.Platform == nil {
		h.Platform = platform.NewDetector(platform.DetectorConfig{Fs: h.Fs})
	}
	if h.Launcher == nil {
		h.Launcher = tunnel.ExecLauncher{}
	}
	if h.Prober == nil {
		h.Prober = &tunnel.NetProber{Timeout: h.Config.Settings.Watchdog.ProbeTimeout}
	}
	if h.Runner == nil {
		h.Runner = MountUtilsRunner{}
	}
	if h.Records == nil {
		h.Records = watchdog.NewRecordStore(h.Fs, h.Config.Settings.Mount.StateFileDir)
	}
	if h.ProbeInterval <= 0 {
		h.ProbeInterval = defaultProbeInterval
	}
	if h.Getpid == nil {
		h.Getpid = os.Getpid
	}
}

// Mount performs req.
//
// Returns:
//   - error: *credentials.ProfileNotFoundError when the awsprofile option
//     names a missing profile; any other error is a failed mount
func (h *Helper) Mount(ctx context.Context, req Request) error {
	h.applyDefaults()

	device, err := mount.ParseDevice(req.Device)
	if err != nil {
		return err
	}
	opts := mount.ParseOptions(req.Options)
	if err := opts.Validate(); err != nil {
		return err
	}

	region, err := h.Credentials.Region(ctx, opts)
	if err != nil {
		return err
	}

	var creds credentials.CredentialSet
	if opts.Has(mount.OptIAM) {
		creds, err = h.Credentials.Resolve(ctx, opts)
		if err != nil {
			return err
		}
		if creds.IsEmpty() {
			return ErrNoCredentials
		}
	}

	az, _ := opts.Get(mount.OptAZ)
	host := mount.MountTargetDNSName(device.FileSystemID, region, az)

	addrs, err := h.addresses(ctx, device, host, opts, creds)
	if err != nil {
		return err
	}

	if !opts.Has(mount.OptTLS) {
		source := NFSSource(addrs[0], device.Path)
		logger.Info("Mounting %s on %s without TLS", source, req.MountPoint)
		return h.Runner.Run(ctx, source, req.MountPoint, NFSOptions(opts, 0))
	}

	return h.mountTLS(ctx, mountTLS{
		req:    req,
		device: device,
		opts:   opts,
		region: region,
		host:   host,
		addrs:  addrs,
		creds:  creds,
	})
}

func (h *Helper) addresses(ctx context.Context, device mount.Device, host string, opts mount.Options, creds credentials.CredentialSet) ([]string, error) {
	if ip, ok := opts.Get(mount.OptMountTargetIP); ok && ip != "" {
		return []string{ip}, nil
	}

	az, _ := opts.Get(mount.OptAZ)
	params := tunnel.AddressParams{
		Host:             host,
		FileSystemID:     device.FileSystemID,
		AvailabilityZone: az,
		Options:          opts,
		Resolver:         h.Resolver,
		Clients:          h.Credentials,
	}
	if creds.Source == credentials.SourceECS || creds.Source == credentials.SourceInstance {
		params.Credentials = &creds
	}
	return tunnel.NewAddressSource(h.Config, params)(ctx)
}

type mountTLS struct {
	req    Request
	device mount.Device
	opts   mount.Options
	region string
	host   string
	addrs  []string
	creds  credentials.CredentialSet
}

func (h *Helper) mountTLS(ctx context.Context, m mountTLS) error {
	mountCfg := h.Config.Settings.Mount

	port, err := m.opts.Int(mount.OptTLSPort, 0)
	if err != nil {
		return err
	}
	if port == 0 {
		port, err = tunnel.ChoosePort(mountCfg.PortRangeLowerBound, mountCfg.PortRangeUpperBound, h.Listen)
		if err != nil {
			return err
		}
	}

	binary, err := platform.LocateTunnelBinary(h.Platform.SystemReleaseVersion(), h.LookPath)
	if err != nil {
		return err
	}

	rec := watchdog.NewRecord()
	rec.MountPoint = m.req.MountPoint
	rec.FileSystemID = m.device.FileSystemID
	rec.Region = m.region
	rec.AZ = m.opts[mount.OptAZ]
	rec.AccessPointID = m.opts[mount.OptAccessPoint]
	rec.TargetHost = m.host
	rec.Addresses = m.addrs
	rec.Port = port
	rec.Options = m.opts.String()
	rec.IAM = m.opts.Has(mount.OptIAM)
	rec.Binary = binary
	rec.LogPath = tunnel.LogPath(mountCfg.StateFileDir, rec.TunnelName())

	writer, err := tunnel.NewStunnelWriter(h.Fs, h.Config, tunnel.WriterParams{
		Name:         rec.TunnelName(),
		FileSystemID: rec.FileSystemID,
		Region:       rec.Region,
		TargetHost:   rec.TargetHost,
		AcceptPort:   port,
		Options:      m.opts,
	})
	if err != nil {
		return err
	}

	configPath, err := writer.Write(ctx, tunnel.ConfigRequest{
		Credentials:    m.creds,
		ConnectAddress: tunnel.ConnectAddress(m.addrs[0], mount.DefaultNFSPort),
	})
	if err != nil {
		return err
	}

	proc, err := h.Launcher.Launch(ctx, tunnel.LaunchSpec{Binary: binary, ConfigPath: configPath, LogPath: rec.LogPath})
	if err != nil {
		h.cleanup(nil, writer)
		return err
	}

	if err := h.awaitTunnel(ctx, proc, port); err != nil {
		h.cleanup(proc, writer)
		return err
	}
	rec.PID = proc.PID()

	// The pending record claims the tunnel files while mount(8) runs
	rec.Pending = true
	rec.HelperPID = h.Getpid()
	if err := h.Records.Save(rec); err != nil {
		logger.Warn("Failed to record the tunnel of %s as pending: %v", m.req.MountPoint, err)
	}

	source := "127.0.0.1:" + m.device.Path
	logger.Info("Mounting %s on %s through the tunnel on port %d (pid %d)", m.device, m.req.MountPoint, port, rec.PID)
	if err := h.Runner.Run(ctx, source, m.req.MountPoint, NFSOptions(m.opts, port)); err != nil {
		h.cleanup(proc, writer)
		if delErr := h.Records.Delete(rec.ID); delErr != nil {
			logger.Warn("Failed to delete the pending record of %s: %v", m.req.MountPoint, delErr)
		}
		return err
	}

	if !h.Config.GetBool(config.SectionWatchdog, config.ItemWatchdogEnabled, true) {
		logger.Warn("The watchdog is disabled; the tunnel of %s will not be supervised", m.req.MountPoint)
	}
	rec.Pending = false
	rec.HelperPID = 0
	if err := h.Records.Save(rec); err != nil {
		logger.Error("Failed to hand the tunnel of %s over to the watchdog: %v", m.req.MountPoint, err)
	}
	return nil
}

// awaitTunnel probes the new tunnel until it accepts connections, the
// process exits or startup_timeout passes.
func (h *Helper) awaitTunnel(ctx context.Context, proc tunnel.Process, port int) error {
	timeout := h.Config.Settings.Watchdog.StartupTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(h.ProbeInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = h.Prober.Probe(ctx, port); lastErr == nil {
			return nil
		}

		select {
		case <-proc.Done():
			return fmt.Errorf("tunnel process %d exited during startup: %v", proc.PID(), proc.Err())
		case <-ctx.Done():
			return fmt.Errorf("tunnel did not accept connections within %s: %w", timeout, lastErr)
		case <-ticker.C:
		}
	}
}

func (h *Helper) cleanup(proc tunnel.Process, writer *tunnel.StunnelWriter) {
	if proc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := proc.Stop(ctx); err != nil {
			logger.Warn("Failed to stop tunnel process %d: %v", proc.PID(), err)
		}
		cancel()
	}
	if err := writer.Remove(); err != nil {
		logger.Warn("Failed to remove tunnel files: %v", err)
	}
}
