package watchdog

import (
	"context"
	"fmt"

	"github.com/marmos91/efsmount/internal/logger"
	"github.com/marmos91/efsmount/pkg/config"
	"github.com/marmos91/efsmount/pkg/credentials"
	"github.com/marmos91/efsmount/pkg/mount"
	"github.com/marmos91/efsmount/pkg/tunnel"
	"github.com/spf13/afero"
)

// Factory turns a handoff record into the configuration of its supervisor.
// The manager fills in the callbacks, the metrics and the adopted process.
type Factory interface {
	Build(ctx context.Context, rec Record) (tunnel.SupervisorConfig, error)
}

// TunnelFactory is the production Factory: stunnel configuration on disk,
// credentials from the resolver and health probes over TCP.
type TunnelFactory struct {
	Config *config.Config
	Fs     afero.Fs

	// Credentials resolves IAM credentials and builds the EFS client of the
	// mount target fallback
	Credentials *credentials.Resolver

	// Resolver resolves mount target names (nil uses net.DefaultResolver)
	Resolver tunnel.HostResolver

	// Launcher and Prober default to ExecLauncher and NetProber
	Launcher tunnel.Launcher
	Prober   tunnel.Prober
}

// Build implements Factory.
func (f *TunnelFactory) Build(ctx context.Context, rec Record) (tunnel.SupervisorConfig, error) {
	opts := mount.ParseOptions(rec.Options)

	writer, err := tunnel.NewStunnelWriter(f.Fs, f.Config, tunnel.WriterParams{
		Name:         rec.TunnelName(),
		FileSystemID: rec.FileSystemID,
		Region:       rec.Region,
		TargetHost:   rec.TargetHost,
		AcceptPort:   rec.Port,
		Options:      opts,
	})
	if err != nil {
		return tunnel.SupervisorConfig{}, err
	}

	var initial credentials.CredentialSet
	if rec.IAM && f.Credentials != nil {
		initial, err = f.Credentials.Resolve(ctx, opts)
		if err != nil {
			return tunnel.SupervisorConfig{}, fmt.Errorf("resolve credentials of %s: %w", rec.MountPoint, err)
		}
	}

	addressParams := tunnel.AddressParams{
		Host:             rec.TargetHost,
		FileSystemID:     rec.FileSystemID,
		AvailabilityZone: rec.AZ,
		Options:          opts,
		Resolver:         f.Resolver,
	}
	if f.Credentials != nil {
		addressParams.Clients = f.Credentials
		if initial.Source == credentials.SourceECS || initial.Source == credentials.SourceInstance {
			addressParams.Credentials = &initial
		}
	}

	cfg := tunnel.SupervisorConfig{
		Mount: tunnel.Mount{
			ID:           rec.ID,
			MountPoint:   rec.MountPoint,
			FileSystemID: rec.FileSystemID,
			Port:         rec.Port,
			Options:      opts,
		},
		Binary:    rec.Binary,
		LogPath:   rec.LogPath,
		Settings:  f.Config.Settings.Watchdog,
		Launcher:  f.Launcher,
		Prober:    f.prober(),
		Writer:    writer,
		Addresses: f.addresses(opts, addressParams, rec),
		Initial:   initial,
	}
	if f.Credentials != nil {
		cfg.Credentials = f.Credentials
	}
	return cfg, nil
}

// addresses pins the tunnel to the mounttargetip option when present;
// otherwise the mount target is resolved again on every restart.
func (f *TunnelFactory) addresses(opts mount.Options, params tunnel.AddressParams, rec Record) tunnel.AddressSource {
	if ip, ok := opts.Get(mount.OptMountTargetIP); ok && ip != "" {
		return func(context.Context) ([]string, error) { return []string{ip}, nil }
	}
	return withRecordedAddresses(tunnel.NewAddressSource(f.Config, params), rec)
}

func (f *TunnelFactory) prober() tunnel.Prober {
	if f.Prober != nil {
		return f.Prober
	}
	return &tunnel.NetProber{
		Timeout: f.Config.Settings.Watchdog.ProbeTimeout,
		RPC:     f.Config.GetBool(config.SectionWatchdog, config.ItemRPCProbeEnabled, false),
	}
}

// withRecordedAddresses falls back to the addresses resolved at mount time
// when the mount target no longer resolves.
func withRecordedAddresses(resolve tunnel.AddressSource, rec Record) tunnel.AddressSource {
	return func(ctx context.Context) ([]string, error) {
		addrs, err := resolve(ctx)
		if err != nil && len(rec.Addresses) > 0 {
			logger.Warn("Resolving %s failed, using the addresses recorded at mount time: %v", rec.TargetHost, err)
			return rec.Addresses, nil
		}
		return addrs, err
	}
}
