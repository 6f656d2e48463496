package tunnel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/efs"
	"github.com/marmos91/efsmount/pkg/config"
	"github.com/marmos91/efsmount/pkg/credentials"
	"github.com/marmos91/efsmount/pkg/mount"
	"github.com/spf13/afero"
)

// defaultVerifyLevel is stunnel's "verify peer and chain" level.
const defaultVerifyLevel = 2

// StateName returns the name shared by every state file of one mount,
// e.g. "fs-0123abcd.mnt.efs.20049".
func StateName(fileSystemID, mountPoint string, port int) string {
	path := strings.Trim(mountPoint, "/")
	path = strings.ReplaceAll(path, "/", ".")
	if path == "" {
		return fmt.Sprintf("%s.%d", fileSystemID, port)
	}
	return fmt.Sprintf("%s.%s.%d", fileSystemID, path, port)
}

// WriterParams describes the tunnel of one mount.
type WriterParams struct {
	Name         string
	FileSystemID string
	Region       string

	// TargetHost is the mount target DNS name, checked against the server
	// certificate
	TargetHost string

	// AcceptPort is the local port of the tunnel
	AcceptPort int

	Options mount.Options
}

// NewStunnelWriter builds the configuration writer of one mount from the
// configuration file and the mount options.
//
// Options win over configuration items: fips forces FIPS mode, ocsp and
// noocsp override stunnel_check_cert_validity, verify overrides the
// default verify level of 2.
func NewStunnelWriter(fs afero.Fs, cfg *config.Config, p WriterParams) (*StunnelWriter, error) {
	verify := defaultVerifyLevel
	if v, ok := p.Options.Get(mount.OptVerify); ok {
		level, err := strconv.Atoi(v)
		if err != nil || level < 0 {
			return nil, fmt.Errorf("invalid verify level %q", v)
		}
		verify = level
	}

	ocsp := cfg.GetBool(config.SectionMount, config.ItemStunnelCheckCertValidity, false)
	switch {
	case p.Options.Has(mount.OptOCSP):
		ocsp = true
	case p.Options.Has(mount.OptNoOCSP):
		ocsp = false
	}

	var checkHost string
	if cfg.GetBool(config.SectionMount, config.ItemStunnelCheckCertHostname, true) {
		checkHost = p.TargetHost
	}

	logFile, _ := p.Options.Get(mount.OptStunnelLogFile)
	accessPoint, _ := p.Options.Get(mount.OptAccessPoint)

	w := &StunnelWriter{
		Fs:   fs,
		Dir:  cfg.Settings.Mount.StateFileDir,
		Name: p.Name,
		Template: StunnelConfig{
			FIPS:       cfg.FIPSModeEnabled() || p.Options.Has(mount.OptFIPS),
			Debug:      cfg.GetBool(config.SectionMount, config.ItemStunnelDebugEnabled, false),
			LogFile:    logFile,
			AcceptPort: p.AcceptPort,
			Verify:     verify,
			CAFile:     cfg.Settings.Mount.StunnelCAFile,
			CheckHost:  checkHost,
			OCSP:       ocsp,
		},
		IAM:           p.Options.Has(mount.OptIAM),
		FileSystemID:  p.FileSystemID,
		AccessPointID: accessPoint,
		Region:        p.Region,
	}
	w.Template.PIDFile = w.PIDPath()
	return w, nil
}

// ErrNoMountTargetAPI is returned when the mount target fallback is needed
// but no EFS client can be built.
var ErrNoMountTargetAPI = errors.New("no EFS client available for the mount target lookup")

// ClientFactory builds service clients. *credentials.Resolver implements it.
type ClientFactory interface {
	Client(ctx context.Context, service string, opts mount.Options, creds *credentials.CredentialSet) (any, error)
}

// AddressParams describes where the addresses of a mount target come from.
type AddressParams struct {
	Host             string
	FileSystemID     string
	AvailabilityZone string
	Options          mount.Options

	// Resolver resolves Host (nil uses net.DefaultResolver)
	Resolver HostResolver

	// Clients builds the EFS client of the mount target fallback; nil
	// disables the fallback
	Clients ClientFactory

	// Credentials, when set, authenticate the EFS client instead of the
	// session chain
	Credentials *credentials.CredentialSet
}

// NewAddressSource returns the address source of one mount. The EFS client
// is only built when DNS resolution fails and
// fall_back_to_mount_target_ip_address_enabled allows the fallback.
func NewAddressSource(cfg *config.Config, p AddressParams) AddressSource {
	return func(ctx context.Context) ([]string, error) {
		req := AddressRequest{
			Host:             p.Host,
			Resolver:         p.Resolver,
			FileSystemID:     p.FileSystemID,
			AvailabilityZone: p.AvailabilityZone,
		}
		if p.Clients != nil && cfg.FallbackToMountTargetIPEnabled() {
			req.MountTargets = &lazyMountTargets{clients: p.Clients, opts: p.Options, creds: p.Credentials}
		}
		return TargetAddresses(ctx, req)
	}
}

// lazyMountTargets builds the EFS client on first use.
type lazyMountTargets struct {
	clients ClientFactory
	opts    mount.Options
	creds   *credentials.CredentialSet
}

func (l *lazyMountTargets) DescribeMountTargets(ctx context.Context, params *efs.DescribeMountTargetsInput, optFns ...func(*efs.Options)) (*efs.DescribeMountTargetsOutput, error) {
	client, err := l.clients.Client(ctx, "efs", l.opts, l.creds)
	if err != nil {
		return nil, err
	}
	api, ok := client.(MountTargetAPI)
	if !ok {
		return nil, ErrNoMountTargetAPI
	}
	return api.DescribeMountTargets(ctx, params, optFns...)
}
