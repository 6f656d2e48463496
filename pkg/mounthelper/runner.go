package mounthelper

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/marmos91/efsmount/internal/logger"
	"github.com/marmos91/efsmount/pkg/mount"
	mountutils "k8s.io/mount-utils"
)

// NFS client defaults applied unless the caller set them.
const (
	defaultNFSVersion = "4.1"
	defaultIOSize     = "1048576"
	defaultTimeo      = "600"
	defaultRetrans    = "2"
)

// Runner performs the NFS mount itself.
type Runner interface {
	Run(ctx context.Context, source, target string, opts mount.Options) error
}

// MountUtilsRunner mounts through mount(8) by way of a mount-utils mounter.
type MountUtilsRunner struct {
	// Mounter performs the mount (default: mountutils.New(""))
	Mounter mountutils.Interface
}

// Run implements Runner.
func (r MountUtilsRunner) Run(_ context.Context, source, target string, opts mount.Options) error {
	mounter := r.Mounter
	if mounter == nil {
		mounter = mountutils.New("")
	}

	var options []string
	if s := opts.String(); s != "" {
		options = strings.Split(s, ",")
	}
	logger.Debug("Mounting %s on %s (type nfs4, options %s)", source, target, opts)

	if err := mounter.MountSensitiveWithoutSystemd(source, target, "nfs4", options, nil); err != nil {
		return fmt.Errorf("mount %s on %s: %w", source, target, err)
	}
	return nil
}

// NFSSource is the mount(8) source of path on host. IPv6 hosts are
// bracketed so that mount.nfs splits the source at the right colon.
func NFSSource(host, path string) string {
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return "[" + host + "]:" + path
	}
	return host + ":" + path
}

// NFSOptions derives the options handed to the NFS client: the helper's own
// options are removed and the client defaults filled in. A positive
// tunnelPort points the client at the local end of the tunnel.
func NFSOptions(opts mount.Options, tunnelPort int) mount.Options {
	out := opts.Without(mount.HelperOptions...)

	if !out.Has("nfsvers") && !out.Has("vers") {
		out["nfsvers"] = defaultNFSVersion
	}
	setDefault(out, "rsize", defaultIOSize)
	setDefault(out, "wsize", defaultIOSize)
	if !out.Has("soft") && !out.Has("hard") {
		out["hard"] = ""
	}
	setDefault(out, "timeo", defaultTimeo)
	setDefault(out, "retrans", defaultRetrans)
	out["noresvport"] = ""

	if tunnelPort > 0 {
		out[mount.OptPort] = fmt.Sprint(tunnelPort)
	}
	return out
}

func setDefault(opts mount.Options, name, value string) {
	if !opts.Has(name) {
		opts[name] = value
	}
}
