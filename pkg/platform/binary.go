package platform

import (
	"fmt"
	"os/exec"
)

// Release identifiers of Amazon Linux 2, which ships stunnel 5 under a
// separate binary name.
const (
	AmazonLinux2PrettyName = "Amazon Linux 2"
	AmazonLinux2ReleaseID  = "Amazon Linux release 2 (Karoo)"
)

// Tunnel binary names.
const (
	StunnelBinary  = "stunnel"
	Stunnel5Binary = "stunnel5"
)

// TunnelBinaryName maps a release string to the tunnel executable name.
//
// Only the two exact Amazon Linux 2 identifiers select stunnel5; any other
// release, including near matches, gets the legacy name.
func TunnelBinaryName(release string) string {
	switch release {
	case AmazonLinux2PrettyName, AmazonLinux2ReleaseID:
		return Stunnel5Binary
	default:
		return StunnelBinary
	}
}

// LookPathFunc resolves an executable name to a path, like exec.LookPath.
type LookPathFunc func(file string) (string, error)

// LocateTunnelBinary resolves the tunnel binary for release on $PATH.
//
// Parameters:
//   - release: Resolved platform release
//   - lookPath: Resolver (nil uses exec.LookPath)
//
// Returns:
//   - string: Absolute path of the binary
//   - error: Binary not installed, with an install hint
func LocateTunnelBinary(release string, lookPath LookPathFunc) (string, error) {
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	name := TunnelBinaryName(release)
	path, err := lookPath(name)
	if err != nil {
		return "", fmt.Errorf("failed to locate %s on PATH (install the %s package to use TLS mounts): %w",
			name, name, err)
	}
	return path, nil
}
