package watchdog

import (
	"fmt"
	"path/filepath"
	"strings"

	mountutils "k8s.io/mount-utils"
)

// MountedFunc reports whether an NFS file system is mounted at mountPoint.
type MountedFunc func(mountPoint string) (bool, error)

// mountPathEscaper applies the octal escapes the kernel uses for mount
// table paths.
var mountPathEscaper = strings.NewReplacer(`\`, `\134`, " ", `\040`, "\t", `\011`, "\n", `\012`)

// MountTable returns a MountedFunc backed by the mounts mounter lists.
// Only nfs and nfs4 entries count.
func MountTable(mounter mountutils.Interface) MountedFunc {
	return func(mountPoint string) (bool, error) {
		mountPoints, err := mounter.List()
		if err != nil {
			return false, fmt.Errorf("failed to list mounts: %w", err)
		}

		want := filepath.Clean(mountPoint)
		escaped := mountPathEscaper.Replace(want)
		for _, mp := range mountPoints {
			if !strings.HasPrefix(mp.Type, "nfs") {
				continue
			}
			if path := filepath.Clean(mp.Path); path == want || path == escaped {
				return true, nil
			}
		}
		return false, nil
	}
}
