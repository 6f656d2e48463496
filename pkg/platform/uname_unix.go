//go:build unix

package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// kernelPlatform formats uname(2) as <sysname>-<release>-<machine>,
// e.g. "Darwin-23.4.0-arm64".
func kernelPlatform() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", fmt.Errorf("uname: %w", err)
	}

	return fmt.Sprintf("%s-%s-%s",
		unix.ByteSliceToString(uts.Sysname[:]),
		unix.ByteSliceToString(uts.Release[:]),
		unix.ByteSliceToString(uts.Machine[:]),
	), nil
}
