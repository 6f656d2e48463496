package watchdog

import (
	"bytes"
	"fmt"
	"path/filepath"
	"time"

	"github.com/marmos91/efsmount/internal/logger"
	"github.com/marmos91/efsmount/pkg/tunnel"
	"github.com/spf13/afero"
)

// AdoptProcess returns the default AdoptFunc. A pid is adopted when the
// process exists and, where /proc is available, its command line names
// the tunnel binary; a recycled pid is never adopted.
func AdoptProcess(fs afero.Fs, pollInterval time.Duration) AdoptFunc {
	return func(pid int, binary string) (tunnel.Process, bool) {
		if !tunnel.ProcessAlive(pid) {
			return nil, false
		}

		if binary != "" {
			cmdline, err := afero.ReadFile(fs, fmt.Sprintf("/proc/%d/cmdline", pid))
			if err == nil && !bytes.Contains(cmdline, []byte(filepath.Base(binary))) {
				logger.Warn("Process %d is not a tunnel (%q), not adopting it", pid, bytes.ReplaceAll(cmdline, []byte{0}, []byte{' '}))
				return nil, false
			}
		}

		return tunnel.AdoptPID(pid, pollInterval), true
	}
}
