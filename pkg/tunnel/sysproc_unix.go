//go:build unix

package tunnel

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// TerminatePID sends SIGTERM to the process group led by pid.
func TerminatePID(pid int) error {
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		return unix.Kill(pid, unix.SIGTERM)
	}
	return nil
}

// ProcessAlive reports whether a process with the given pid exists.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// KillPID sends SIGKILL to the process group led by pid.
func KillPID(pid int) error {
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		return unix.Kill(pid, unix.SIGKILL)
	}
	return nil
}
