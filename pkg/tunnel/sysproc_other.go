//go:build !unix

package tunnel

import (
	"os"
	"os/exec"
)

func configureProcessGroup(*exec.Cmd) {}

// TerminatePID kills the process.
func TerminatePID(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

// ProcessAlive reports whether a process with the given pid exists.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}

// KillPID kills the process.
func KillPID(pid int) error {
	return TerminatePID(pid)
}
