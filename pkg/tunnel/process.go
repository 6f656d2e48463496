package tunnel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/marmos91/efsmount/internal/logger"
)

// LaunchSpec describes a tunnel process to start.
type LaunchSpec struct {
	// Binary is the tunnel executable
	Binary string

	// ConfigPath is passed as the only argument
	ConfigPath string

	// LogPath receives the combined output (empty sends it to /dev/null)
	LogPath string
}

// Process is a running tunnel process.
type Process interface {
	// PID returns the operating system process id.
	PID() int

	// Done is closed when the process has exited.
	Done() <-chan struct{}

	// Err returns the exit error once Done is closed.
	Err() error

	// Stop asks the process to exit and kills it when ctx expires first.
	// It returns once the process is gone.
	Stop(ctx context.Context) error
}

// Launcher starts tunnel processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher starts tunnel processes with os/exec. Each process gets its
// own process group so that stopping it also stops its children.
type ExecLauncher struct{}

// Launch implements Launcher. The process is not bound to ctx: it lives
// until stopped.
func (ExecLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	cmd := exec.Command(spec.Binary, spec.ConfigPath)
	configureProcessGroup(cmd)

	var logFile *os.File
	if spec.LogPath != "" {
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
		if err != nil {
			return nil, fmt.Errorf("open tunnel log: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("start %s: %w", spec.Binary, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if logFile != nil {
			_ = logFile.Close()
		}
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()

	logger.Debug("Started %s %s (pid %d)", spec.Binary, spec.ConfigPath, cmd.Process.Pid)
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProcess) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := TerminatePID(p.PID()); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Debug("Failed to terminate pid %d: %v", p.PID(), err)
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		logger.Warn("Tunnel process %d did not exit in time, killing it", p.PID())
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill pid %d: %w", p.PID(), err)
		}
		<-p.done
		return nil
	}
}
