package tunnel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/marmos91/efsmount/internal/logger"
)

// defaultAdoptPoll is how often an adopted process is checked for exit.
const defaultAdoptPoll = time.Second

// AdoptPID wraps a tunnel process this program did not start, typically
// the one launched by the mount helper. Its exit is detected by polling.
func AdoptPID(pid int, pollInterval time.Duration) Process {
	if pollInterval <= 0 {
		pollInterval = defaultAdoptPoll
	}

	p := &adoptedProcess{pid: pid, poll: pollInterval, done: make(chan struct{})}
	go p.watch()
	return p
}

type adoptedProcess struct {
	pid  int
	poll time.Duration
	done chan struct{}
	once sync.Once
}

func (p *adoptedProcess) watch() {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		if !ProcessAlive(p.pid) {
			p.finish()
			return
		}
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
	}
}

func (p *adoptedProcess) finish() {
	p.once.Do(func() { close(p.done) })
}

func (p *adoptedProcess) PID() int {
	return p.pid
}

func (p *adoptedProcess) Done() <-chan struct{} {
	return p.done
}

// Err is always nil: the exit status of a process we are not the parent
// of is not observable.
func (p *adoptedProcess) Err() error {
	return nil
}

func (p *adoptedProcess) Stop(ctx context.Context) error {
	if !ProcessAlive(p.pid) {
		p.finish()
		return nil
	}

	if err := TerminatePID(p.pid); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Debug("Failed to terminate pid %d: %v", p.pid, err)
	}

	ticker := time.NewTicker(min(p.poll, 50*time.Millisecond))
	defer ticker.Stop()

	for {
		if !ProcessAlive(p.pid) {
			p.finish()
			return nil
		}
		select {
		case <-ctx.Done():
			logger.Warn("Tunnel process %d did not exit in time, killing it", p.pid)
			if err := KillPID(p.pid); err != nil && ProcessAlive(p.pid) {
				return fmt.Errorf("kill pid %d: %w", p.pid, err)
			}
			p.finish()
			return nil
		case <-ticker.C:
		}
	}
}
