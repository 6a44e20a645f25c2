package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/onnwee/livecheck/registry"
)

// killTimeout bounds the wait after SIGKILL.
const killTimeout = 5 * time.Second

// Starter launches name with args and returns a handle to the running process.
type Starter func(ctx context.Context, name string, args []string) (registry.Process, error)

// execProcess is a child started with os/exec. A single waiter goroutine
// owns cmd.Wait; Poll only peeks at the done channel so it never blocks.
type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	code int
}

// StartExec starts the capture tool in its own process group.
// The child is not bound to ctx; its lifetime is managed by Terminate.
func StartExec(_ context.Context, name string, args []string) (registry.Process, error) {
	cmd := exec.Command(name, args...)
	setProcessGroup(cmd)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.code = exitCode(cmd.Wait())
		close(p.done)
	}()
	return p, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Poll() (bool, int) {
	select {
	case <-p.done:
		return true, p.code
	default:
		return false, 0
	}
}

// Terminate sends SIGTERM to the process group, waits up to grace, then
// sends SIGKILL and waits up to killTimeout.
func (p *execProcess) Terminate(grace time.Duration) error {
	if exited, _ := p.Poll(); exited {
		return nil
	}
	_ = terminateGroup(p.cmd.Process)
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	_ = killGroup(p.cmd.Process)
	select {
	case <-p.done:
		return nil
	case <-time.After(killTimeout):
		return fmt.Errorf("pid %d: %w", p.Pid(), ErrKillFailed)
	}
}
