//go:build unix

package capture

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup makes the child a group leader so its own children
// (ffmpeg, helper threads) are signalled together with it.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func terminateGroup(p *os.Process) error { return signalGroup(p, syscall.SIGTERM) }

func killGroup(p *os.Process) error { return signalGroup(p, syscall.SIGKILL) }

func signalGroup(p *os.Process, sig syscall.Signal) error {
	// Negative pid addresses the whole group; pgid == pid because of Setpgid.
	err := syscall.Kill(-p.Pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return p.Signal(sig)
}
