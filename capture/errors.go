package capture

import (
	"errors"
	"fmt"
)

// ErrKillFailed is returned when a process survives SIGKILL past the kill timeout.
var ErrKillFailed = errors.New("capture: process did not exit after kill")

// ExitClass groups capture process exit codes.
type ExitClass int

const (
	// ExitClean is a normal end of stream.
	ExitClean ExitClass = iota
	// ExitInterrupted means the process was stopped by a signal (ours or the user's).
	ExitInterrupted
	// ExitFailed is any other non-zero exit.
	ExitFailed
)

// String returns a human-readable name for the exit class.
func (c ExitClass) String() string {
	switch c {
	case ExitClean:
		return "ok"
	case ExitInterrupted:
		return "interrupted"
	default:
		return "error"
	}
}

// ClassifyExit maps an exit code to its class. -1 is what os/exec reports
// for a signaled process; 130 and 143 are shells' SIGINT/SIGTERM codes.
func ClassifyExit(code int) ExitClass {
	switch code {
	case 0:
		return ExitClean
	case -1, 130, 143:
		return ExitInterrupted
	default:
		return ExitFailed
	}
}

// ProcessError describes a capture process that ended with a non-zero code.
// It is reported in logs; it never stops the control loop.
type ProcessError struct {
	Login string
	Code  int
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("capture for %s exited with code %d (%s)", e.Login, e.Code, ClassifyExit(e.Code))
}
