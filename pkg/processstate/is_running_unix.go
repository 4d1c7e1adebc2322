//go:build !windows

package processstate

import (
	"os"
	"syscall"

	"github.com/core-tools/hsu-keeper/pkg/errors"
)

// IsProcessRunning performs a non-blocking liveness check with signal 0.
// A process owned by another user (EPERM) counts as running.
func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}

	// FindProcess always succeeds on Unix
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, errors.NewProcessError("failed to find process", err).WithContext("pid", pid)
	}

	err = proc.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true, nil
	case err == os.ErrProcessDone:
		return false, nil
	}

	errno, ok := err.(syscall.Errno)
	if !ok {
		return false, errors.NewProcessError("failed to check process", err).WithContext("pid", pid)
	}
	switch errno {
	case syscall.ESRCH:
		return false, nil
	case syscall.EPERM:
		return true, nil
	}
	return false, errors.NewProcessError("failed to check process", err).WithContext("pid", pid)
}
