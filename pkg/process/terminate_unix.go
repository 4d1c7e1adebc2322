//go:build !windows

package process

import (
	"syscall"
	"time"
)

// SendTerminationSignal sends SIGTERM to the process group of pid
func SendTerminationSignal(pid int, timeout time.Duration) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}
