//go:build windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

// setupProcessAttributes isolates the worker in a new process group so it can receive Ctrl+Break
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

func killProcessTree(proc *os.Process) error {
	return proc.Kill()
}
