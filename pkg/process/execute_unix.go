//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

// setupProcessAttributes puts the worker into its own process group so the whole tree can be signalled
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// killProcessTree sends SIGKILL to the worker's process group, falling back to the process itself
func killProcessTree(proc *os.Process) error {
	if err := syscall.Kill(-proc.Pid, syscall.SIGKILL); err == nil {
		return nil
	}
	return proc.Kill()
}
