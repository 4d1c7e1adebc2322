package processtable

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/core-tools/hsu-keeper/pkg/errors"
	"github.com/core-tools/hsu-keeper/pkg/logging"
	"github.com/core-tools/hsu-keeper/pkg/processstate"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	killWaitTimeout     = 5 * time.Second
)

type systemTable struct {
	selfPID      int
	pollInterval time.Duration
	logger       logging.Logger
}

// NewSystemTable returns a Table backed by the OS process list
func NewSystemTable(logger logging.Logger) Table {
	return &systemTable{
		selfPID:      os.Getpid(),
		pollInterval: defaultPollInterval,
		logger:       logger,
	}
}

func (t *systemTable) List(ctx context.Context) ([]Entry, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, errors.NewProcessError("failed to enumerate processes", err)
	}

	entries := make([]Entry, 0, len(procs))
	for _, proc := range procs {
		pid := int(proc.Pid)
		if pid == t.selfPID {
			continue
		}

		// Processes may exit or deny access while we iterate; skip them
		cmdline, err := proc.CmdlineSliceWithContext(ctx)
		if err != nil || len(cmdline) == 0 {
			continue
		}
		if isZombie(ctx, proc) {
			continue
		}

		entries = append(entries, Entry{PID: pid, CommandLine: cmdline})
	}

	t.logger.Debugf("Process table listed, processes: %d", len(entries))
	return entries, nil
}

func (t *systemTable) Terminate(ctx context.Context, pid int, grace time.Duration) (TerminationResult, error) {
	if pid <= 0 {
		return "", errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}
	if pid == t.selfPID {
		return "", errors.NewValidationError("refusing to terminate own process", nil).WithContext("pid", pid)
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		t.logger.Debugf("Process already gone, PID: %d", pid)
		return AlreadyExited, nil
	}

	t.logger.Infof("Sending termination signal, PID: %d, grace: %v", pid, grace)
	if err := proc.TerminateWithContext(ctx); err != nil {
		if !t.alive(ctx, proc) {
			return AlreadyExited, nil
		}
		t.logger.Warnf("Failed to send termination signal, PID: %d, error: %v", pid, err)
	}

	if t.waitExit(ctx, proc, grace) {
		t.logger.Infof("Process terminated gracefully, PID: %d", pid)
		return TerminatedGracefully, nil
	}

	t.logger.Warnf("Process did not terminate within %v, force killing, PID: %d", grace, pid)
	if err := proc.KillWithContext(ctx); err != nil && t.alive(ctx, proc) {
		return "", errors.NewProcessError("failed to kill process", err).WithContext("pid", pid)
	}

	if !t.waitExit(ctx, proc, killWaitTimeout) {
		return "", errors.NewTerminationTimeoutError("process did not exit even after kill", nil).WithContext("pid", pid)
	}

	t.logger.Warnf("Process force killed, PID: %d", pid)
	return TerminatedForcibly, nil
}

func (t *systemTable) waitExit(ctx context.Context, proc *process.Process, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		if !t.alive(ctx, proc) {
			return true
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return !t.alive(ctx, proc)
		case <-ctx.Done():
			return !t.alive(ctx, proc)
		}
	}
}

func (t *systemTable) alive(ctx context.Context, proc *process.Process) bool {
	running, err := processstate.IsProcessRunning(int(proc.Pid))
	if err != nil || !running {
		return false
	}
	return !isZombie(ctx, proc)
}

func isZombie(ctx context.Context, proc *process.Process) bool {
	status, err := proc.StatusWithContext(ctx)
	if err != nil {
		return false
	}
	for _, s := range status {
		if s == process.Zombie {
			return true
		}
	}
	return false
}
