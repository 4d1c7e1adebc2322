package process

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/core-tools/hsu-keeper/pkg/errors"
	"github.com/core-tools/hsu-keeper/pkg/launch"
	"github.com/core-tools/hsu-keeper/pkg/logging"
	"github.com/core-tools/hsu-keeper/pkg/processtable"
)

// Handle is the keeper's reference to a worker it spawned
type Handle interface {
	PID() int

	// Exited is a non-blocking liveness check
	Exited() bool

	// Done is closed once the process has exited and been reaped
	Done() <-chan struct{}

	// Terminate signals the process group, waits up to grace, then kills it
	Terminate(ctx context.Context, grace time.Duration) (processtable.TerminationResult, error)
}

// Spawner starts worker processes from launch specs
type Spawner interface {
	Spawn(ctx context.Context, spec launch.LaunchSpec) (Handle, error)
}

type execSpawner struct {
	environment []string
	logger      logging.Logger
}

// NewExecSpawner returns a Spawner that runs workers as OS child processes.
// Workers inherit the keeper's environment plus extra "KEY=value" entries, and its stdout/stderr.
func NewExecSpawner(environment []string, logger logging.Logger) Spawner {
	return &execSpawner{
		environment: environment,
		logger:      logger,
	}
}

func (s *execSpawner) Spawn(ctx context.Context, spec launch.LaunchSpec) (Handle, error) {
	if ctx == nil {
		return nil, errors.NewValidationError("context cannot be nil", nil).WithContext("name", spec.Name)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("spawn cancelled", err).WithContext("name", spec.Name)
	}

	if err := ValidateLaunchSpec(spec); err != nil {
		s.logger.Errorf("Launch spec validation failed, name: %s, error: %v", spec.Name, err)
		return nil, errors.NewProcessSpawnError("invalid launch spec", err).WithContext("name", spec.Name)
	}

	// Directly executed targets must carry an execute bit
	if spec.Interpreter == "" {
		if err := ensureExecutable(spec.Target); err != nil {
			return nil, errors.NewProcessSpawnError("failed to ensure target is executable", err).
				WithContext("name", spec.Name).WithContext("target", spec.Target)
		}
	}

	argv := spec.Command()

	// The worker must outlive the request that spawned it, so no CommandContext here
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.WorkingDirectory
	cmd.Env = append(os.Environ(), s.environment...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	// Platform-specific process group setup lives in execute_unix.go / execute_windows.go
	setupProcessAttributes(cmd)

	s.logger.Debugf("Starting process, name: %s, command: %s, working directory: '%s'",
		spec.Name, strings.Join(argv, " "), cmd.Dir)

	if err := cmd.Start(); err != nil {
		return nil, errors.NewProcessSpawnError("failed to start the process", err).
			WithContext("name", spec.Name).WithContext("target", spec.Target)
	}

	h := &execHandle{
		name:   spec.Name,
		proc:   cmd.Process,
		done:   make(chan struct{}),
		logger: s.logger,
	}

	go h.wait(cmd)

	s.logger.Infof("Process started, name: %s, PID: %d", spec.Name, h.PID())
	return h, nil
}

type execHandle struct {
	name string
	proc *os.Process
	done chan struct{}

	logger logging.Logger
}

func (h *execHandle) wait(cmd *exec.Cmd) {
	err := cmd.Wait()

	if err != nil {
		h.logger.Infof("Process exited, name: %s, PID: %d, error: %v", h.name, h.proc.Pid, err)
	} else {
		h.logger.Infof("Process exited, name: %s, PID: %d, state: %v", h.name, h.proc.Pid, cmd.ProcessState)
	}
	close(h.done)
}

func (h *execHandle) PID() int {
	return h.proc.Pid
}

func (h *execHandle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *execHandle) Done() <-chan struct{} {
	return h.done
}

func (h *execHandle) Terminate(ctx context.Context, grace time.Duration) (processtable.TerminationResult, error) {
	pid := h.proc.Pid

	if h.Exited() {
		return processtable.AlreadyExited, nil
	}

	h.logger.Infof("Sending termination signal, name: %s, PID: %d, grace: %v", h.name, pid, grace)
	if err := SendTerminationSignal(pid, grace); err != nil {
		h.logger.Warnf("Failed to send termination signal, name: %s, PID: %d, error: %v", h.name, pid, err)
	}

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()

	select {
	case <-h.done:
		h.logger.Infof("Process terminated gracefully, name: %s, PID: %d", h.name, pid)
		return processtable.TerminatedGracefully, nil
	case <-graceTimer.C:
		h.logger.Warnf("Process did not terminate within %v, forcing termination, name: %s, PID: %d", grace, h.name, pid)
	case <-ctx.Done():
		h.logger.Warnf("Context cancelled during graceful termination, forcing termination, name: %s, PID: %d", h.name, pid)
	}

	if err := killProcessTree(h.proc); err != nil && !h.Exited() {
		return "", errors.NewProcessError("failed to kill process", err).WithContext("pid", pid)
	}

	killTimer := time.NewTimer(killWaitTimeout)
	defer killTimer.Stop()

	select {
	case <-h.done:
		h.logger.Warnf("Process force killed, name: %s, PID: %d", h.name, pid)
		return processtable.TerminatedForcibly, nil
	case <-killTimer.C:
		return "", errors.NewTerminationTimeoutError("process did not terminate even after force termination", nil).
			WithContext("pid", pid)
	}
}

const killWaitTimeout = 5 * time.Second

// ensureExecutable sets the execute bits on path when none is set
func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.NewIOError("file does not exist", err).WithContext("path", path)
	}

	if runtime.GOOS == "windows" {
		return nil
	}

	mode := info.Mode()
	if mode&0111 != 0 {
		return nil
	}

	if err := os.Chmod(path, mode|0111); err != nil {
		return errors.NewIOError("failed to make file executable", err).WithContext("path", path)
	}
	return nil
}
