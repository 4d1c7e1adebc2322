package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/core-tools/hsu-keeper/pkg/errors"
	"github.com/core-tools/hsu-keeper/pkg/launch"
	"github.com/core-tools/hsu-keeper/pkg/logging"
	"github.com/core-tools/hsu-keeper/pkg/process"
	"github.com/core-tools/hsu-keeper/pkg/processtable"
)

// PollOnce runs one poll cycle over every slot in name order.
// A failure or panic while handling one slot is logged and does not affect the others.
func (s *Supervisor) PollOnce(ctx context.Context) {
	if !s.isActive() {
		return
	}

	for _, sl := range s.snapshotSlots() {
		if ctx.Err() != nil {
			return
		}
		if err := s.pollSlot(ctx, sl); err != nil {
			sl.recordError(err)
			s.slotLogger(sl.name).Errorf("Poll failed: %v", err)
		}
	}
}

func (s *Supervisor) pollSlot(ctx context.Context, sl *slot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewInternalError(fmt.Sprintf("panic while polling slot: %v", r), nil).WithContext("name", sl.name)
		}
	}()

	logger := s.slotLogger(sl.name)

	needsRespawn, exited := sl.observeExit()
	if exited {
		logger.Warnf("Process exited")
		s.removePIDFile(sl.name, logger)
		s.options.Observer.SlotRunning(sl.name, false)
	}
	if !needsRespawn {
		return nil
	}

	if remaining := s.cooldownRemaining(sl); remaining > 0 {
		switch s.options.CooldownMode {
		case CooldownDefer:
			logger.Infof("Respawn deferred, cooldown remaining: %v", remaining)
			return nil
		default:
			logger.Infof("Waiting out cooldown before respawn, remaining: %v", remaining)
			s.options.Observer.CooldownWaited(sl.name, remaining)
			if err := s.options.Clock.Sleep(ctx, remaining); err != nil {
				return nil
			}
		}
	}

	return s.respawn(ctx, sl, ReasonPoll)
}

func (s *Supervisor) cooldownRemaining(sl *slot) time.Duration {
	lastRestartAt := sl.safeGetLastRestartAt()
	if lastRestartAt.IsZero() {
		return 0
	}
	elapsed := s.options.Clock.Now().Sub(lastRestartAt)
	return s.options.Cooldown - elapsed
}

// respawn runs duplicate scan, stale handle termination and spawn under the slot's exclusive lock.
// Poll-triggered respawns re-check the slot once the lock is held, since a requested restart may have run meanwhile.
func (s *Supervisor) respawn(ctx context.Context, sl *slot, reason RestartReason) error {
	sl.opMutex.Lock()
	defer sl.opMutex.Unlock()

	if sl.isRemoved() {
		return nil
	}
	if reason == ReasonPoll {
		if needsRespawn, _ := sl.observeExit(); !needsRespawn {
			return nil
		}
	}

	// A started respawn sequence always runs to completion
	ctx = context.WithoutCancel(ctx)

	logger := s.slotLogger(sl.name)
	spec := sl.safeGetSpec()

	logger.Infof("Respawning, reason: %s, target: %s", reason, spec.Target)

	handle := sl.safeGetHandle()
	ownPID := 0
	if handle != nil && !handle.Exited() {
		ownPID = handle.PID()
	}

	if err := s.killDuplicates(ctx, sl, spec, ownPID, logger); err != nil {
		sl.recordError(err)
		return err
	}

	if err := s.terminateHandle(ctx, sl, logger); err != nil {
		logger.Errorf("Failed to terminate stale process: %v", err)
	}

	newHandle, err := s.options.Spawner.Spawn(ctx, spec)
	sl.recordSpawn(newHandle, s.options.Clock.Now(), err)
	if err != nil {
		logger.Errorf("Failed to spawn process: %v", err)
		s.options.Observer.SpawnFailed(sl.name)
		return err
	}

	if s.options.PIDFiles != nil {
		if err := s.options.PIDFiles.WritePIDFile(sl.name, newHandle.PID()); err != nil {
			logger.Warnf("Failed to write PID file: %v", err)
		}
	}

	s.options.Observer.SlotRestarted(sl.name, reason)
	s.options.Observer.SlotRunning(sl.name, true)

	logger.Infof("Process running, PID: %d", newHandle.PID())
	return nil
}

// killDuplicates terminates every process referencing the slot's target except its own handle,
// which is terminated separately so its process group is signalled as a whole.
// Before a slot's first spawn, a PID recorded by an earlier keeper run is a candidate too
// while it still runs the slot's program.
func (s *Supervisor) killDuplicates(ctx context.Context, sl *slot, spec launch.LaunchSpec, ownPID int, logger logging.Logger) error {
	name := sl.name
	target := spec.Target

	match := processtable.MatchingTarget(target)
	if ownPID == 0 && !sl.hasSpawned() {
		if recordedPID := s.readPIDFile(name, logger); recordedPID > 0 {
			program := spec.Command()[0]
			byTarget := match
			match = func(entry processtable.Entry) bool {
				if byTarget(entry) {
					return true
				}
				if entry.PID == recordedPID && processtable.MatchProgram(entry.CommandLine, program) {
					logger.Warnf("Process recorded in PID file is still running, PID: %d", recordedPID)
					return true
				}
				return false
			}
		}
	}

	matches, err := processtable.FindMatches(ctx, s.options.Table, match)
	if err != nil {
		return errors.NewProcessError("duplicate scan failed", err).WithContext("name", name)
	}

	errorCollection := errors.NewErrorCollection()
	for _, entry := range matches {
		if entry.PID == ownPID {
			continue
		}

		logger.Warnf("%v", errors.NewDuplicateProcessError("terminating duplicate process", nil).
			WithContext("pid", entry.PID).WithContext("target", target))

		result, err := s.options.Table.Terminate(ctx, entry.PID, s.options.GraceTimeout)
		if err != nil {
			logger.Errorf("Failed to terminate duplicate process, PID: %d, error: %v", entry.PID, err)
			errorCollection.Add(err)
			continue
		}
		if result == processtable.TerminatedForcibly {
			logger.Warnf("%v", errors.NewTerminationTimeoutError("duplicate process ignored termination signal and was killed", nil).
				WithContext("pid", entry.PID))
		}
		s.options.Observer.DuplicateKilled(name, result)
	}

	if errorCollection.HasErrors() {
		// Spawning next to a survivor would leave two instances running
		return errors.NewProcessError("failed to terminate duplicate processes", errorCollection.ToError()).
			WithContext("name", name)
	}
	return nil
}

// terminateHandle terminates and clears the slot's handle, if any
func (s *Supervisor) terminateHandle(ctx context.Context, sl *slot, logger logging.Logger) error {
	handle, live := sl.detachHandle()
	if handle == nil {
		return nil
	}

	s.removePIDFile(sl.name, logger)
	if !live {
		return nil
	}

	s.options.Observer.SlotRunning(sl.name, false)
	defer sl.clearTerminated()
	return s.terminate(ctx, sl.name, handle, logger)
}

// readPIDFile returns the PID recorded for name, 0 when there is none
func (s *Supervisor) readPIDFile(name string, logger logging.Logger) int {
	if s.options.PIDFiles == nil {
		return 0
	}
	pid, err := s.options.PIDFiles.ReadPIDFile(name)
	if err != nil {
		if !errors.IsNotFoundError(err) {
			logger.Warnf("Ignoring unreadable PID file: %v", err)
		}
		return 0
	}
	logger.Infof("Found PID file from an earlier run, PID: %d", pid)
	return pid
}

func (s *Supervisor) removePIDFile(name string, logger logging.Logger) {
	if s.options.PIDFiles == nil {
		return
	}
	if err := s.options.PIDFiles.RemovePIDFile(name); err != nil {
		logger.Warnf("Failed to remove PID file: %v", err)
	}
}

func (s *Supervisor) terminate(ctx context.Context, name string, handle process.Handle, logger logging.Logger) error {
	start := s.options.Clock.Now()
	result, err := handle.Terminate(ctx, s.options.GraceTimeout)
	if err != nil {
		return err
	}

	if result == processtable.TerminatedForcibly {
		logger.Warnf("%v", errors.NewTerminationTimeoutError("process ignored termination signal and was killed", nil).
			WithContext("pid", handle.PID()))
	}
	s.options.Observer.ProcessTerminated(name, result, s.options.Clock.Now().Sub(start))
	return nil
}

func (s *Supervisor) stopSlot(ctx context.Context, sl *slot) error {
	sl.opMutex.Lock()
	defer sl.opMutex.Unlock()

	logger := s.slotLogger(sl.name)
	if err := s.terminateHandle(context.WithoutCancel(ctx), sl, logger); err != nil {
		logger.Errorf("Failed to stop process: %v", err)
		return errors.NewProcessError("failed to stop worker", err).WithContext("name", sl.name)
	}
	return nil
}
