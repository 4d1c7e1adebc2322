package supervisor

import (
	"context"

	"github.com/core-tools/hsu-keeper/pkg/errors"
	"github.com/core-tools/hsu-keeper/pkg/launch"
)

// RestartOne immediately scans for duplicates, terminates the current process and spawns a new one.
// The cooldown window does not apply.
func (s *Supervisor) RestartOne(ctx context.Context, name string) error {
	return s.restart(ctx, name, ReasonRequested)
}

func (s *Supervisor) restart(ctx context.Context, name string, reason RestartReason) error {
	if !s.isActive() {
		return errors.NewConflictError("supervisor is stopped", nil).WithContext("name", name)
	}

	sl, err := s.lookupSlot(name)
	if err != nil {
		return err
	}

	s.logger.Infof("Restart requested, name: %s, reason: %s", name, reason)
	return s.respawn(ctx, sl, reason)
}

// UpdateAndRestart hands the new artifact to the deployer and then restarts the slot
func (s *Supervisor) UpdateAndRestart(ctx context.Context, name string, artifact []byte) error {
	if !s.isActive() {
		return errors.NewConflictError("supervisor is stopped", nil).WithContext("name", name)
	}

	sl, err := s.lookupSlot(name)
	if err != nil {
		return err
	}

	spec := sl.safeGetSpec()
	if err := s.options.Deployer.Deploy(ctx, spec, artifact); err != nil {
		s.slotLogger(name).Errorf("Deployment failed: %v", err)
		return err
	}

	return s.restart(ctx, name, ReasonUpdate)
}

// Reconcile applies a new set of launch specs.
// Slots missing from specs are stopped and removed, new slots are added and slots whose
// spec changed take the new spec. Once the supervisor is running, added and changed slots
// are respawned immediately; before that, StartAll spawns them.
func (s *Supervisor) Reconcile(ctx context.Context, specs []launch.LaunchSpec) error {
	if !s.isActive() {
		return errors.NewConflictError("supervisor is stopped", nil)
	}

	errorCollection := errors.NewErrorCollection()

	desired := make(map[string]launch.LaunchSpec, len(specs))
	for _, spec := range specs {
		if _, exists := desired[spec.Name]; exists {
			errorCollection.Add(errors.NewConflictError("duplicate launch spec name", nil).
				WithContext("name", spec.Name).WithContext("target", spec.Target))
			continue
		}
		desired[spec.Name] = spec
	}

	var removed []*slot
	var toRespawn []*slot

	s.mutex.Lock()
	running := s.state == SupervisorStateRunning
	for name, sl := range s.slots {
		if _, keep := desired[name]; !keep {
			removed = append(removed, sl)
			delete(s.slots, name)
		}
	}
	for name, spec := range desired {
		sl, exists := s.slots[name]
		if !exists {
			sl = newSlot(spec)
			s.slots[name] = sl
			s.logger.Infof("Slot added, %s", spec)
			toRespawn = append(toRespawn, sl)
			continue
		}
		if sl.updateSpec(spec) {
			s.logger.Infof("Slot launch spec changed, %s", spec)
			toRespawn = append(toRespawn, sl)
		}
	}
	s.mutex.Unlock()

	for _, sl := range removed {
		s.logger.Infof("Removing slot, name: %s", sl.name)
		sl.markRemoved()
		if err := s.stopSlot(ctx, sl); err != nil {
			errorCollection.Add(err)
		}
		s.options.Observer.SlotRemoved(sl.name)
	}

	if running {
		for _, sl := range toRespawn {
			if err := s.respawn(ctx, sl, ReasonReconcile); err != nil {
				errorCollection.Add(err)
			}
		}
	}

	s.logger.Infof("Reconciled slots, removed: %d, added or changed: %d", len(removed), len(toRespawn))
	return errorCollection.ToError()
}
