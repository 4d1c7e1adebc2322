package supervisor

import (
	"sync"
	"time"

	"github.com/core-tools/hsu-keeper/pkg/launch"
	"github.com/core-tools/hsu-keeper/pkg/process"
)

// State is the lifecycle state of a managed process slot
type State string

const (
	StateAbsent     State = "absent"
	StateRunning    State = "running"
	StateExited     State = "exited"
	StateTerminated State = "terminated"
)

// Status is a point-in-time view of one slot.
// Exited slots still hold the dead handle until it is cleared; Absent slots hold none.
type Status struct {
	Name          string    `json:"name"`
	Running       bool      `json:"running"`
	PID           int       `json:"pid,omitempty"`
	LastRestartAt time.Time `json:"last_restart_at"`
	State         State     `json:"state"`
	Target        string    `json:"target"`
	Restarts      int       `json:"restarts"`
	LastError     string    `json:"last_error,omitempty"`
}

// slot is one managed process.
// opMutex serializes whole respawn/stop sequences; mutex guards the fields and is never held across a wait.
type slot struct {
	name string

	opMutex sync.Mutex

	mutex         sync.Mutex
	spec          launch.LaunchSpec
	handle        process.Handle
	lastRestartAt time.Time
	state         State
	restarts      int
	lastError     string
	removed       bool
}

func newSlot(spec launch.LaunchSpec) *slot {
	return &slot{
		name:  spec.Name,
		spec:  spec,
		state: StateAbsent,
	}
}

func (s *slot) safeGetSpec() launch.LaunchSpec {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.spec
}

func (s *slot) safeGetHandle() process.Handle {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.handle
}

func (s *slot) safeGetLastRestartAt() time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.lastRestartAt
}

func (s *slot) markRemoved() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.removed = true
}

// updateSpec replaces the launch spec and reports whether it changed
func (s *slot) updateSpec(spec launch.LaunchSpec) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.spec.Equal(spec) {
		return false
	}
	s.spec = spec
	return true
}

func (s *slot) isRemoved() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.removed
}

// observeExit notices a process that ended on its own and moves the slot to Exited.
// It reports whether the slot needs a respawn, and whether an exit was just observed.
func (s *slot) observeExit() (needsRespawn bool, exited bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.removed {
		return false, false
	}
	if s.handle == nil {
		return true, false
	}
	if !s.handle.Exited() {
		return false, false
	}
	if s.state == StateExited {
		return true, false
	}

	s.state = StateExited
	return true, true
}

// detachHandle takes the handle out of the slot.
// A live handle leaves the slot Terminated until clearTerminated; an exited one leaves it Absent.
func (s *slot) detachHandle() (handle process.Handle, live bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	handle = s.handle
	s.handle = nil
	if handle == nil {
		return nil, false
	}
	if handle.Exited() {
		s.state = StateAbsent
		return handle, false
	}
	s.state = StateTerminated
	return handle, true
}

// clearTerminated completes Terminated -> Absent once termination is over
func (s *slot) clearTerminated() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state == StateTerminated && s.handle == nil {
		s.state = StateAbsent
	}
}

// hasSpawned reports whether any spawn of this slot succeeded
func (s *slot) hasSpawned() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.restarts > 0
}

func (s *slot) recordSpawn(handle process.Handle, at time.Time, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.lastRestartAt = at
	if err != nil {
		s.lastError = err.Error()
		s.state = StateAbsent
		return
	}
	s.handle = handle
	s.state = StateRunning
	s.restarts++
	s.lastError = ""
}

func (s *slot) recordError(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lastError = err.Error()
}

func (s *slot) status() Status {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	status := Status{
		Name:          s.name,
		LastRestartAt: s.lastRestartAt,
		State:         s.state,
		Target:        s.spec.Target,
		Restarts:      s.restarts,
		LastError:     s.lastError,
	}
	if s.handle != nil && !s.handle.Exited() {
		status.PID = s.handle.PID()
		status.Running = true
	}
	return status
}
