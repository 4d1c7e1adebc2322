package supervisor

import (
	"time"

	"github.com/core-tools/hsu-keeper/pkg/processtable"
)

// RestartReason tells which path triggered a respawn
type RestartReason string

const (
	ReasonPoll      RestartReason = "poll"
	ReasonRequested RestartReason = "requested"
	ReasonUpdate    RestartReason = "update"
	ReasonReconcile RestartReason = "reconcile"
)

// Observer is notified of supervisor decisions; implementations must not block
type Observer interface {
	SlotRestarted(name string, reason RestartReason)
	SpawnFailed(name string)
	DuplicateKilled(name string, result processtable.TerminationResult)
	ProcessTerminated(name string, result processtable.TerminationResult, duration time.Duration)
	CooldownWaited(name string, wait time.Duration)
	SlotRunning(name string, running bool)
	SlotRemoved(name string)
}

type noopObserver struct{}

// NewNoopObserver returns an Observer that ignores everything
func NewNoopObserver() Observer {
	return noopObserver{}
}

func (noopObserver) SlotRestarted(string, RestartReason)                                     {}
func (noopObserver) SpawnFailed(string)                                                      {}
func (noopObserver) DuplicateKilled(string, processtable.TerminationResult)                  {}
func (noopObserver) ProcessTerminated(string, processtable.TerminationResult, time.Duration) {}
func (noopObserver) CooldownWaited(string, time.Duration)                                    {}
func (noopObserver) SlotRunning(string, bool)                                                {}
func (noopObserver) SlotRemoved(string)                                                      {}

type multiObserver []Observer

// NewMultiObserver fans notifications out to every observer
func NewMultiObserver(observers ...Observer) Observer {
	filtered := make(multiObserver, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	return filtered
}

func (m multiObserver) SlotRestarted(name string, reason RestartReason) {
	for _, o := range m {
		o.SlotRestarted(name, reason)
	}
}

func (m multiObserver) SpawnFailed(name string) {
	for _, o := range m {
		o.SpawnFailed(name)
	}
}

func (m multiObserver) DuplicateKilled(name string, result processtable.TerminationResult) {
	for _, o := range m {
		o.DuplicateKilled(name, result)
	}
}

func (m multiObserver) ProcessTerminated(name string, result processtable.TerminationResult, duration time.Duration) {
	for _, o := range m {
		o.ProcessTerminated(name, result, duration)
	}
}

func (m multiObserver) CooldownWaited(name string, wait time.Duration) {
	for _, o := range m {
		o.CooldownWaited(name, wait)
	}
}

func (m multiObserver) SlotRunning(name string, running bool) {
	for _, o := range m {
		o.SlotRunning(name, running)
	}
}

func (m multiObserver) SlotRemoved(name string) {
	for _, o := range m {
		o.SlotRemoved(name)
	}
}
