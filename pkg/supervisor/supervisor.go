package supervisor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/core-tools/hsu-keeper/pkg/config"
	"github.com/core-tools/hsu-keeper/pkg/errors"
	"github.com/core-tools/hsu-keeper/pkg/launch"
	"github.com/core-tools/hsu-keeper/pkg/logging"
	"github.com/core-tools/hsu-keeper/pkg/process"
	"github.com/core-tools/hsu-keeper/pkg/processtable"
)

const (
	// DefaultCooldown is the minimum time between poll-triggered respawns of one slot
	DefaultCooldown = 30 * time.Second

	// DefaultGraceTimeout is how long a terminated process may take before it is killed
	DefaultGraceTimeout = 5 * time.Second
)

// CooldownMode selects how the poll loop honours the cooldown window
type CooldownMode string

const (
	// CooldownStall waits out the cooldown inside the poll cycle, delaying every other slot
	CooldownStall CooldownMode = "stall"

	// CooldownDefer skips the slot until a later cycle, leaving the other slots unaffected
	CooldownDefer CooldownMode = "defer"
)

// PIDRecorder persists the PID of each running slot
type PIDRecorder interface {
	WritePIDFile(name string, pid int) error
	ReadPIDFile(name string) (int, error)
	RemovePIDFile(name string) error
}

// Options configures a Supervisor; zero values select defaults
type Options struct {
	Cooldown      time.Duration
	GraceTimeout  time.Duration
	CheckInterval time.Duration
	CooldownMode  CooldownMode

	Spawner  process.Spawner
	Table    processtable.Table
	Deployer Deployer
	Observer Observer
	PIDFiles PIDRecorder
	Clock    Clock
}

// SupervisorState represents the lifecycle of the supervisor itself
type SupervisorState string

const (
	SupervisorStateNotStarted SupervisorState = "not_started"
	SupervisorStateRunning    SupervisorState = "running"
	SupervisorStateStopping   SupervisorState = "stopping"
	SupervisorStateStopped    SupervisorState = "stopped"
)

// Supervisor owns one slot per launch spec and drives the poll loop
type Supervisor struct {
	options Options
	logger  logging.Logger

	slots         map[string]*slot
	checkInterval time.Duration
	state         SupervisorState
	mutex         sync.RWMutex

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New creates a supervisor with one slot per spec.
// Specs sharing a name after the first are skipped and reported as conflicts.
func New(options Options, specs []launch.LaunchSpec, logger logging.Logger) (*Supervisor, error) {
	if err := ValidateOptions(options); err != nil {
		return nil, err
	}
	setOptionsDefaults(&options, logger)

	s := &Supervisor{
		options:       options,
		logger:        logger,
		slots:         make(map[string]*slot, len(specs)),
		checkInterval: options.CheckInterval,
		state:         SupervisorStateNotStarted,
	}

	errorCollection := errors.NewErrorCollection()
	for _, spec := range specs {
		if _, exists := s.slots[spec.Name]; exists {
			err := errors.NewConflictError("slot already exists", nil).
				WithContext("name", spec.Name).WithContext("target", spec.Target)
			logger.Warnf("Skipping launch spec, name: %s, error: %v", spec.Name, err)
			errorCollection.Add(err)
			continue
		}
		s.slots[spec.Name] = newSlot(spec)
		logger.Infof("Slot added, %s", spec)
	}

	return s, errorCollection.ToError()
}

// ValidateOptions rejects negative durations and unknown cooldown modes
func ValidateOptions(options Options) error {
	if options.Cooldown < 0 {
		return errors.NewValidationError("cooldown cannot be negative", nil)
	}
	if options.GraceTimeout < 0 {
		return errors.NewValidationError("grace timeout cannot be negative", nil)
	}
	if options.CheckInterval < 0 {
		return errors.NewValidationError("check interval cannot be negative", nil)
	}
	switch options.CooldownMode {
	case "", CooldownStall, CooldownDefer:
	default:
		return errors.NewValidationError("unsupported cooldown mode: "+string(options.CooldownMode), nil)
	}
	return nil
}

func setOptionsDefaults(options *Options, logger logging.Logger) {
	if options.Cooldown == 0 {
		options.Cooldown = DefaultCooldown
	}
	if options.GraceTimeout == 0 {
		options.GraceTimeout = DefaultGraceTimeout
	}
	if options.CheckInterval == 0 {
		options.CheckInterval = config.DefaultCheckInterval
	}
	if options.CooldownMode == "" {
		options.CooldownMode = CooldownStall
	}
	if options.Spawner == nil {
		options.Spawner = process.NewExecSpawner(nil, logger)
	}
	if options.Table == nil {
		options.Table = processtable.NewSystemTable(logger)
	}
	if options.Deployer == nil {
		options.Deployer = NewFileDeployer(logger)
	}
	if options.Observer == nil {
		options.Observer = NewNoopObserver()
	}
	if options.Clock == nil {
		options.Clock = NewRealClock()
	}
}

// StartAll runs a first poll cycle, spawning every slot, then starts the background poll loop
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mutex.Lock()
	if s.state != SupervisorStateNotStarted {
		state := s.state
		s.mutex.Unlock()
		return errors.NewConflictError("supervisor already started", nil).WithContext("state", string(state))
	}
	s.state = SupervisorStateRunning

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.loopCancel = cancel
	s.loopDone = make(chan struct{})
	s.mutex.Unlock()

	s.logger.Infof("Starting supervisor, slots: %d, check interval: %v, cooldown: %v, mode: %s",
		len(s.snapshotSlots()), s.CheckInterval(), s.options.Cooldown, s.options.CooldownMode)

	s.PollOnce(loopCtx)

	go s.loop(loopCtx)
	return nil
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.loopDone)

	for {
		if err := s.options.Clock.Sleep(ctx, s.CheckInterval()); err != nil {
			s.logger.Infof("Poll loop stopped")
			return
		}
		s.PollOnce(ctx)
	}
}

// StopAll stops the poll loop and terminates every slot's process.
// Failures are logged, never returned.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mutex.Lock()
	if s.state == SupervisorStateStopping || s.state == SupervisorStateStopped {
		s.mutex.Unlock()
		return
	}
	s.state = SupervisorStateStopping
	cancel := s.loopCancel
	loopDone := s.loopDone
	s.mutex.Unlock()

	s.logger.Infof("Stopping supervisor")

	if cancel != nil {
		cancel()
		select {
		case <-loopDone:
		case <-ctx.Done():
			s.logger.Warnf("Poll loop did not stop before context was done: %v", ctx.Err())
		}
	}

	slots := s.snapshotSlots()

	var wg sync.WaitGroup
	var errorsMutex sync.Mutex
	errorCollection := errors.NewErrorCollection()

	for _, sl := range slots {
		wg.Add(1)
		go func(sl *slot) {
			defer wg.Done()
			if err := s.stopSlot(ctx, sl); err != nil {
				errorsMutex.Lock()
				errorCollection.Add(err)
				errorsMutex.Unlock()
			}
		}(sl)
	}
	wg.Wait()

	if errorCollection.HasErrors() {
		s.logger.Errorf("Errors while stopping workers: %v", errorCollection)
	}

	s.mutex.Lock()
	s.state = SupervisorStateStopped
	s.mutex.Unlock()

	s.logger.Infof("Supervisor stopped, slots: %d", len(slots))
}

// QueryStatus returns the status of every slot keyed by name
func (s *Supervisor) QueryStatus() map[string]Status {
	slots := s.snapshotSlots()
	statuses := make(map[string]Status, len(slots))
	for _, sl := range slots {
		statuses[sl.name] = sl.status()
	}
	return statuses
}

// Names returns the slot names in sorted order
func (s *Supervisor) Names() []string {
	slots := s.snapshotSlots()
	names := make([]string, 0, len(slots))
	for _, sl := range slots {
		names = append(names, sl.name)
	}
	return names
}

// CheckInterval returns the current poll interval
func (s *Supervisor) CheckInterval() time.Duration {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.checkInterval
}

// SetCheckInterval changes the poll interval, effective from the next cycle
func (s *Supervisor) SetCheckInterval(interval time.Duration) {
	if interval <= 0 {
		interval = config.DefaultCheckInterval
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.checkInterval != interval {
		s.logger.Infof("Check interval changed, from: %v, to: %v", s.checkInterval, interval)
	}
	s.checkInterval = interval
}

func (s *Supervisor) isActive() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state == SupervisorStateRunning || s.state == SupervisorStateNotStarted
}

func (s *Supervisor) lookupSlot(name string) (*slot, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	sl, exists := s.slots[name]
	if !exists {
		return nil, errors.NewNotFoundError("worker not found", nil).WithContext("name", name)
	}
	return sl, nil
}

// snapshotSlots returns the slots sorted by name
func (s *Supervisor) snapshotSlots() []*slot {
	s.mutex.RLock()
	slots := make([]*slot, 0, len(s.slots))
	for _, sl := range s.slots {
		slots = append(slots, sl)
	}
	s.mutex.RUnlock()

	sort.Slice(slots, func(i, j int) bool { return slots[i].name < slots[j].name })
	return slots
}

func (s *Supervisor) slotLogger(name string) logging.Logger {
	return logging.WithPrefix(s.logger, "slot: "+name+" , ")
}
