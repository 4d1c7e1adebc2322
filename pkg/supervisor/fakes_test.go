package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-keeper/pkg/errors"
	"github.com/core-tools/hsu-keeper/pkg/launch"
	"github.com/core-tools/hsu-keeper/pkg/process"
	"github.com/core-tools/hsu-keeper/pkg/processtable"
)

// fakeWorld is an in-memory process table shared by fakeSpawner and its handles
type fakeWorld struct {
	mutex     sync.Mutex
	nextPID   int
	processes map[int]*fakeProcess

	listErr     error
	spawnErrs   map[string]error
	spawnPanics map[string]bool
	spawnDelay  time.Duration

	spawns       []launch.LaunchSpec
	terminated   []int
	violations   int
	terminateErr map[int]error
}

type fakeProcess struct {
	pid     int
	cmdline []string
	target  string
	alive   bool
	done    chan struct{}
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{
		nextPID:      1000,
		processes:    make(map[int]*fakeProcess),
		spawnErrs:    make(map[string]error),
		spawnPanics:  make(map[string]bool),
		terminateErr: make(map[int]error),
	}
}

// addStray registers a process the keeper did not start
func (w *fakeWorld) addStray(cmdline ...string) int {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.addLocked(cmdline, "")
}

func (w *fakeWorld) addLocked(cmdline []string, target string) int {
	w.nextPID++
	w.processes[w.nextPID] = &fakeProcess{
		pid:     w.nextPID,
		cmdline: cmdline,
		target:  target,
		alive:   true,
		done:    make(chan struct{}),
	}
	return w.nextPID
}

// exit simulates a process ending on its own
func (w *fakeWorld) exit(pid int) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.markDeadLocked(pid)
}

func (w *fakeWorld) markDeadLocked(pid int) bool {
	p, ok := w.processes[pid]
	if !ok || !p.alive {
		return false
	}
	p.alive = false
	close(p.done)
	return true
}

func (w *fakeWorld) live(target string) []int {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.liveLocked(target)
}

func (w *fakeWorld) liveLocked(target string) []int {
	var pids []int
	for pid, p := range w.processes {
		if p.alive && processtable.MatchTarget(p.cmdline, target) {
			pids = append(pids, pid)
		}
	}
	return pids
}

func (w *fakeWorld) spawnCount() int {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return len(w.spawns)
}

func (w *fakeWorld) violationCount() int {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.violations
}

func (w *fakeWorld) terminatedPIDs() []int {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return append([]int(nil), w.terminated...)
}

// processtable.Table

func (w *fakeWorld) List(ctx context.Context) ([]processtable.Entry, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.listErr != nil {
		return nil, w.listErr
	}

	var entries []processtable.Entry
	for pid, p := range w.processes {
		if p.alive {
			entries = append(entries, processtable.Entry{PID: pid, CommandLine: p.cmdline})
		}
	}
	return entries, nil
}

func (w *fakeWorld) Terminate(ctx context.Context, pid int, grace time.Duration) (processtable.TerminationResult, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if err := w.terminateErr[pid]; err != nil {
		return "", err
	}
	w.terminated = append(w.terminated, pid)
	if !w.markDeadLocked(pid) {
		return processtable.AlreadyExited, nil
	}
	return processtable.TerminatedGracefully, nil
}

// process.Spawner

func (w *fakeWorld) Spawn(ctx context.Context, spec launch.LaunchSpec) (process.Handle, error) {
	if w.spawnDelay > 0 {
		time.Sleep(w.spawnDelay)
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.spawnPanics[spec.Name] {
		panic("spawn exploded for " + spec.Name)
	}
	w.spawns = append(w.spawns, spec)
	if err := w.spawnErrs[spec.Name]; err != nil {
		return nil, err
	}

	if len(w.liveLocked(spec.Target)) > 0 {
		w.violations++
	}

	pid := w.addLocked(spec.Command(), spec.Target)
	return &fakeHandle{world: w, process: w.processes[pid]}, nil
}

type fakeHandle struct {
	world   *fakeWorld
	process *fakeProcess
}

func (h *fakeHandle) PID() int {
	return h.process.pid
}

func (h *fakeHandle) Exited() bool {
	select {
	case <-h.process.done:
		return true
	default:
		return false
	}
}

func (h *fakeHandle) Done() <-chan struct{} {
	return h.process.done
}

func (h *fakeHandle) Terminate(ctx context.Context, grace time.Duration) (processtable.TerminationResult, error) {
	h.world.mutex.Lock()
	defer h.world.mutex.Unlock()

	h.world.terminated = append(h.world.terminated, h.process.pid)
	if !h.world.markDeadLocked(h.process.pid) {
		return processtable.AlreadyExited, nil
	}
	return processtable.TerminatedGracefully, nil
}

// fakeClock advances instantly on Sleep
type fakeClock struct {
	mutex  sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// blockingClock never lets the poll loop tick; Sleep returns only when ctx is done
type blockingClock struct {
	fakeClock
}

func (c *blockingClock) Sleep(ctx context.Context, d time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

// countingObserver records notifications
type countingObserver struct {
	mutex      sync.Mutex
	restarts   map[string]int
	failures   map[string]int
	duplicates map[string]int
	cooldowns  map[string][]time.Duration
	running    map[string]bool
	removed    []string
}

func newCountingObserver() *countingObserver {
	return &countingObserver{
		restarts:   make(map[string]int),
		failures:   make(map[string]int),
		duplicates: make(map[string]int),
		cooldowns:  make(map[string][]time.Duration),
		running:    make(map[string]bool),
	}
}

func (o *countingObserver) SlotRestarted(name string, reason RestartReason) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.restarts[name+"/"+string(reason)]++
}

func (o *countingObserver) SpawnFailed(name string) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.failures[name]++
}

func (o *countingObserver) DuplicateKilled(name string, result processtable.TerminationResult) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.duplicates[name]++
}

func (o *countingObserver) ProcessTerminated(string, processtable.TerminationResult, time.Duration) {}

func (o *countingObserver) CooldownWaited(name string, wait time.Duration) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.cooldowns[name] = append(o.cooldowns[name], wait)
}

func (o *countingObserver) SlotRunning(name string, running bool) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.running[name] = running
}

func (o *countingObserver) SlotRemoved(name string) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.removed = append(o.removed, name)
}

func (o *countingObserver) restartCount(name string, reason RestartReason) int {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.restarts[name+"/"+string(reason)]
}

// fakeDeployer records deployments
type fakeDeployer struct {
	mutex    sync.Mutex
	deployed map[string][]byte
	err      error
}

func (d *fakeDeployer) Deploy(ctx context.Context, spec launch.LaunchSpec, artifact []byte) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.err != nil {
		return d.err
	}
	if d.deployed == nil {
		d.deployed = make(map[string][]byte)
	}
	d.deployed[spec.Name] = artifact
	return nil
}

// fakePIDFiles keeps PID files in memory
type fakePIDFiles struct {
	mutex sync.Mutex
	pids  map[string]int
}

func newFakePIDFiles() *fakePIDFiles {
	return &fakePIDFiles{pids: make(map[string]int)}
}

func (f *fakePIDFiles) WritePIDFile(name string, pid int) error {
	f.set(name, pid)
	return nil
}

func (f *fakePIDFiles) ReadPIDFile(name string) (int, error) {
	pid, ok := f.get(name)
	if !ok {
		return 0, errors.NewNotFoundError("PID file not found", nil)
	}
	return pid, nil
}

func (f *fakePIDFiles) RemovePIDFile(name string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	delete(f.pids, name)
	return nil
}

func (f *fakePIDFiles) set(name string, pid int) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.pids[name] = pid
}

func (f *fakePIDFiles) get(name string) (int, bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	pid, ok := f.pids[name]
	return pid, ok
}

func testSpec(name string) launch.LaunchSpec {
	target := fmt.Sprintf("/srv/workers/%s.py", name)
	return launch.LaunchSpec{
		Name:             name,
		Target:           target,
		Interpreter:      "python",
		WorkingDirectory: "/srv/workers",
	}
}
