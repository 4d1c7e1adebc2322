package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-keeper/pkg/errors"
	"github.com/core-tools/hsu-keeper/pkg/launch"
	"github.com/core-tools/hsu-keeper/pkg/logging"
)

type testHarness struct {
	world    *fakeWorld
	clock    *fakeClock
	observer *countingObserver
	deployer *fakeDeployer
	sup      *Supervisor
}

func newHarness(t *testing.T, mode CooldownMode, specs ...launch.LaunchSpec) *testHarness {
	t.Helper()

	h := &testHarness{
		world:    newFakeWorld(),
		clock:    newFakeClock(),
		observer: newCountingObserver(),
		deployer: &fakeDeployer{},
	}

	sup, err := New(Options{
		CheckInterval: 60 * time.Second,
		CooldownMode:  mode,
		Spawner:       h.world,
		Table:         h.world,
		Deployer:      h.deployer,
		Observer:      h.observer,
		Clock:         h.clock,
	}, specs, logging.NewNopLogger())
	require.NoError(t, err)

	h.sup = sup
	return h
}

func (h *testHarness) pid(t *testing.T, name string) int {
	t.Helper()
	status, ok := h.sup.QueryStatus()[name]
	require.True(t, ok, name)
	return status.PID
}

func TestPollOnce_ExampleWorkerRespawnsOnce(t *testing.T) {
	spec := testSpec("worker")
	h := newHarness(t, CooldownStall, spec)
	ctx := context.Background()

	h.sup.PollOnce(ctx)

	status := h.sup.QueryStatus()["worker"]
	assert.True(t, status.Running)
	assert.Equal(t, StateRunning, status.State)
	assert.Equal(t, h.clock.Now(), status.LastRestartAt)
	firstPID := status.PID
	firstRestart := status.LastRestartAt

	// Simulate the worker exiting, then advance past CHECK_INTERVAL
	h.world.exit(firstPID)
	h.clock.Advance(h.sup.CheckInterval())

	h.sup.PollOnce(ctx)

	status = h.sup.QueryStatus()["worker"]
	assert.True(t, status.Running)
	assert.NotEqual(t, firstPID, status.PID)
	assert.True(t, status.LastRestartAt.After(firstRestart))
	assert.Equal(t, 2, status.Restarts)

	assert.Equal(t, 2, h.world.spawnCount())
	assert.Equal(t, []int{status.PID}, h.world.live(spec.Target))
	assert.Empty(t, h.world.terminatedPIDs())
	assert.Zero(t, h.world.violationCount())
	assert.Empty(t, h.clock.Sleeps())

	// A healthy worker is left alone
	h.sup.PollOnce(ctx)
	assert.Equal(t, 2, h.world.spawnCount())
}

func TestPollOnce_KillsStrayDuplicatesBeforeSpawn(t *testing.T) {
	spec := testSpec("worker")
	h := newHarness(t, CooldownStall, spec)

	strayAbsolute := h.world.addStray("python", spec.Target)
	strayRelative := h.world.addStray("python3", "worker.py", "--old")
	unrelated := h.world.addStray("python", "/srv/workers/other.py")

	h.sup.PollOnce(context.Background())

	assert.ElementsMatch(t, []int{strayAbsolute, strayRelative}, h.world.terminatedPIDs())
	assert.Equal(t, []int{h.pid(t, "worker")}, h.world.live(spec.Target))
	assert.Len(t, h.world.live("/srv/workers/other.py"), 1)
	assert.Contains(t, h.world.live("/srv/workers/other.py"), unrelated)
	assert.Equal(t, 2, h.observer.duplicates["worker"])
	assert.Zero(t, h.world.violationCount())
}

func TestPollOnce_CooldownStallWaitsOutRemainder(t *testing.T) {
	h := newHarness(t, CooldownStall, testSpec("worker"))
	ctx := context.Background()

	h.sup.PollOnce(ctx)
	started := h.clock.Now()

	h.clock.Advance(10 * time.Second)
	h.world.exit(h.pid(t, "worker"))

	h.sup.PollOnce(ctx)

	assert.Equal(t, []time.Duration{20 * time.Second}, h.clock.Sleeps())
	assert.Equal(t, []time.Duration{20 * time.Second}, h.observer.cooldowns["worker"])

	status := h.sup.QueryStatus()["worker"]
	assert.True(t, status.Running)
	assert.Equal(t, started.Add(DefaultCooldown), status.LastRestartAt)
	assert.Equal(t, 2, h.world.spawnCount())
}

func TestPollOnce_CooldownStallDelaysOtherSlots(t *testing.T) {
	h := newHarness(t, CooldownStall, testSpec("alpha"), testSpec("beta"))
	ctx := context.Background()

	h.sup.PollOnce(ctx)
	h.world.exit(h.pid(t, "alpha"))
	h.world.exit(h.pid(t, "beta"))
	h.clock.Advance(5 * time.Second)

	h.sup.PollOnce(ctx)

	// alpha waits 25s; by the time beta is handled its cooldown has elapsed too
	assert.Equal(t, []time.Duration{25 * time.Second}, h.clock.Sleeps())
	assert.True(t, h.sup.QueryStatus()["alpha"].Running)
	assert.True(t, h.sup.QueryStatus()["beta"].Running)
}

func TestPollOnce_CooldownDeferSkipsSlot(t *testing.T) {
	h := newHarness(t, CooldownDefer, testSpec("worker"))
	ctx := context.Background()

	h.sup.PollOnce(ctx)
	h.clock.Advance(10 * time.Second)
	h.world.exit(h.pid(t, "worker"))

	h.sup.PollOnce(ctx)

	status := h.sup.QueryStatus()["worker"]
	assert.False(t, status.Running)
	assert.Equal(t, StateExited, status.State)
	assert.Zero(t, status.PID)
	assert.Empty(t, h.clock.Sleeps())
	assert.Equal(t, 1, h.world.spawnCount())

	h.clock.Advance(20 * time.Second)
	h.sup.PollOnce(ctx)

	assert.True(t, h.sup.QueryStatus()["worker"].Running)
	assert.Equal(t, 2, h.world.spawnCount())
}

func TestSlotStates_FollowLifecycle(t *testing.T) {
	h := newHarness(t, CooldownDefer, testSpec("worker"))
	ctx := context.Background()

	assert.Equal(t, StateAbsent, h.sup.QueryStatus()["worker"].State)

	h.sup.PollOnce(ctx)
	assert.Equal(t, StateRunning, h.sup.QueryStatus()["worker"].State)

	h.clock.Advance(10 * time.Second)
	h.world.exit(h.pid(t, "worker"))
	h.sup.PollOnce(ctx)
	assert.Equal(t, StateExited, h.sup.QueryStatus()["worker"].State)

	// Clearing an exited handle does not signal it again
	h.sup.StopAll(ctx)
	status := h.sup.QueryStatus()["worker"]
	assert.Equal(t, StateAbsent, status.State)
	assert.Zero(t, status.PID)
	assert.Empty(t, h.world.terminatedPIDs())
}

func TestPollOnce_KillsProcessRecordedInPIDFile(t *testing.T) {
	spec := testSpec("worker")
	h := newHarness(t, CooldownStall, spec)
	pidFiles := newFakePIDFiles()
	h.sup.options.PIDFiles = pidFiles

	// A worker from an earlier run that rewrote its command line
	renamed := h.world.addStray("python", "worker: idle")
	other := h.world.addStray("python", "/srv/workers/other.py")
	pidFiles.set("worker", renamed)

	h.sup.PollOnce(context.Background())

	assert.Equal(t, []int{renamed}, h.world.terminatedPIDs())
	assert.Contains(t, h.world.live("/srv/workers/other.py"), other)
	assert.Equal(t, 1, h.observer.duplicates["worker"])

	pid, ok := pidFiles.get("worker")
	require.True(t, ok)
	assert.Equal(t, h.pid(t, "worker"), pid)
}

func TestPollOnce_RecordedPIDRunningAnotherProgramIsKept(t *testing.T) {
	h := newHarness(t, CooldownStall, testSpec("worker"))
	pidFiles := newFakePIDFiles()
	h.sup.options.PIDFiles = pidFiles

	reused := h.world.addStray("bash", "-l")
	pidFiles.set("worker", reused)

	h.sup.PollOnce(context.Background())

	assert.Empty(t, h.world.terminatedPIDs())
	assert.True(t, h.sup.QueryStatus()["worker"].Running)
}

func TestPollOnce_PIDFileFollowsRespawns(t *testing.T) {
	h := newHarness(t, CooldownStall, testSpec("worker"))
	pidFiles := newFakePIDFiles()
	h.sup.options.PIDFiles = pidFiles
	ctx := context.Background()

	h.sup.PollOnce(ctx)
	firstPID := h.pid(t, "worker")

	// Only the first spawn consults the PID file
	lookalike := h.world.addStray("python", "worker: idle")
	h.world.exit(firstPID)
	h.clock.Advance(DefaultCooldown)
	h.sup.PollOnce(ctx)

	assert.Empty(t, h.world.terminatedPIDs())
	assert.Contains(t, h.world.live("worker: idle"), lookalike)

	pid, ok := pidFiles.get("worker")
	require.True(t, ok)
	assert.Equal(t, h.pid(t, "worker"), pid)
	assert.NotEqual(t, firstPID, pid)

	h.sup.StopAll(ctx)
	_, ok = pidFiles.get("worker")
	assert.False(t, ok)
}

func TestRestartOne_BypassesCooldown(t *testing.T) {
	spec := testSpec("worker")
	h := newHarness(t, CooldownStall, spec)
	ctx := context.Background()

	h.sup.PollOnce(ctx)
	oldPID := h.pid(t, "worker")

	require.NoError(t, h.sup.RestartOne(ctx, "worker"))

	newPID := h.pid(t, "worker")
	assert.NotEqual(t, oldPID, newPID)
	assert.Equal(t, []int{oldPID}, h.world.terminatedPIDs())
	assert.Equal(t, []int{newPID}, h.world.live(spec.Target))
	assert.Empty(t, h.clock.Sleeps())
	assert.Equal(t, 1, h.observer.restartCount("worker", ReasonRequested))
	assert.Zero(t, h.world.violationCount())
}

func TestRestartOne_ConcurrentCallsNeverOverlap(t *testing.T) {
	spec := testSpec("worker")
	h := newHarness(t, CooldownStall, spec)
	h.world.spawnDelay = time.Millisecond
	ctx := context.Background()

	h.sup.PollOnce(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.sup.RestartOne(ctx, "worker"))
		}()
	}

	// The poll path races the requested restarts
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.world.exit(h.pid(t, "worker"))
		h.sup.PollOnce(ctx)
	}()
	wg.Wait()

	assert.Zero(t, h.world.violationCount())
	assert.Len(t, h.world.live(spec.Target), 1)
	assert.Equal(t, h.world.live(spec.Target)[0], h.pid(t, "worker"))
}

func TestRestartOne_UnknownWorker(t *testing.T) {
	h := newHarness(t, CooldownStall, testSpec("worker"))

	err := h.sup.RestartOne(context.Background(), "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestPollOnce_SpawnFailureIsIsolated(t *testing.T) {
	h := newHarness(t, CooldownStall, testSpec("alpha"), testSpec("beta"), testSpec("gamma"))
	h.world.spawnErrs["alpha"] = errors.NewProcessSpawnError("no interpreter", nil)
	h.world.spawnPanics["beta"] = true

	assert.NotPanics(t, func() { h.sup.PollOnce(context.Background()) })

	statuses := h.sup.QueryStatus()
	assert.False(t, statuses["alpha"].Running)
	assert.Contains(t, statuses["alpha"].LastError, "no interpreter")
	assert.Equal(t, h.clock.Now(), statuses["alpha"].LastRestartAt)
	assert.False(t, statuses["beta"].Running)
	assert.Contains(t, statuses["beta"].LastError, "panic")
	assert.True(t, statuses["gamma"].Running)
	assert.Equal(t, 1, h.observer.failures["alpha"])
}

func TestPollOnce_FailedSpawnRespectsCooldown(t *testing.T) {
	h := newHarness(t, CooldownStall, testSpec("worker"))
	h.world.spawnErrs["worker"] = errors.NewProcessSpawnError("broken", nil)
	ctx := context.Background()

	h.sup.PollOnce(ctx)
	h.sup.PollOnce(ctx)

	assert.Equal(t, []time.Duration{DefaultCooldown}, h.clock.Sleeps())
	assert.Equal(t, 2, h.world.spawnCount())
}

func TestPollOnce_ScanFailureAbortsSpawn(t *testing.T) {
	h := newHarness(t, CooldownStall, testSpec("worker"))
	h.world.listErr = assert.AnError

	h.sup.PollOnce(context.Background())

	assert.Zero(t, h.world.spawnCount())
	status := h.sup.QueryStatus()["worker"]
	assert.False(t, status.Running)
	assert.NotEmpty(t, status.LastError)
	assert.True(t, status.LastRestartAt.IsZero())
}

func TestPollOnce_SurvivingDuplicateAbortsSpawn(t *testing.T) {
	spec := testSpec("worker")
	h := newHarness(t, CooldownStall, spec)
	stray := h.world.addStray("python", spec.Target)
	h.world.terminateErr[stray] = assert.AnError

	h.sup.PollOnce(context.Background())

	assert.Zero(t, h.world.spawnCount())
	assert.Equal(t, []int{stray}, h.world.live(spec.Target))
}

func TestUpdateAndRestart(t *testing.T) {
	h := newHarness(t, CooldownStall, testSpec("worker"))
	ctx := context.Background()
	h.sup.PollOnce(ctx)
	oldPID := h.pid(t, "worker")

	require.NoError(t, h.sup.UpdateAndRestart(ctx, "worker", []byte("print('v2')")))

	assert.Equal(t, []byte("print('v2')"), h.deployer.deployed["worker"])
	assert.NotEqual(t, oldPID, h.pid(t, "worker"))
	assert.Equal(t, 1, h.observer.restartCount("worker", ReasonUpdate))
}

func TestUpdateAndRestart_DeployFailureKeepsProcess(t *testing.T) {
	h := newHarness(t, CooldownStall, testSpec("worker"))
	ctx := context.Background()
	h.sup.PollOnce(ctx)
	oldPID := h.pid(t, "worker")
	h.deployer.err = errors.NewIOError("disk full", nil)

	err := h.sup.UpdateAndRestart(ctx, "worker", []byte("x"))

	assert.True(t, errors.IsIOError(err))
	assert.Equal(t, oldPID, h.pid(t, "worker"))
	assert.Equal(t, 1, h.world.spawnCount())

	err = h.sup.UpdateAndRestart(ctx, "missing", []byte("x"))
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStartAllAndStopAll(t *testing.T) {
	h := newHarness(t, CooldownStall, testSpec("alpha"), testSpec("beta"))
	clock := &blockingClock{fakeClock: fakeClock{now: h.clock.Now()}}
	h.sup.options.Clock = clock
	ctx := context.Background()

	require.NoError(t, h.sup.StartAll(ctx))

	statuses := h.sup.QueryStatus()
	assert.True(t, statuses["alpha"].Running)
	assert.True(t, statuses["beta"].Running)
	assert.True(t, h.observer.running["alpha"])

	err := h.sup.StartAll(ctx)
	assert.True(t, errors.IsConflictError(err))

	h.sup.StopAll(ctx)

	assert.Empty(t, h.world.live(testSpec("alpha").Target))
	assert.Empty(t, h.world.live(testSpec("beta").Target))
	for _, status := range h.sup.QueryStatus() {
		assert.False(t, status.Running)
		assert.Equal(t, StateAbsent, status.State)
	}
	assert.False(t, h.observer.running["alpha"])

	assert.True(t, errors.IsConflictError(h.sup.RestartOne(ctx, "alpha")))

	// Stopping twice is a no-op
	h.sup.StopAll(ctx)
}

func TestNew_DuplicateSpecNames(t *testing.T) {
	first := testSpec("worker")
	second := testSpec("worker")
	second.Target = "/other/worker.sh"

	sup, err := New(Options{Spawner: newFakeWorld(), Table: newFakeWorld(), Clock: newFakeClock()},
		[]launch.LaunchSpec{first, second}, logging.NewNopLogger())

	require.Error(t, err)
	require.NotNil(t, sup)
	assert.Equal(t, []string{"worker"}, sup.Names())
	assert.Equal(t, first.Target, sup.QueryStatus()["worker"].Target)
}

func TestNew_InvalidOptions(t *testing.T) {
	_, err := New(Options{Cooldown: -time.Second}, nil, logging.NewNopLogger())
	assert.True(t, errors.IsValidationError(err))

	_, err = New(Options{CooldownMode: "sometimes"}, nil, logging.NewNopLogger())
	assert.True(t, errors.IsValidationError(err))
}

func TestReconcile(t *testing.T) {
	h := newHarness(t, CooldownStall, testSpec("keep"), testSpec("change"), testSpec("drop"))
	clock := &blockingClock{fakeClock: fakeClock{now: h.clock.Now()}}
	h.sup.options.Clock = clock
	ctx := context.Background()
	require.NoError(t, h.sup.StartAll(ctx))
	defer h.sup.StopAll(ctx)

	keepPID := h.pid(t, "keep")
	changePID := h.pid(t, "change")

	changed := testSpec("change")
	changed.Args = []string{"--fast"}

	err := h.sup.Reconcile(ctx, []launch.LaunchSpec{testSpec("keep"), changed, testSpec("added")})
	require.NoError(t, err)

	assert.Equal(t, []string{"added", "change", "keep"}, h.sup.Names())
	assert.Equal(t, keepPID, h.pid(t, "keep"))
	assert.NotEqual(t, changePID, h.pid(t, "change"))
	assert.True(t, h.sup.QueryStatus()["added"].Running)
	assert.Empty(t, h.world.live(testSpec("drop").Target))
	assert.Equal(t, []string{"drop"}, h.observer.removed)
	assert.Equal(t, 1, h.observer.restartCount("added", ReasonReconcile))
	assert.Equal(t, 1, h.observer.restartCount("change", ReasonReconcile))
	assert.Zero(t, h.observer.restartCount("keep", ReasonReconcile))
}

func TestReconcile_BeforeStartDoesNotSpawn(t *testing.T) {
	h := newHarness(t, CooldownStall, testSpec("old"))

	err := h.sup.Reconcile(context.Background(), []launch.LaunchSpec{testSpec("new"), testSpec("new")})

	assert.True(t, errors.IsConflictError(err.(*errors.ErrorCollection).Errors[0]))
	assert.Equal(t, []string{"new"}, h.sup.Names())
	assert.Zero(t, h.world.spawnCount())
}

func TestSetCheckInterval(t *testing.T) {
	h := newHarness(t, CooldownStall)
	assert.Equal(t, 60*time.Second, h.sup.CheckInterval())

	h.sup.SetCheckInterval(5 * time.Second)
	assert.Equal(t, 5*time.Second, h.sup.CheckInterval())

	h.sup.SetCheckInterval(0)
	assert.Equal(t, 60*time.Second, h.sup.CheckInterval())
}
