package process

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-keeper/pkg/errors"
	"github.com/core-tools/hsu-keeper/pkg/launch"
	"github.com/core-tools/hsu-keeper/pkg/logging"
	"github.com/core-tools/hsu-keeper/pkg/processtable"
)

func requireLinux(t *testing.T) {
	t.Helper()
	if testing.Short() || runtime.GOOS != "linux" {
		t.Skip("requires real processes on linux")
	}
}

func scriptSpec(t *testing.T, body string) launch.LaunchSpec {
	t.Helper()
	dir := t.TempDir()
	target := filepath.Join(dir, "job.sh")
	require.NoError(t, os.WriteFile(target, []byte("#!/bin/sh\n"+body+"\n"), 0644))
	return launch.LaunchSpec{
		Name:             "job",
		Target:           target,
		Interpreter:      "/bin/sh",
		WorkingDirectory: dir,
	}
}

func TestSpawn_ExitIsObserved(t *testing.T) {
	requireLinux(t)

	spawner := NewExecSpawner(nil, logging.NewNopLogger())
	handle, err := spawner.Spawn(context.Background(), scriptSpec(t, "exit 3"))
	require.NoError(t, err)
	assert.Greater(t, handle.PID(), 0)

	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.True(t, handle.Exited())

	result, err := handle.Terminate(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, processtable.AlreadyExited, result)
}

func TestSpawn_PassesArgumentsAndEnvironment(t *testing.T) {
	requireLinux(t)

	spec := scriptSpec(t, `echo "$1 $KEEPER_TEST" > out.txt`)
	spec.Args = []string{"hello"}

	spawner := NewExecSpawner([]string{"KEEPER_TEST=world"}, logging.NewNopLogger())
	handle, err := spawner.Spawn(context.Background(), spec)
	require.NoError(t, err)
	<-handle.Done()

	data, err := os.ReadFile(filepath.Join(spec.WorkingDirectory, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(data))
}

func TestTerminate_Graceful(t *testing.T) {
	requireLinux(t)

	spawner := NewExecSpawner(nil, logging.NewNopLogger())
	handle, err := spawner.Spawn(context.Background(), scriptSpec(t, "while true; do sleep 1; done"))
	require.NoError(t, err)
	assert.False(t, handle.Exited())

	result, err := handle.Terminate(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, processtable.TerminatedGracefully, result)
	assert.True(t, handle.Exited())
}

func TestTerminate_ForceKill(t *testing.T) {
	requireLinux(t)

	spawner := NewExecSpawner(nil, logging.NewNopLogger())
	spec := scriptSpec(t, "trap '' TERM\ntouch ready\nwhile true; do sleep 1; done")
	handle, err := spawner.Spawn(context.Background(), spec)
	require.NoError(t, err)

	// SIGTERM must not arrive before the trap is installed
	ready := filepath.Join(spec.WorkingDirectory, "ready")
	require.Eventually(t, func() bool {
		_, err := os.Stat(ready)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	result, err := handle.Terminate(context.Background(), 300*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, processtable.TerminatedForcibly, result)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestSpawn_Errors(t *testing.T) {
	spawner := NewExecSpawner(nil, logging.NewNopLogger())

	_, err := spawner.Spawn(context.Background(), launch.LaunchSpec{
		Name:   "missing",
		Target: filepath.Join(t.TempDir(), "missing.py"),
	})
	assert.True(t, errors.IsProcessSpawnError(err))

	spec := scriptSpec(t, "exit 0")
	spec.Interpreter = "definitely-not-an-interpreter-on-path"
	_, err = spawner.Spawn(context.Background(), spec)
	assert.True(t, errors.IsProcessSpawnError(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = spawner.Spawn(ctx, scriptSpec(t, "exit 0"))
	assert.True(t, errors.IsCancelledError(err))
}

func TestValidateLaunchSpec(t *testing.T) {
	valid := scriptSpec(t, "exit 0")

	tests := []struct {
		name      string
		mutate    func(s *launch.LaunchSpec)
		shouldErr bool
	}{
		{"valid", func(s *launch.LaunchSpec) {}, false},
		{"no name", func(s *launch.LaunchSpec) { s.Name = "" }, true},
		{"no target", func(s *launch.LaunchSpec) { s.Target = "" }, true},
		{"relative target", func(s *launch.LaunchSpec) { s.Target = "job.sh" }, true},
		{"target is directory", func(s *launch.LaunchSpec) { s.Target = s.WorkingDirectory }, true},
		{"missing working directory", func(s *launch.LaunchSpec) { s.WorkingDirectory = filepath.Join(s.WorkingDirectory, "nope") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := valid
			tt.mutate(&spec)
			err := ValidateLaunchSpec(spec)
			if tt.shouldErr {
				assert.True(t, errors.IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePID(t *testing.T) {
	pid, err := ValidatePID(" 42\n")
	require.NoError(t, err)
	assert.Equal(t, 42, pid)

	for _, input := range []string{"", "abc", "0", "-5"} {
		_, err := ValidatePID(input)
		assert.True(t, errors.IsValidationError(err), input)
	}
}

func TestValidateEnvironment(t *testing.T) {
	assert.NoError(t, ValidateEnvironment([]string{"A=1", "B="}))
	assert.Error(t, ValidateEnvironment([]string{"A"}))
	assert.Error(t, ValidateEnvironment([]string{"=1"}))
}
