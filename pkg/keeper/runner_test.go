package keeper

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-keeper/pkg/control"
	"github.com/core-tools/hsu-keeper/pkg/errors"
	"github.com/core-tools/hsu-keeper/pkg/logging"
)

func TestNewRunner_ConfigUnavailable(t *testing.T) {
	dir := t.TempDir()
	options, err := DefaultOptions(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	options.Control.HTTPAddress = "127.0.0.1:0"

	runner, err := NewRunner(options, logging.NewNopLogger())
	assert.Nil(t, runner)
	assert.True(t, errors.IsConfigUnavailableError(err))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNewRunner_InvalidOptions(t *testing.T) {
	_, err := NewRunner(&Options{}, logging.NewNopLogger())
	assert.True(t, errors.IsValidationError(err))
}

func TestRunner_ServesWorkersEndToEnd(t *testing.T) {
	if testing.Short() || runtime.GOOS != "linux" {
		t.Skip("requires real processes on linux")
	}

	dir := t.TempDir()
	script := "#!/bin/sh\nwhile true; do sleep 1; done\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "looper.sh"), []byte(script), 0755))

	configPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(documentJSON(60, "looper.sh")), 0600))

	options, err := DefaultOptions(configPath)
	require.NoError(t, err)
	options.Keeper.Interpreters = map[string]string{".sh": "/bin/sh"}
	options.Keeper.GraceTimeout = 2 * time.Second
	options.Control.HTTPAddress = "127.0.0.1:0"

	logger := logging.NewNopLogger()
	runner, err := NewRunner(options, logger)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, runner.Start(ctx))
	defer runner.Stop(ctx)

	gateway := control.NewHTTPClientGateway("http://"+runner.HTTPAddress(), nil, logger)

	status, err := gateway.QueryStatus(ctx)
	require.NoError(t, err)
	require.Contains(t, status, "looper")
	assert.True(t, status["looper"].Running)
	firstPID := status["looper"].PID

	require.NoError(t, gateway.RestartOne(ctx, "looper"))
	status, err = gateway.QueryStatus(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, firstPID, status["looper"].PID)

	err = gateway.RestartOne(ctx, "unknown")
	assert.True(t, errors.IsNotFoundError(err))

	response, err := http.Get("http://" + runner.HTTPAddress() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(response.Body)
	response.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `keeper_worker_restarts_total{reason="requested",worker="looper"} 1`)

	backups, err := gateway.ListBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"safe"}, backups)

	runner.Stop(ctx)
	assert.False(t, runner.Keeper().supervisor.QueryStatus()["looper"].Running)
}

func TestValidateConfigFile(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.json")
	require.NoError(t, os.WriteFile(valid, []byte(documentJSON(60, "worker.py")), 0600))
	assert.NoError(t, ValidateConfigFile(valid))

	invalid := filepath.Join(dir, "invalid.json")
	require.NoError(t, os.WriteFile(invalid, []byte(`{"GUILD_ID":"x"}`), 0600))
	assert.True(t, errors.IsConfigValidationError(ValidateConfigFile(invalid)))

	assert.True(t, errors.IsIOError(ValidateConfigFile(filepath.Join(dir, "missing.json"))))
}
