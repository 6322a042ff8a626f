package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/plugbox/internal/config"
	"github.com/dshills/plugbox/internal/plugin"
)

const greeterManifest = `{
  "name": "greeter",
  "version": "1.0.0",
  "engineVersionRange": "^1.0.0",
  "entryPoint": "main.lua",
  "requestedCapabilities": {"ui": {"commands": true}, "memory": true}
}`

const greeterSource = `
local M = {}

function M.activate()
  host.addCommand({ id = "hello", title = "Say hello" })
end

function M.greet(name)
  host.storeMemory("greeted " .. name, "log")
  return "hello, " .. name
end

function M.count(query)
  return #host.searchMemory(query)
end

return M
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	plugins := filepath.Join(root, "plugins")
	dir := filepath.Join(plugins, "greeter")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(greeterManifest), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(greeterSource), 0644))

	cfg := config.Default()
	cfg.Plugins.Paths = []string{plugins}
	cfg.Plugins.DataDir = filepath.Join(root, "data")
	cfg.Plugins.Isolation = config.IsolationInProcess
	cfg.Plugins.AutoEnable = true
	cfg.Restart.Enabled = false
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) (*Application, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	app, err := New(Options{Config: cfg, LogOutput: &logs})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown() })
	return app, &logs
}

func TestStartDiscoversAndEnables(t *testing.T) {
	app, logs := newTestApp(t, testConfig(t))
	ctx := context.Background()

	require.NoError(t, app.Start(ctx))
	assert.ErrorIs(t, app.Start(ctx), ErrAlreadyRunning)

	rec, ok := app.Manager().Get("greeter")
	require.True(t, ok)
	assert.Equal(t, plugin.StateEnabled, rec.State)
	assert.Equal(t, []string{"greeter.hello"}, app.Console().Commands())

	raw, err := app.Manager().Execute(ctx, "greeter", "greet", "ada")
	require.NoError(t, err)
	assert.JSONEq(t, `"hello, ada"`, string(raw))

	raw, err = app.Manager().Execute(ctx, "greeter", "count", "ada")
	require.NoError(t, err)
	assert.JSONEq(t, "1", string(raw))

	assert.Contains(t, logs.String(), "plugin host started")
}

func TestUninstallReleasesContributions(t *testing.T) {
	app, _ := newTestApp(t, testConfig(t))
	ctx := context.Background()
	require.NoError(t, app.Start(ctx))
	require.NotEmpty(t, app.Console().Commands())

	require.NoError(t, app.Manager().Uninstall(ctx, "greeter"))
	assert.Eventually(t, func() bool {
		return len(app.Console().Commands()) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestRecordsSurviveRestart(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	first, _ := newTestApp(t, cfg)
	require.NoError(t, first.Start(ctx))
	require.NoError(t, first.Shutdown())
	assert.FileExists(t, cfg.StorePath())

	cfg.Plugins.Paths = nil
	second, _ := newTestApp(t, cfg)
	require.NoError(t, second.Start(ctx))

	rec, ok := second.Manager().Get("greeter")
	require.True(t, ok, "plugin restored from the record store")
	assert.Equal(t, plugin.StateEnabled, rec.State)
}

func TestRunStopsOnCancel(t *testing.T) {
	app, _ := newTestApp(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())

	errs := make(chan error, 1)
	go func() { errs <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		return app.Manager().Running() == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 0, app.Manager().Running())
	assert.NoError(t, app.Shutdown())
}

func TestMemoryStoreDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = config.StoreMemory

	app, _ := newTestApp(t, cfg)
	require.NoError(t, app.Start(context.Background()))
	assert.NoFileExists(t, cfg.StorePath())
}

func TestNewBadConfigPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[plugins\n"), 0644))

	_, err := New(Options{ConfigPath: path})
	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "config", initErr.Component)
}
