package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) Option {
	return WithLookupEnv(func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	})
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugbox.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, IsolationProcess, cfg.Plugins.Isolation)
	assert.Equal(t, StoreSQLite, cfg.Store.Driver)
	assert.Equal(t, "echo", cfg.Models.Provider)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"), WithoutEnv())
	require.NoError(t, err)
	assert.Equal(t, Default().Limits, cfg.Limits)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[plugins]
paths = ["/srv/plugins", "/opt/plugins"]
max_instances = 4
watch = true
debounce = "50ms"

[limits]
execution_timeout = "12s"
max_timers = 8

[rpc]
calls_per_second = 5.5
call_burst = 10

[models]
provider = "anthropic"
api_key_env = "TEST_PLUGBOX_KEY"
`)

	cfg, err := Load(path, WithoutEnv())
	require.NoError(t, err)

	assert.Equal(t, []string{"/srv/plugins", "/opt/plugins"}, cfg.Plugins.Paths)
	assert.Equal(t, 4, cfg.Plugins.MaxInstances)
	assert.True(t, cfg.Plugins.Watch)
	assert.Equal(t, 50*time.Millisecond, cfg.Plugins.Debounce.Std())
	assert.Equal(t, "anthropic", cfg.Models.Provider)

	limits := cfg.ResourceLimits()
	assert.Equal(t, 12*time.Second, limits.ExecutionTimeout)
	assert.Equal(t, 8, limits.MaxTimers)
	assert.Equal(t, Default().Limits.RPCTimeout.Std(), limits.RPCTimeout, "unset keys keep defaults")

	mc := cfg.ManagerConfig()
	assert.Equal(t, 4, mc.MaxInstances)
	assert.Equal(t, 5.5, mc.CallsPerSecond)
	assert.Equal(t, 10, mc.CallBurst)
	assert.Equal(t, limits, mc.Limits)

	t.Setenv("TEST_PLUGBOX_KEY", "sk-test")
	assert.Equal(t, "sk-test", cfg.APIKey())
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[plugins]
max_instances = 4

[log]
level = "warn"
`)

	cfg, err := Load(path, env(map[string]string{
		"PLUGBOX_MAX_INSTANCES":     "9",
		"PLUGBOX_PLUGIN_PATHS":      "/a" + string(os.PathListSeparator) + " /b ",
		"PLUGBOX_AUTO_ENABLE":       "yes",
		"PLUGBOX_EXECUTION_TIMEOUT": "750ms",
		"PLUGBOX_RPC_TIMEOUT":       "500ms",
		"PLUGBOX_LOG_LEVEL":         "debug",
		"PLUGBOX_RESTART":           "off",
	}))
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Plugins.MaxInstances)
	assert.Equal(t, []string{"/a", "/b"}, cfg.Plugins.Paths)
	assert.True(t, cfg.Plugins.AutoEnable)
	assert.Equal(t, 750*time.Millisecond, cfg.Limits.ExecutionTimeout.Std())
	assert.Equal(t, hclog.Debug, cfg.LogLevel())

	_, enabled := cfg.RestartPolicy()
	assert.False(t, enabled)
}

func TestEnvErrors(t *testing.T) {
	_, err := Load("", env(map[string]string{"PLUGBOX_MAX_INSTANCES": "many"}))
	var envErr *EnvError
	require.ErrorAs(t, err, &envErr)
	assert.Equal(t, "PLUGBOX_MAX_INSTANCES", envErr.Var)

	_, err = Load("", env(map[string]string{"PLUGBOX_WATCH": "sometimes"}))
	require.ErrorAs(t, err, &envErr)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"syntax", "[plugins\nmax_instances = 1"},
		{"unknown key", "[plugins]\nmax_instance = 1"},
		{"bad duration", "[limits]\nexecution_timeout = \"soon\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, "<data>", perr.Path)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		path  string
	}{
		{"engine version", "[engine]\nversion = \"one\"", "engine.version"},
		{"isolation", "[plugins]\nisolation = \"vm\"", "plugins.isolation"},
		{"timers", "[limits]\nmax_timers = 0", "limits.max_timers"},
		{"store", "[store]\ndriver = \"postgres\"", "store.driver"},
		{"provider", "[models]\nprovider = \"gemini\"", "models.provider"},
		{"restart interval", "[restart]\ninitial_interval = \"1m\"\nmax_interval = \"1s\"", "restart.max_interval"},
		{"execution under rpc", "[limits]\nexecution_timeout = \"5s\"", "limits.execution_timeout"},
		{"init under rpc", "[limits]\ninit_timeout = \"10s\"", "limits.init_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidationFailed))

			var verrs ValidationErrors
			require.ErrorAs(t, err, &verrs)
			require.Len(t, verrs, 1)
			assert.Equal(t, tt.path, verrs[0].Path)
		})
	}
}

func TestValidateReportsAll(t *testing.T) {
	_, err := Parse([]byte("[limits]\nmax_timers = 0\ncall_stack_size = 0\n[log]\nlevel = \"loud\""))
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs, 3)
}

func TestStorePath(t *testing.T) {
	cfg := Default()
	cfg.Plugins.DataDir = "/data"
	assert.Equal(t, filepath.Join("/data", "plugins.db"), cfg.StorePath())

	cfg.Store.DSN = "file:records.db"
	assert.Equal(t, "file:records.db", cfg.StorePath())
}

func TestEnvVars(t *testing.T) {
	names := EnvVars()
	assert.Contains(t, names, "PLUGBOX_LOG_LEVEL")
	for _, n := range names {
		assert.Regexp(t, `^PLUGBOX_[A-Z_]+$`, n)
	}
}
