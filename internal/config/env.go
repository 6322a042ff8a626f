package config

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "PLUGBOX_"

type envBinding struct {
	name  string
	apply func(c *Config, value string) error
}

// envBindings maps PLUGBOX_* variables onto settings.
var envBindings = []envBinding{
	{"ENGINE_VERSION", stringVar(func(c *Config) *string { return &c.Engine.Version })},

	{"PLUGIN_PATHS", listVar(func(c *Config) *[]string { return &c.Plugins.Paths })},
	{"DATA_DIR", stringVar(func(c *Config) *string { return &c.Plugins.DataDir })},
	{"MAX_INSTANCES", intVar(func(c *Config) *int { return &c.Plugins.MaxInstances })},
	{"AUTO_ENABLE", boolVar(func(c *Config) *bool { return &c.Plugins.AutoEnable })},
	{"ISOLATION", stringVar(func(c *Config) *string { return &c.Plugins.Isolation })},
	{"WATCH", boolVar(func(c *Config) *bool { return &c.Plugins.Watch })},
	{"DEBOUNCE", durationVar(func(c *Config) *Duration { return &c.Plugins.Debounce })},

	{"EXECUTION_TIMEOUT", durationVar(func(c *Config) *Duration { return &c.Limits.ExecutionTimeout })},
	{"INIT_TIMEOUT", durationVar(func(c *Config) *Duration { return &c.Limits.InitTimeout })},
	{"RPC_TIMEOUT", durationVar(func(c *Config) *Duration { return &c.Limits.RPCTimeout })},
	{"MAX_TIMERS", intVar(func(c *Config) *int { return &c.Limits.MaxTimers })},

	{"RPC_CALLS_PER_SECOND", floatVar(func(c *Config) *float64 { return &c.RPC.CallsPerSecond })},
	{"RPC_CALL_BURST", intVar(func(c *Config) *int { return &c.RPC.CallBurst })},

	{"RESTART", boolVar(func(c *Config) *bool { return &c.Restart.Enabled })},

	{"STORE_DRIVER", stringVar(func(c *Config) *string { return &c.Store.Driver })},
	{"STORE_DSN", stringVar(func(c *Config) *string { return &c.Store.DSN })},
	{"MEMORY_DSN", stringVar(func(c *Config) *string { return &c.Memory.DSN })},

	{"MODEL_PROVIDER", stringVar(func(c *Config) *string { return &c.Models.Provider })},
	{"MODEL", stringVar(func(c *Config) *string { return &c.Models.Model })},
	{"MODEL_API_KEY_ENV", stringVar(func(c *Config) *string { return &c.Models.APIKeyEnv })},

	{"LOG_LEVEL", stringVar(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_JSON", boolVar(func(c *Config) *bool { return &c.Log.JSON })},
}

// EnvVars returns the names of every recognized environment variable.
func EnvVars() []string {
	names := make([]string, len(envBindings))
	for i, b := range envBindings {
		names[i] = EnvPrefix + b.name
	}
	return names
}

// applyEnv overrides settings from the environment. Empty values are
// treated as set.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		name := EnvPrefix + b.name
		value, ok := lookup(name)
		if !ok {
			continue
		}
		if err := b.apply(c, value); err != nil {
			return &EnvError{Var: name, Value: value, Err: err}
		}
	}
	return nil
}

func stringVar(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

// listVar splits on the OS path list separator.
func listVar(field func(*Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error {
		var out []string
		for _, p := range filepath.SplitList(v) {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*field(c) = out
		return nil
	}
}

func boolVar(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		switch strings.ToLower(v) {
		case "true", "yes", "on", "1":
			*field(c) = true
		case "false", "no", "off", "0", "":
			*field(c) = false
		default:
			return strconv.ErrSyntax
		}
		return nil
	}
}

func intVar(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func floatVar(field func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}
}

func durationVar(field func(*Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = Duration(d)
		return nil
	}
}
