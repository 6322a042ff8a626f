package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-hclog"
	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/plugbox/internal/plugin"
	"github.com/dshills/plugbox/internal/plugin/security"
	"github.com/dshills/plugbox/internal/resilience"
	"github.com/dshills/plugbox/internal/watcher"
)

// Isolation modes.
const (
	IsolationProcess   = "process"
	IsolationInProcess = "inprocess"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config is the resolved host configuration.
type Config struct {
	Engine  EngineConfig  `toml:"engine"`
	Plugins PluginsConfig `toml:"plugins"`
	Limits  LimitsConfig  `toml:"limits"`
	RPC     RPCConfig     `toml:"rpc"`
	Restart RestartConfig `toml:"restart"`
	Store   StoreConfig   `toml:"store"`
	Memory  MemoryConfig  `toml:"memory"`
	Models  ModelsConfig  `toml:"models"`
	Log     LogConfig     `toml:"log"`
}

// EngineConfig identifies the host.
type EngineConfig struct {
	// Version is matched against each manifest's engineVersionRange.
	Version string `toml:"version" validate:"required,semver"`
}

// PluginsConfig controls discovery and lifecycle.
type PluginsConfig struct {
	Paths        []string `toml:"paths"`
	DataDir      string   `toml:"data_dir"`
	MaxInstances int      `toml:"max_instances" validate:"gte=0"`
	AutoEnable   bool     `toml:"auto_enable"`
	Isolation    string   `toml:"isolation" validate:"oneof=process inprocess"`

	// Watch turns on hot reload of enabled plugins.
	Watch    bool     `toml:"watch"`
	Debounce Duration `toml:"debounce" validate:"gte=0"`
}

// LimitsConfig mirrors security.ResourceLimits.
type LimitsConfig struct {
	ExecutionTimeout    Duration `toml:"execution_timeout" validate:"gt=0,gtfield=RPCTimeout"`
	InitTimeout         Duration `toml:"init_timeout" validate:"gt=0,gtfield=RPCTimeout"`
	RPCTimeout          Duration `toml:"rpc_timeout" validate:"gt=0"`
	MaxFileSize         int64    `toml:"max_file_size" validate:"gt=0"`
	MaxFetchBytes       int64    `toml:"max_fetch_bytes" validate:"gt=0"`
	MaxTimers           int      `toml:"max_timers" validate:"gt=0"`
	FileOpsPerSecond    int      `toml:"file_ops_per_second" validate:"gte=0"`
	NetworkReqPerSecond int      `toml:"network_req_per_second" validate:"gte=0"`
	CallStackSize       int      `toml:"call_stack_size" validate:"gt=0"`
}

// RPCConfig limits api_call traffic from each instance.
type RPCConfig struct {
	CallsPerSecond float64 `toml:"calls_per_second" validate:"gte=0"`
	CallBurst      int     `toml:"call_burst" validate:"gte=0"`
}

// RestartConfig controls automatic restart of crashed plugins.
type RestartConfig struct {
	Enabled         bool     `toml:"enabled"`
	MaxAttempts     uint     `toml:"max_attempts" validate:"gte=1"`
	InitialInterval Duration `toml:"initial_interval" validate:"gt=0"`
	MaxInterval     Duration `toml:"max_interval" validate:"gtefield=InitialInterval"`
	Window          Duration `toml:"window" validate:"gt=0"`
}

// StoreConfig selects where plugin records are persisted.
type StoreConfig struct {
	Driver string `toml:"driver" validate:"oneof=memory sqlite"`

	// DSN defaults to plugins.db under the data directory.
	DSN string `toml:"dsn"`
}

// MemoryConfig configures the memory service offered to plugins.
type MemoryConfig struct {
	DSN string `toml:"dsn" validate:"required"`
}

// ModelsConfig configures the model service offered to plugins.
type ModelsConfig struct {
	Provider  string `toml:"provider" validate:"oneof=echo anthropic openai"`
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
	MaxTokens int    `toml:"max_tokens" validate:"gte=0"`
}

// LogConfig configures the host logger.
type LogConfig struct {
	Level string `toml:"level" validate:"oneof=trace debug info warn error off"`
	JSON  bool   `toml:"json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	limits := security.DefaultResourceLimits()
	restart := resilience.DefaultRestartConfig()
	mc := plugin.DefaultManagerConfig()

	return &Config{
		Engine: EngineConfig{Version: plugin.DefaultEngineVersion},
		Plugins: PluginsConfig{
			Paths:        mc.PluginPaths,
			DataDir:      defaultDataDir(),
			MaxInstances: mc.MaxInstances,
			Isolation:    IsolationProcess,
			Debounce:     Duration(200 * time.Millisecond),
		},
		Limits: LimitsConfig{
			ExecutionTimeout:    Duration(limits.ExecutionTimeout),
			InitTimeout:         Duration(limits.InitTimeout),
			RPCTimeout:          Duration(limits.RPCTimeout),
			MaxFileSize:         limits.MaxFileSize,
			MaxFetchBytes:       limits.MaxFetchBytes,
			MaxTimers:           limits.MaxTimers,
			FileOpsPerSecond:    limits.FileOpsPerSecond,
			NetworkReqPerSecond: limits.NetworkReqPerSecond,
			CallStackSize:       limits.CallStackSize,
		},
		RPC: RPCConfig{
			CallsPerSecond: mc.CallsPerSecond,
			CallBurst:      mc.CallBurst,
		},
		Restart: RestartConfig{
			Enabled:         true,
			MaxAttempts:     restart.MaxAttempts,
			InitialInterval: Duration(restart.InitialInterval),
			MaxInterval:     Duration(restart.MaxInterval),
			Window:          Duration(restart.Window),
		},
		Store:  StoreConfig{Driver: StoreSQLite},
		Memory: MemoryConfig{DSN: ":memory:"},
		Models: ModelsConfig{Provider: "echo", MaxTokens: 1024},
		Log:    LogConfig{Level: "info"},
	}
}

type options struct {
	lookupEnv func(string) (string, bool)
}

// Option configures Load.
type Option func(*options)

// WithLookupEnv replaces os.LookupEnv for environment overrides.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(o *options) { o.lookupEnv = fn }
}

// WithoutEnv disables environment overrides.
func WithoutEnv() Option {
	return func(o *options) {
		o.lookupEnv = func(string) (string, bool) { return "", false }
	}
}

// Load resolves the configuration from defaults, the TOML file at path and
// the environment. An empty path or a missing file leaves the defaults in
// place.
func Load(path string, opts ...Option) (*Config, error) {
	o := options{lookupEnv: os.LookupEnv}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		default:
			if err := cfg.decode(path, data); err != nil {
				return nil, err
			}
		}
	}

	if err := cfg.applyEnv(o.lookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML data over the defaults and validates the result. The
// environment is not consulted.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode("<data>", data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(source string, data []byte) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		perr := &ParseError{Path: source, Message: err.Error(), Err: err}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			perr.Line, perr.Column = derr.Position()
		}
		var serr *toml.StrictMissingError
		if errors.As(err, &serr) {
			perr.Message = strings.TrimSpace(serr.String())
		}
		return perr
	}
	return nil
}

var structs = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("toml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every setting and reports all failures at once.
func (c *Config) Validate() error {
	err := structs.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	errs := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		_, path, _ := strings.Cut(fe.Namespace(), ".")
		errs = append(errs, &ValidationError{Path: path, Rule: fe.Tag(), Value: fe.Value()})
	}
	return errs
}

// ResourceLimits returns the per-instance limits.
func (c *Config) ResourceLimits() security.ResourceLimits {
	l := c.Limits
	return security.ResourceLimits{
		ExecutionTimeout:    l.ExecutionTimeout.Std(),
		InitTimeout:         l.InitTimeout.Std(),
		RPCTimeout:          l.RPCTimeout.Std(),
		MaxFileSize:         l.MaxFileSize,
		MaxFetchBytes:       l.MaxFetchBytes,
		MaxTimers:           l.MaxTimers,
		FileOpsPerSecond:    l.FileOpsPerSecond,
		NetworkReqPerSecond: l.NetworkReqPerSecond,
		CallStackSize:       l.CallStackSize,
	}
}

// ManagerConfig returns the plugin manager settings.
func (c *Config) ManagerConfig() plugin.ManagerConfig {
	mc := plugin.DefaultManagerConfig()
	mc.EngineVersion = c.Engine.Version
	mc.PluginPaths = append([]string(nil), c.Plugins.Paths...)
	mc.MaxInstances = c.Plugins.MaxInstances
	mc.Limits = c.ResourceLimits()
	mc.CallsPerSecond = c.RPC.CallsPerSecond
	mc.CallBurst = c.RPC.CallBurst
	mc.AutoEnable = c.Plugins.AutoEnable
	return mc
}

// RestartPolicy returns the restart settings and whether restarts are on.
func (c *Config) RestartPolicy() (resilience.RestartConfig, bool) {
	r := c.Restart
	return resilience.RestartConfig{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval.Std(),
		MaxInterval:     r.MaxInterval.Std(),
		Window:          r.Window.Std(),
	}, r.Enabled
}

// WatcherOptions returns the options for the hot-reload watcher.
func (c *Config) WatcherOptions() []watcher.Option {
	return []watcher.Option{watcher.WithDebounce(c.Plugins.Debounce.Std())}
}

// StorePath returns the sqlite DSN for plugin records.
func (c *Config) StorePath() string {
	if c.Store.DSN != "" {
		return c.Store.DSN
	}
	return filepath.Join(c.Plugins.DataDir, "plugins.db")
}

// APIKey returns the model provider key named by models.api_key_env.
func (c *Config) APIKey() string {
	if c.Models.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Models.APIKeyEnv)
}

// LogLevel returns the hclog level for log.level.
func (c *Config) LogLevel() hclog.Level {
	return hclog.LevelFromString(c.Log.Level)
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "plugbox")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "plugbox")
	}
	return filepath.Join(os.TempDir(), "plugbox")
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
