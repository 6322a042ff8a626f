// Package app assembles a plugin host from configuration: collaborator
// services, the record store, the plugin manager and the hot-reload watcher.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/plugbox/internal/config"
	"github.com/dshills/plugbox/internal/plugin"
	"github.com/dshills/plugbox/internal/plugin/store"
	"github.com/dshills/plugbox/internal/plugin/worker"
	"github.com/dshills/plugbox/internal/services"
	"github.com/dshills/plugbox/internal/services/agents"
	"github.com/dshills/plugbox/internal/services/memory"
	"github.com/dshills/plugbox/internal/services/models"
	"github.com/dshills/plugbox/internal/services/ui"
)

// Options configures the application.
type Options struct {
	// Config is used as is when set. Otherwise ConfigPath is loaded.
	Config     *config.Config
	ConfigPath string

	// LogOutput receives host logs. Nil means stderr.
	LogOutput io.Writer

	// Launcher overrides the launcher chosen by plugins.isolation.
	Launcher worker.Launcher

	// Approver decides the grant of each enabled plugin. Nil grants what
	// the manifest requests.
	Approver plugin.Approver
}

// Application is a running plugin host.
type Application struct {
	config *config.Config
	logger hclog.Logger

	records  plugin.RecordStore
	closers  []func() error
	console  *ui.Console
	agents   *agents.Runtime
	models   *models.Router
	memory   *memory.Store
	manager  *plugin.Manager
	reloader *plugin.Reloader

	unsubscribe func()

	running  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// New creates an Application. Nothing is loaded or started until Start.
func New(opts Options) (*Application, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(opts.ConfigPath); err != nil {
			return nil, &InitError{Component: "config", Err: err}
		}
	}

	app := &Application{
		config: cfg,
		logger: NewLogger(cfg.Log, opts.LogOutput),
		done:   make(chan struct{}),
	}
	if err := app.bootstrap(opts); err != nil {
		app.closeAll()
		return nil, err
	}
	return app, nil
}

// bootstrap initializes components in dependency order.
func (app *Application) bootstrap(opts Options) error {
	cfg := app.config

	// 1. Collaborator services
	app.models = models.NewRouter(cfg.Models.Provider)
	app.models.SetMaxTokens(cfg.Models.MaxTokens)
	app.models.Register(models.Echo{}, "")
	switch cfg.Models.Provider {
	case "anthropic":
		app.models.Register(models.NewAnthropic(cfg.APIKey()), cfg.Models.Model)
	case "openai":
		app.models.Register(models.NewOpenAI(cfg.APIKey()), cfg.Models.Model)
	}
	app.agents = agents.New(app.models)
	app.console = ui.New(app.logger.Named("ui"))

	mem, err := memory.Open(cfg.Memory.DSN)
	if err != nil {
		return &InitError{Component: "memory service", Err: err}
	}
	app.memory = mem
	app.closers = append(app.closers, mem.Close)

	// 2. Record store
	switch cfg.Store.Driver {
	case config.StoreSQLite:
		path := cfg.StorePath()
		if err := ensureParent(path); err != nil {
			return &InitError{Component: "record store", Err: err}
		}
		st, err := store.Open(path)
		if err != nil {
			return &InitError{Component: "record store", Err: err}
		}
		app.records = st
		app.closers = append(app.closers, st.Close)
	default:
		app.records = plugin.NewMemoryStore()
	}

	// 3. Plugin manager
	launcher := opts.Launcher
	if launcher == nil {
		if launcher, err = app.newLauncher(); err != nil {
			return &InitError{Component: "launcher", Err: err}
		}
	}
	managerOpts := []plugin.Option{
		plugin.WithLauncher(launcher),
		plugin.WithStore(app.records),
		plugin.WithLogger(app.logger.Named("manager")),
		plugin.WithServices(services.Set{
			Agents: app.agents,
			Models: app.models,
			Memory: app.memory,
			UI:     app.console,
		}),
	}
	if opts.Approver != nil {
		managerOpts = append(managerOpts, plugin.WithApprover(opts.Approver))
	}
	if restart, enabled := cfg.RestartPolicy(); enabled {
		managerOpts = append(managerOpts, plugin.WithRestartPolicy(restart))
	}
	app.manager, err = plugin.NewManager(cfg.ManagerConfig(), managerOpts...)
	if err != nil {
		return &InitError{Component: "plugin manager", Err: err}
	}
	app.unsubscribe = app.manager.Subscribe(app.onPluginEvent)

	// 4. Hot reload
	if cfg.Plugins.Watch {
		app.reloader, err = plugin.NewReloader(app.manager, app.logger.Named("reload"), cfg.WatcherOptions()...)
		if err != nil {
			return &InitError{Component: "reloader", Err: err}
		}
	}
	return nil
}

func (app *Application) newLauncher() (worker.Launcher, error) {
	if app.config.Plugins.Isolation == config.IsolationInProcess {
		return worker.NewInProcessLauncher(nil, app.logger.Named("worker"))
	}
	return &worker.ProcessLauncher{
		Args:   plugin.DefaultManagerConfig().WorkerArgs,
		Env:    []string{"PLUGBOX_LOG_LEVEL=" + app.config.Log.Level},
		Logger: app.logger.Named("worker"),
	}, nil
}

// onPluginEvent drops what collaborators hold for a removed plugin.
func (app *Application) onPluginEvent(ev plugin.ManagerEvent) {
	switch ev.Type {
	case plugin.EventUninstalled:
		removed := app.agents.Remove(ev.Plugin)
		app.console.RemovePlugin(ev.Plugin)
		app.logger.Debug("released plugin contributions", "plugin", ev.Plugin, "agents", removed)
	case plugin.EventCrashed:
		app.logger.Warn("plugin crashed", "plugin", ev.Plugin, "instance", ev.Instance, "error", ev.Error)
	}
}

// Config returns the resolved configuration.
func (app *Application) Config() *config.Config {
	return app.config
}

// Logger returns the host logger.
func (app *Application) Logger() hclog.Logger {
	return app.logger
}

// Manager returns the plugin manager.
func (app *Application) Manager() *plugin.Manager {
	return app.manager
}

// Console returns the UI service plugins contribute to.
func (app *Application) Console() *ui.Console {
	return app.console
}

// Start restores persisted plugins, installs newly discovered ones and
// starts hot reload. Individual plugin failures are logged and do not stop
// the host.
func (app *Application) Start(ctx context.Context) error {
	if !app.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	if err := app.manager.Restore(ctx); err != nil {
		if errors.Is(err, plugin.ErrManagerClosed) {
			return ErrShutdown
		}
		app.logger.Warn("some plugins were not restored", "error", err)
	}

	installed, err := app.manager.DiscoverAndInstall(ctx)
	if err != nil {
		app.logger.Warn("some plugins were not installed", "error", err)
	}

	if app.reloader != nil {
		app.reloader.Start(ctx)
	}

	app.logger.Info("plugin host started",
		"plugins", len(app.manager.List()),
		"new", len(installed),
		"running", app.manager.Running(),
		"isolation", app.config.Plugins.Isolation)
	return nil
}

// Run starts the host and blocks until ctx is done or Shutdown is called.
func (app *Application) Run(ctx context.Context) error {
	if err := app.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-app.done:
	}
	return app.Shutdown()
}

// Shutdown stops every plugin and releases the stores. It is safe to call
// more than once.
func (app *Application) Shutdown() error {
	app.stopOnce.Do(func() {
		defer close(app.done)

		var errs []error
		if app.reloader != nil {
			if err := app.reloader.Close(); err != nil {
				errs = append(errs, fmt.Errorf("reloader: %w", err))
			}
		}
		if app.manager != nil {
			if err := app.manager.Shutdown(context.Background()); err != nil {
				errs = append(errs, fmt.Errorf("plugin manager: %w", err))
			}
		}
		if app.unsubscribe != nil {
			app.unsubscribe()
		}
		if err := app.closeAll(); err != nil {
			errs = append(errs, err)
		}
		app.stopErr = errors.Join(errs...)
		app.logger.Info("plugin host stopped")
	})
	return app.stopErr
}

func (app *Application) closeAll() error {
	var errs []error
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	app.closers = nil
	return errors.Join(errs...)
}

// ensureParent creates the directory of a sqlite file path.
func ensureParent(dsn string) error {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	return os.MkdirAll(filepath.Dir(dsn), 0o755)
}
