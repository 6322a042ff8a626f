package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"

	"github.com/dshills/plugbox/internal/plugin/faults"
	"github.com/dshills/plugbox/internal/plugin/rpc"
	"github.com/dshills/plugbox/internal/plugin/security"
	"github.com/dshills/plugbox/internal/plugin/worker"
	"github.com/dshills/plugbox/internal/resilience"
	"github.com/dshills/plugbox/internal/services"
)

// Manager manages the lifecycle of all plugins.
// It owns the plugin records, starts and stops workers, routes their host
// calls and dispatches events.
type Manager struct {
	mu sync.RWMutex

	// Installed plugins by id
	records map[string]*Record

	// Install order (for deterministic iteration)
	order []string

	// Running instances by plugin id
	instances map[string]*Instance

	// Plugins with a lifecycle operation in flight
	busy map[string]bool

	closed bool

	// Event handlers (protected by mu)
	eventHandlers []EventHandler

	config     ManagerConfig
	validator  *Validator
	supervisor *worker.Supervisor
	store      RecordStore
	approver   Approver
	router     *router
	restart    *resilience.RestartPolicy
	logger     hclog.Logger
	security   hclog.Logger
}

// ManagerConfig configures the plugin manager.
type ManagerConfig struct {
	// EngineVersion is matched against each manifest's engineVersionRange.
	EngineVersion string

	// PluginPaths are directories searched by DiscoverAndInstall.
	PluginPaths []string

	// MaxInstances bounds concurrently running workers. Zero means no bound.
	MaxInstances int

	// Limits applied to every instance.
	Limits security.ResourceLimits

	// CallsPerSecond and CallBurst limit api_call traffic per instance.
	CallsPerSecond float64
	CallBurst      int

	// AutoEnable enables discovered plugins and re-enables restored ones.
	AutoEnable bool

	// WorkerArgs are passed to the worker binary by the default launcher.
	WorkerArgs []string
}

// DefaultManagerConfig returns sensible default configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		EngineVersion:  DefaultEngineVersion,
		PluginPaths:    DefaultPluginPaths(),
		MaxInstances:   16,
		Limits:         security.DefaultResourceLimits(),
		CallsPerSecond: 50,
		CallBurst:      100,
		AutoEnable:     false,
		WorkerArgs:     []string{"worker"},
	}
}

// Approver decides which requested permissions a plugin receives. The
// manager grants the intersection of requested and approved, so an approver
// can only narrow a request.
type Approver func(m *Manifest, requested security.PermissionSet) (security.PermissionSet, error)

// ApproveRequested approves every requested permission.
func ApproveRequested(_ *Manifest, requested security.PermissionSet) (security.PermissionSet, error) {
	return requested, nil
}

// Result is the outcome of an asynchronous Execute.
type Result struct {
	Value json.RawMessage
	Err   error
}

// Option configures a Manager.
type Option func(*managerOptions)

type managerOptions struct {
	launcher worker.Launcher
	store    RecordStore
	services services.Set
	approver Approver
	logger   hclog.Logger
	client   *http.Client
	breakers resilience.BreakerConfig
	restart  *resilience.RestartConfig
}

// WithLauncher sets how workers are started. The default launches one child
// process per instance.
func WithLauncher(l worker.Launcher) Option {
	return func(o *managerOptions) { o.launcher = l }
}

// WithStore sets where plugin records are persisted.
func WithStore(s RecordStore) Option {
	return func(o *managerOptions) { o.store = s }
}

// WithServices sets the collaborators plugin calls are routed to.
func WithServices(s services.Set) Option {
	return func(o *managerOptions) { o.services = s }
}

// WithApprover sets the permission approver.
func WithApprover(a Approver) Option {
	return func(o *managerOptions) { o.approver = a }
}

// WithLogger sets the logger.
func WithLogger(l hclog.Logger) Option {
	return func(o *managerOptions) { o.logger = l }
}

// WithHTTPClient sets the client used for plugin fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(o *managerOptions) { o.client = c }
}

// WithBreakerConfig tunes the collaborator circuit breakers.
func WithBreakerConfig(cfg resilience.BreakerConfig) Option {
	return func(o *managerOptions) { o.breakers = cfg }
}

// WithRestartPolicy restarts crashed plugins automatically.
func WithRestartPolicy(cfg resilience.RestartConfig) Option {
	return func(o *managerOptions) { o.restart = &cfg }
}

// NewManager creates a new plugin manager.
func NewManager(config ManagerConfig, opts ...Option) (*Manager, error) {
	o := managerOptions{
		approver: ApproveRequested,
		breakers: resilience.DefaultBreakerConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if config.EngineVersion == "" {
		config.EngineVersion = DefaultEngineVersion
	}
	if config.Limits == (security.ResourceLimits{}) {
		config.Limits = security.DefaultResourceLimits()
	}
	if err := config.Limits.Validate(); err != nil {
		return nil, fmt.Errorf("invalid resource limits: %w", err)
	}

	validator, err := NewValidator(config.EngineVersion)
	if err != nil {
		return nil, err
	}

	launcher := o.launcher
	if launcher == nil {
		launcher = &worker.ProcessLauncher{
			Args:   config.WorkerArgs,
			Logger: logger.Named("worker"),
		}
	}
	store := o.store
	if store == nil {
		store = NewMemoryStore()
	}
	client := o.client
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	if o.breakers.IsSuccessful == nil {
		o.breakers.IsSuccessful = collaboratorAccepted
	}

	m := &Manager{
		records:    make(map[string]*Record),
		instances:  make(map[string]*Instance),
		busy:       make(map[string]bool),
		config:     config,
		validator:  validator,
		supervisor: worker.NewSupervisor(launcher, config.MaxInstances, logger.Named("supervisor")),
		store:      store,
		approver:   o.approver,
		logger:     logger.Named("manager"),
		security:   logger.Named("security"),
	}
	m.router = &router{
		services:  o.services,
		breakers:  resilience.NewBreakers(o.breakers, logger.Named("breaker")),
		limiter:   resilience.NewLimiter(config.CallsPerSecond, config.CallBurst),
		client:    client,
		logger:    logger.Named("router"),
		violation: m.securityViolation,
	}

	if o.restart != nil {
		cfg := *o.restart
		if cfg.Retryable == nil {
			cfg.Retryable = restartable
		}
		m.restart = resilience.NewRestartPolicy(m, cfg, logger.Named("restart"))
		m.Subscribe(func(event ManagerEvent) {
			if event.Type == EventCrashed {
				m.restart.OnCrash(event.Plugin)
			}
		})
	}

	return m, nil
}

// Config returns the manager configuration.
func (m *Manager) Config() ManagerConfig {
	return m.config
}

// Validator returns the manifest validator.
func (m *Manager) Validator() *Validator {
	return m.validator
}

// Install validates the manifest in dir and records the plugin as
// installed. No plugin code runs.
func (m *Manager) Install(ctx context.Context, dir string) (*Record, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed
	}

	manifest, err := m.validator.LoadManifestFromDir(dir)
	if err != nil {
		return nil, fmt.Errorf("install %s: %w", dir, err)
	}

	now := time.Now()
	rec := &Record{
		ID:          manifest.Name,
		Manifest:    manifest,
		State:       StateInstalled,
		InstallPath: manifest.Path(),
		InstalledAt: now,
		UpdatedAt:   now,
	}

	// Register the plugin (brief lock)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, exists := m.records[rec.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("plugin %q: %w", rec.ID, ErrAlreadyInstalled)
	}
	m.records[rec.ID] = rec
	m.order = append(m.order, rec.ID)
	snapshot := rec.Clone()
	m.mu.Unlock()

	if err := m.store.Save(ctx, snapshot); err != nil {
		m.mu.Lock()
		delete(m.records, rec.ID)
		m.removeFromOrder(rec.ID)
		m.mu.Unlock()
		return nil, fmt.Errorf("persist plugin %q: %w", rec.ID, err)
	}

	m.logger.Info("plugin installed", "plugin", rec.ID, "version", manifest.Version, "path", rec.InstallPath)
	m.emitEvent(ManagerEvent{Type: EventInstalled, Plugin: rec.ID})
	return snapshot, nil
}

// Uninstall stops the plugin if it is running and removes its record. The
// install directory is left untouched.
func (m *Manager) Uninstall(ctx context.Context, id string) error {
	if _, err := m.begin(id); err != nil {
		return err
	}

	inst := m.stop(id)

	m.mu.Lock()
	delete(m.records, id)
	delete(m.busy, id)
	m.removeFromOrder(id)
	m.mu.Unlock()

	if m.restart != nil {
		m.restart.Forget(id)
	}
	err := m.store.Delete(ctx, id)

	if inst != nil {
		m.emitEvent(ManagerEvent{Type: EventDisabled, Plugin: id, Instance: inst.ID})
	}
	m.logger.Info("plugin uninstalled", "plugin", id)
	m.emitEvent(ManagerEvent{Type: EventUninstalled, Plugin: id})

	if err != nil {
		return fmt.Errorf("delete plugin record %q: %w", id, err)
	}
	return nil
}

// Enable grants the plugin its approved permissions, starts a worker and
// initializes the sandbox. When the instance bound is reached it fails with
// faults.ErrResourceExhausted and the plugin keeps its state. A worker that
// fails to start or initialize leaves the plugin crashed.
func (m *Manager) Enable(ctx context.Context, id string) error {
	rec, err := m.begin(id)
	if err != nil {
		return err
	}
	defer m.end(id)

	return m.enable(ctx, rec)
}

// Disable stops the plugin's worker. Calls still waiting on it fail with
// faults.ErrInstanceTerminated.
func (m *Manager) Disable(ctx context.Context, id string) error {
	rec, err := m.begin(id)
	if err != nil {
		return err
	}
	defer m.end(id)

	switch rec.State {
	case StateEnabled:
	case StateCrashed:
		return fmt.Errorf("plugin %q: %w", id, ErrCrashed)
	default:
		return fmt.Errorf("plugin %q: %w", id, ErrNotEnabled)
	}

	inst := m.stop(id)
	if inst == nil {
		// The instance crashed after the state was read.
		return fmt.Errorf("plugin %q: %w", id, ErrCrashed)
	}

	snapshot := m.update(id, func(r *Record) { r.State = StateDisabled })
	m.persist(ctx, snapshot)

	m.logger.Info("plugin disabled", "plugin", id, "instance", inst.ID)
	m.emitEvent(ManagerEvent{Type: EventDisabled, Plugin: id, Instance: inst.ID})
	return nil
}

// Reload stops the plugin if it is running, drops its compiled code,
// validates the manifest again and starts it back up.
func (m *Manager) Reload(ctx context.Context, id string) error {
	rec, err := m.begin(id)
	if err != nil {
		return err
	}
	defer m.end(id)

	if rec.State == StateCrashed {
		return fmt.Errorf("plugin %q: %w", id, ErrCrashed)
	}
	wasEnabled := rec.State == StateEnabled

	var inst *Instance
	if wasEnabled {
		if inst = m.stop(id); inst == nil {
			return fmt.Errorf("plugin %q: %w", id, ErrCrashed)
		}
	}

	if inv, ok := m.supervisor.Launcher().(worker.Invalidator); ok {
		n := inv.Invalidate(rec.InstallPath)
		m.logger.Debug("purged compiled chunks", "plugin", id, "count", n)
	}

	manifest, err := m.validator.LoadManifestFromDir(rec.InstallPath)
	if err == nil && manifest.Name != id {
		err = &faults.ValidationError{Field: "name", Reason: fmt.Sprintf("changed from %q to %q", id, manifest.Name)}
	}
	if err != nil {
		snapshot := m.update(id, func(r *Record) {
			if wasEnabled {
				r.State = StateDisabled
			}
			r.LastError = err.Error()
		})
		m.persist(ctx, snapshot)
		if inst != nil {
			m.emitEvent(ManagerEvent{Type: EventDisabled, Plugin: id, Instance: inst.ID, Error: err})
		}
		return fmt.Errorf("reload %s: %w", id, err)
	}

	snapshot := m.update(id, func(r *Record) {
		r.Manifest = manifest
		if wasEnabled {
			r.State = StateDisabled
		}
	})
	if wasEnabled {
		if err := m.enable(ctx, snapshot); err != nil {
			return fmt.Errorf("reload %s: %w", id, err)
		}
	} else {
		m.persist(ctx, snapshot)
	}

	m.logger.Info("plugin reloaded", "plugin", id, "version", manifest.Version)
	m.emitEvent(ManagerEvent{Type: EventReloaded, Plugin: id})
	return nil
}

// Reset moves a crashed plugin to disabled so it can be enabled again.
func (m *Manager) Reset(ctx context.Context, id string) error {
	rec, err := m.begin(id)
	if err != nil {
		return err
	}
	defer m.end(id)

	if rec.State != StateCrashed {
		return fmt.Errorf("plugin %q: %w", id, ErrNotCrashed)
	}
	m.reset(ctx, id)
	return nil
}

// Restart resets the plugin if it crashed and enables it. It is what the
// restart policy calls.
func (m *Manager) Restart(ctx context.Context, id string) error {
	rec, err := m.begin(id)
	if err != nil {
		return err
	}
	defer m.end(id)

	if rec.State == StateCrashed {
		rec = m.reset(ctx, id)
	}
	return m.enable(ctx, rec)
}

// Execute calls an exported function of a running plugin and returns its
// JSON-encoded result.
func (m *Manager) Execute(ctx context.Context, id, method string, args ...any) (json.RawMessage, error) {
	inst, err := m.live(id)
	if err != nil {
		return nil, err
	}
	return inst.handle.Execute(ctx, method, args)
}

// ExecuteAsync is Execute on its own goroutine. The channel receives exactly
// one Result and is then closed.
func (m *Manager) ExecuteAsync(ctx context.Context, id, method string, args ...any) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		value, err := m.Execute(ctx, id, method, args...)
		ch <- Result{Value: value, Err: err}
	}()
	return ch
}

// Get returns a copy of the plugin's record.
func (m *Manager) Get(id string) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.records[id]
	if !exists {
		return nil, false
	}
	return rec.Clone(), true
}

// List returns copies of all records in install order.
func (m *Manager) List() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Record, 0, len(m.order))
	for _, id := range m.order {
		if rec, exists := m.records[id]; exists {
			result = append(result, rec.Clone())
		}
	}
	return result
}

// Instance returns the plugin's running instance.
func (m *Manager) Instance(id string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, exists := m.instances[id]
	return inst, exists
}

// Running returns the number of running instances.
func (m *Manager) Running() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instances)
}

// Stats samples the plugin's worker. When the process cannot be sampled
// the partial stats are returned along with the error.
func (m *Manager) Stats(id string) (*InstanceStats, error) {
	inst, err := m.live(id)
	if err != nil {
		return nil, err
	}
	ws, err := inst.handle.Stats()
	stats := &InstanceStats{
		PluginID:   id,
		InstanceID: inst.ID,
		State:      inst.State(),
		Worker:     ws,
		Usage:      inst.Usage(),
	}
	return stats, err
}

// Subscribe adds an event handler.
// Returns an unsubscribe function to remove the handler.
func (m *Manager) Subscribe(handler EventHandler) func() {
	if handler == nil {
		return func() {} // No-op for nil handlers
	}

	m.mu.Lock()
	m.eventHandlers = append(m.eventHandlers, handler)
	index := len(m.eventHandlers) - 1
	m.mu.Unlock()

	// Return unsubscribe function
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		// Set to nil instead of removing to avoid index shifting issues
		if index < len(m.eventHandlers) {
			m.eventHandlers[index] = nil
		}
	}
}

// Restore loads persisted records. Each manifest is validated again; a
// plugin whose manifest no longer validates is dropped from the store and
// never listed. Plugins that were enabled come back disabled, or are
// enabled again when AutoEnable is set.
func (m *Manager) Restore(ctx context.Context) error {
	stored, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load plugin records: %w", err)
	}

	var restoreErrors []error
	var reenable []string
	for _, rec := range stored {
		manifest, err := m.validator.LoadManifestFromDir(rec.InstallPath)
		if err == nil && manifest.Name != rec.ID {
			err = &faults.ValidationError{Field: "name", Reason: fmt.Sprintf("changed from %q to %q", rec.ID, manifest.Name)}
		}
		if err != nil {
			m.logger.Warn("dropping plugin with invalid manifest", "plugin", rec.ID, "path", rec.InstallPath, "error", err)
			if derr := m.store.Delete(ctx, rec.ID); derr != nil {
				restoreErrors = append(restoreErrors, fmt.Errorf("%s: %w", rec.ID, derr))
			}
			restoreErrors = append(restoreErrors, fmt.Errorf("%s: %w", rec.ID, err))
			continue
		}

		rec = rec.Clone()
		rec.Manifest = manifest
		wasEnabled := rec.State == StateEnabled
		if wasEnabled {
			rec.State = StateDisabled
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrManagerClosed
		}
		if _, exists := m.records[rec.ID]; exists {
			m.mu.Unlock()
			continue
		}
		m.records[rec.ID] = rec
		m.order = append(m.order, rec.ID)
		snapshot := rec.Clone()
		m.mu.Unlock()

		m.logger.Debug("plugin restored", "plugin", rec.ID, "state", rec.State)
		if wasEnabled {
			reenable = append(reenable, rec.ID)
			if !m.config.AutoEnable {
				m.persist(ctx, snapshot)
			}
		}
	}

	if m.config.AutoEnable {
		for _, id := range reenable {
			if err := m.Enable(ctx, id); err != nil {
				restoreErrors = append(restoreErrors, fmt.Errorf("%s: %w", id, err))
			}
		}
	}

	if len(restoreErrors) > 0 {
		return fmt.Errorf("failed to restore %d plugins: %w", len(restoreErrors), errors.Join(restoreErrors...))
	}
	return nil
}

// DiscoverAndInstall installs every valid plugin found under paths, or under
// the configured plugin paths when none are given. Already installed plugins
// are skipped. With AutoEnable each new plugin is also enabled.
func (m *Manager) DiscoverAndInstall(ctx context.Context, paths ...string) ([]*Record, error) {
	if len(paths) == 0 {
		paths = m.config.PluginPaths
	}
	loader := NewLoader(WithPaths(paths...), WithValidator(m.validator))

	infos, err := loader.Discover()
	var installErrors []error
	if err != nil {
		installErrors = append(installErrors, err)
	}

	var installed []*Record
	for _, info := range infos {
		if info.Error != nil {
			m.logger.Warn("skipping invalid plugin", "path", info.Path, "error", info.Error)
			installErrors = append(installErrors, fmt.Errorf("%s: %w", info.Name, info.Error))
			continue
		}
		if _, exists := m.Get(info.Name); exists {
			continue
		}

		rec, err := m.Install(ctx, info.Path)
		if err != nil {
			installErrors = append(installErrors, fmt.Errorf("%s: %w", info.Name, err))
			continue
		}
		if m.config.AutoEnable {
			if err := m.Enable(ctx, rec.ID); err != nil {
				installErrors = append(installErrors, fmt.Errorf("%s: %w", rec.ID, err))
			} else if current, ok := m.Get(rec.ID); ok {
				rec = current
			}
		}
		installed = append(installed, rec)
	}

	if len(installErrors) > 0 {
		return installed, fmt.Errorf("failed to install %d plugins: %w", len(installErrors), errors.Join(installErrors...))
	}
	return installed, nil
}

// Shutdown stops every worker in reverse install order and refuses further
// operations. Records keep their state so Restore can bring enabled plugins
// back.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ids := make([]string, len(m.order))
	for i, id := range m.order {
		ids[len(m.order)-1-i] = id
	}
	m.mu.Unlock()

	if m.restart != nil {
		m.restart.Stop()
	}

	var shutdownErrors []error
	for _, id := range ids {
		inst := m.stop(id)
		if inst == nil {
			continue
		}
		select {
		case <-inst.handle.Done():
		case <-ctx.Done():
			shutdownErrors = append(shutdownErrors, fmt.Errorf("%s: %w", id, ctx.Err()))
		}
		m.logger.Debug("plugin stopped", "plugin", id, "instance", inst.ID)
	}
	m.supervisor.Shutdown()

	if len(shutdownErrors) > 0 {
		return fmt.Errorf("failed to stop %d plugins: %w", len(shutdownErrors), errors.Join(shutdownErrors...))
	}
	return nil
}

func (m *Manager) enable(ctx context.Context, rec *Record) error {
	switch rec.State {
	case StateEnabled:
		return fmt.Errorf("plugin %q: %w", rec.ID, ErrAlreadyEnabled)
	case StateCrashed:
		return fmt.Errorf("plugin %q: %w", rec.ID, ErrCrashed)
	}

	requested := rec.Manifest.Requested()
	approved, err := m.approver(rec.Manifest.Clone(), requested.Clone())
	if err != nil {
		return fmt.Errorf("approve %s: %w", rec.ID, err)
	}
	granted := requested.Intersect(approved)

	inst, err := m.spawn(ctx, rec, granted)
	if err != nil {
		if !errors.Is(err, faults.ErrResourceExhausted) &&
			!errors.Is(err, ErrManagerClosed) &&
			!errors.Is(err, worker.ErrSupervisorClosed) {
			m.spawnFailed(ctx, rec.ID, err)
		}
		return fmt.Errorf("enable %s: %w", rec.ID, err)
	}

	ready, err := inst.handle.Initialize(ctx, worker.Spec{
		PluginID:    rec.ID,
		InstanceID:  inst.ID,
		Root:        rec.InstallPath,
		EntryPoint:  rec.Manifest.EntryPoint,
		Permissions: granted,
		Limits:      m.config.Limits,
	})
	if err != nil {
		m.crash(inst, err)
		return fmt.Errorf("initialize %s: %w", rec.ID, err)
	}
	inst.ready(ready)

	m.mu.Lock()
	current, exists := m.records[rec.ID]
	if m.instances[rec.ID] != inst || !exists {
		m.mu.Unlock()
		return fmt.Errorf("plugin %q: %w", rec.ID, ErrCrashed)
	}
	current.State = StateEnabled
	current.Permissions = granted
	current.LastError = ""
	current.UpdatedAt = time.Now()
	snapshot := current.Clone()
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	m.logger.Info("plugin enabled",
		"plugin", rec.ID,
		"instance", inst.ID,
		"pid", inst.Pid(),
		"surface", ready.Surface,
		"permissions", granted.String())
	m.emitEvent(ManagerEvent{Type: EventEnabled, Plugin: rec.ID, Instance: inst.ID})
	return nil
}

// spawn starts a worker for rec and registers its instance.
func (m *Manager) spawn(ctx context.Context, rec *Record, granted security.PermissionSet) (*Instance, error) {
	checker, err := security.NewChecker(granted, rec.InstallPath)
	if err != nil {
		return nil, err
	}
	inst := newInstance(uuid.NewString(), rec.ID, checker, m.config.Limits)

	handle, err := m.supervisor.Spawn(ctx, inst.ID,
		rpc.WithHandler(m.router.handler(inst)),
		rpc.WithEventHandler(m.workerEvent(inst)),
		rpc.WithTimeout(m.config.Limits.RPCTimeout),
		rpc.WithLogger(m.logger.Named("bridge").With("plugin", rec.ID)),
	)
	if err != nil {
		return nil, err
	}
	inst.handle = handle
	inst.setState(LifecycleInitializing)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		inst.terminate(LifecycleTerminated)
		return nil, ErrManagerClosed
	}
	m.instances[rec.ID] = inst
	m.mu.Unlock()

	go m.watch(inst)
	return inst, nil
}

// spawnFailed marks a plugin crashed when no worker could be started for it.
func (m *Manager) spawnFailed(ctx context.Context, id string, cause error) {
	snapshot := m.update(id, func(r *Record) {
		r.State = StateCrashed
		r.LastError = cause.Error()
	})
	if snapshot == nil {
		return
	}
	m.persist(ctx, snapshot)

	m.logger.Error("plugin worker failed to start", "plugin", id, "error", cause)
	m.emitEvent(ManagerEvent{Type: EventCrashed, Plugin: id, Error: cause})
}

// stop detaches and terminates the plugin's instance, if any.
func (m *Manager) stop(id string) *Instance {
	m.mu.Lock()
	inst := m.instances[id]
	delete(m.instances, id)
	m.mu.Unlock()

	if inst != nil {
		inst.terminate(LifecycleTerminated)
		m.router.limiter.Forget(inst.ID)
	}
	return inst
}

func (m *Manager) reset(ctx context.Context, id string) *Record {
	snapshot := m.update(id, func(r *Record) { r.State = StateDisabled })
	m.persist(ctx, snapshot)
	m.logger.Info("plugin reset", "plugin", id)
	m.emitEvent(ManagerEvent{Type: EventReset, Plugin: id})
	return snapshot
}

// watch turns an unexpected worker exit into a crash.
func (m *Manager) watch(inst *Instance) {
	<-inst.handle.Done()

	_, cause := inst.handle.Exited()
	err := fmt.Errorf("%w: worker exited", faults.ErrInstanceTerminated)
	if cause != nil {
		err = fmt.Errorf("%w: worker exited: %v", faults.ErrInstanceTerminated, cause)
	}
	m.crash(inst, err)
}

// crash marks the plugin crashed and discards inst. It does nothing when
// inst is no longer the plugin's current instance.
func (m *Manager) crash(inst *Instance, cause error) {
	m.mu.Lock()
	if m.instances[inst.PluginID] != inst {
		m.mu.Unlock()
		return
	}
	delete(m.instances, inst.PluginID)

	var snapshot *Record
	if rec, exists := m.records[inst.PluginID]; exists {
		rec.State = StateCrashed
		rec.LastError = cause.Error()
		rec.UpdatedAt = time.Now()
		snapshot = rec.Clone()
	}
	m.mu.Unlock()

	inst.terminate(LifecycleCrashed)
	m.router.limiter.Forget(inst.ID)
	m.persist(context.Background(), snapshot)

	m.logger.Error("plugin crashed", "plugin", inst.PluginID, "instance", inst.ID, "error", cause)
	m.emitEvent(ManagerEvent{Type: EventCrashed, Plugin: inst.PluginID, Instance: inst.ID, Error: cause})
}

// fault handles an asynchronous fault event. Only the first fault of an
// instance is reported; the sandbox is presumed unstable after it.
func (m *Manager) fault(inst *Instance, err error) {
	if !inst.markFaulted() {
		return
	}
	if current, ok := m.Instance(inst.PluginID); !ok || current != inst {
		return
	}

	m.logger.Error("uncaught fault in plugin", "plugin", inst.PluginID, "instance", inst.ID, "error", err)
	m.emitEvent(ManagerEvent{Type: EventFault, Plugin: inst.PluginID, Instance: inst.ID, Error: err})
	m.crash(inst, err)
}

func (m *Manager) workerEvent(inst *Instance) rpc.EventHandler {
	return func(msg *rpc.Message) {
		switch msg.Type {
		case rpc.TypeError:
			err := faults.Decode(msg.Error)
			if err == nil {
				err = &faults.UncaughtFault{PluginID: inst.PluginID, Message: "fault event without error"}
			}
			go m.fault(inst, err)
		case rpc.TypeSecurity:
			var event worker.SecurityEvent
			if len(msg.Args) > 0 {
				_ = json.Unmarshal(msg.Args, &event)
			}
			m.securityViolation(inst, event.Method, faults.Decode(msg.Error))
		case rpc.TypeLog:
			m.logger.Debug("worker log", "plugin", inst.PluginID, "instance", inst.ID, "message", string(msg.Args))
		}
	}
}

func (m *Manager) securityViolation(inst *Instance, method string, err error) {
	m.security.Warn("sandbox confinement violation",
		"security_event", true,
		"plugin", inst.PluginID,
		"instance", inst.ID,
		"method", method,
		"kind", faults.KindOf(err),
		"error", err)
	m.emitEvent(ManagerEvent{Type: EventSecurityViolation, Plugin: inst.PluginID, Instance: inst.ID, Error: err})
}

// live returns the plugin's ready instance.
func (m *Manager) live(id string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	rec, exists := m.records[id]
	if !exists {
		return nil, fmt.Errorf("plugin %q: %w", id, ErrPluginNotFound)
	}
	if rec.State == StateCrashed {
		return nil, fmt.Errorf("plugin %q: %w", id, ErrCrashed)
	}
	inst := m.instances[id]
	if inst == nil || inst.State() != LifecycleReady {
		return nil, fmt.Errorf("plugin %q: %w", id, ErrNotEnabled)
	}
	return inst, nil
}

// begin marks a lifecycle operation on id as in flight and returns a copy
// of its record.
func (m *Manager) begin(id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	rec, exists := m.records[id]
	if !exists {
		return nil, fmt.Errorf("plugin %q: %w", id, ErrPluginNotFound)
	}
	if m.busy[id] {
		return nil, fmt.Errorf("plugin %q: %w", id, ErrTransitionInProgress)
	}
	m.busy[id] = true
	return rec.Clone(), nil
}

func (m *Manager) end(id string) {
	m.mu.Lock()
	delete(m.busy, id)
	m.mu.Unlock()
}

// update applies fn to the record under the lock and returns a copy.
func (m *Manager) update(id string, fn func(r *Record)) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[id]
	if !exists {
		return nil
	}
	fn(rec)
	rec.UpdatedAt = time.Now()
	return rec.Clone()
}

func (m *Manager) persist(ctx context.Context, rec *Record) {
	if rec == nil {
		return
	}
	if err := m.store.Save(ctx, rec); err != nil {
		m.logger.Error("failed to persist plugin record", "plugin", rec.ID, "error", err)
	}
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// emitEvent sends an event to all handlers.
// Handlers are called outside any locks and panics are recovered.
func (m *Manager) emitEvent(event ManagerEvent) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	// Copy handlers under lock
	m.mu.RLock()
	handlers := make([]EventHandler, len(m.eventHandlers))
	copy(handlers, m.eventHandlers)
	m.mu.RUnlock()

	// Call handlers outside lock with panic recovery
	for _, handler := range handlers {
		if handler == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("event handler panic", "event", event.Type.String(), "panic", r)
				}
			}()
			handler(event)
		}()
	}
}

// removeFromOrder removes an id from the install order slice.
// Must be called with mu held.
func (m *Manager) removeFromOrder(id string) {
	for i, n := range m.order {
		if n == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

// restartable reports whether a failed restart is worth retrying.
func restartable(err error) bool {
	return !errors.Is(err, ErrPluginNotFound) &&
		!errors.Is(err, ErrManagerClosed) &&
		!errors.Is(err, ErrAlreadyEnabled) &&
		!errors.Is(err, faults.ErrValidation)
}
