package lua

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/plugbox/internal/plugin/api"
	"github.com/dshills/plugbox/internal/plugin/faults"
	"github.com/dshills/plugbox/internal/plugin/security"
)

const (
	faultBuffer  = 16
	closeTimeout = 5 * time.Second
)

// Config describes one plugin runtime.
type Config struct {
	PluginID    string
	Root        string
	EntryPoint  string
	Permissions security.PermissionSet
	Limits      security.ResourceLimits

	// Caller carries host API calls. A nil Caller fails every call.
	Caller api.Caller

	// Reporter is told about security violations caught inside the sandbox.
	Reporter api.Reporter

	// Cache holds compiled chunks. A private cache is created when nil.
	Cache *ChunkCache

	Logger hclog.Logger
}

// Runtime is a sandboxed Lua state running one plugin.
type Runtime struct {
	id     string
	root   string
	entry  string
	limits security.ResourceLimits
	logger hclog.Logger
	report api.Reporter

	L       *lua.LState
	exec    *Executor
	cache   *ChunkCache
	sandbox *Sandbox
	timers  *timers
	surface *api.Surface

	// builtins are the globals present before the entry module ran.
	builtins map[string]bool

	// exports is only touched on the executor goroutine.
	exports *lua.LTable

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	initialized bool
	closed      bool
	names       []string
	faults      chan error
}

// NewRuntime creates a runtime and starts its executor. The entry module is
// not run until Initialize.
func NewRuntime(cfg Config) (*Runtime, error) {
	if cfg.PluginID == "" {
		return nil, errors.New("lua: plugin id is required")
	}
	if cfg.EntryPoint == "" {
		return nil, errors.New("lua: entry point is required")
	}

	limits := cfg.Limits
	if limits == (security.ResourceLimits{}) {
		limits = security.DefaultResourceLimits()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	report := cfg.Reporter
	if report == nil {
		report = func(string, error) {}
	}
	caller := cfg.Caller
	if caller == nil {
		caller = api.CallerFunc(func(_ context.Context, method string, _ any) (json.RawMessage, error) {
			return nil, fmt.Errorf("%w: no host connection for %s", faults.ErrInstanceTerminated, method)
		})
	}

	checker, err := security.NewChecker(cfg.Permissions, cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("lua: plugin root: %w", err)
	}

	cache := cfg.Cache
	if cache == nil {
		if cache, err = NewChunkCache(0, limits.MaxFileSize); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	L := newState(limits.CallStackSize)
	r := &Runtime{
		id:      cfg.PluginID,
		root:    checker.Root(),
		entry:   cfg.EntryPoint,
		limits:  limits,
		logger:  logger,
		report:  report,
		L:       L,
		exec:    NewExecutor(L, 0),
		cache:   cache,
		ctx:     ctx,
		cancel:  cancel,
		faults:  make(chan error, faultBuffer),
		surface: api.Build(checker, caller, api.WithReporter(report), api.WithLimits(limits)),
	}

	r.sandbox = NewSandbox(L, r.root, cache, logger)
	r.sandbox.onViolation = func(err error) { report("require", err) }
	r.sandbox.Install()

	r.timers = newTimers(r.exec, limits.MaxTimers, r.runCallback, r.fault)
	r.timers.install(L)

	installHost(L, r.surface, r.id)
	r.builtins = globalNames(L)

	go r.exec.Run(ctx)
	return r, nil
}

// ID returns the plugin id.
func (r *Runtime) ID() string {
	return r.id
}

// Surface returns the API surface projected into the host global.
func (r *Runtime) Surface() *api.Surface {
	return r.surface
}

// Faults delivers one *faults.UncaughtFault per asynchronous failure. It is
// closed by Close.
func (r *Runtime) Faults() <-chan error {
	return r.faults
}

// Exports returns the sorted names of the exported functions.
func (r *Runtime) Exports() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

// ActiveTimers returns the number of scheduled timers.
func (r *Runtime) ActiveTimers() int {
	return r.timers.count()
}

// Initialize loads and runs the entry module once, collects its exports and
// calls activate if the plugin exports one.
func (r *Runtime) Initialize(ctx context.Context) error {
	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return r.terminated("initialize")
	case r.initialized:
		r.mu.Unlock()
		return ErrAlreadyInitialized
	}
	r.mu.Unlock()

	entry, err := security.ResolveWithin(r.root, r.entry)
	if err != nil {
		if faults.IsSecurity(err) {
			r.report("initialize", err)
		}
		return err
	}
	proto, err := r.cache.Load(entry)
	if err != nil {
		return &faults.ExecError{PluginID: r.id, Method: "initialize", Message: err.Error()}
	}

	ctx, cancel := r.callContext(ctx, r.limits.InitTimeout)
	defer cancel()

	var names []string
	err = r.exec.Execute(ctx, func(L *lua.LState) error {
		L.SetContext(ctx)
		defer L.RemoveContext()

		L.Push(L.NewFunctionFromProto(proto))
		if err := L.PCall(0, 1, nil); err != nil {
			return err
		}
		ret := L.Get(-1)
		L.Pop(1)

		exports := L.NewTable()
		collect := func(k, v lua.LValue) {
			name, ok := k.(lua.LString)
			if !ok {
				return
			}
			if fn, ok := v.(*lua.LFunction); ok {
				exports.RawSetString(string(name), fn)
				names = append(names, string(name))
			}
		}
		if t, ok := ret.(*lua.LTable); ok {
			t.ForEach(collect)
		} else {
			L.Get(lua.GlobalsIndex).(*lua.LTable).ForEach(func(k, v lua.LValue) {
				if s, ok := k.(lua.LString); ok && r.builtins[string(s)] {
					return
				}
				collect(k, v)
			})
		}
		r.exports = exports

		if activate, ok := exports.RawGetString("activate").(*lua.LFunction); ok {
			L.Push(activate)
			if err := L.PCall(0, 0, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return r.execError(ctx, "initialize", err)
	}

	sort.Strings(names)
	r.mu.Lock()
	r.initialized = true
	r.names = names
	r.mu.Unlock()

	r.logger.Debug("plugin initialized", "exports", names)
	return nil
}

// Execute calls an exported function with args under the execution deadline.
// One return value is returned as is; several are returned as a []any.
func (r *Runtime) Execute(ctx context.Context, method string, args []any) (any, error) {
	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return nil, r.terminated(method)
	case !r.initialized:
		r.mu.Unlock()
		return nil, ErrNotInitialized
	}
	r.mu.Unlock()

	ctx, cancel := r.callContext(ctx, r.limits.ExecutionTimeout)
	defer cancel()

	var result any
	err := r.exec.Execute(ctx, func(L *lua.LState) error {
		fn, ok := r.exports.RawGetString(method).(*lua.LFunction)
		if !ok {
			return fmt.Errorf("%w: %s", ErrFunctionNotFound, method)
		}

		L.SetContext(ctx)
		defer L.RemoveContext()

		base := L.GetTop()
		L.Push(fn)
		for _, arg := range args {
			L.Push(ToLua(L, arg))
		}
		if err := L.PCall(len(args), lua.MultRet, nil); err != nil {
			return err
		}

		n := L.GetTop() - base
		switch n {
		case 0:
		case 1:
			result = ToGo(L.Get(-1))
		default:
			values := make([]any, n)
			for i := 0; i < n; i++ {
				values[i] = ToGo(L.Get(base + i + 1))
			}
			result = values
		}
		L.SetTop(base)
		return nil
	})
	if err != nil {
		return nil, r.execError(ctx, method, err)
	}
	return result, nil
}

// Close stops every timer and the executor and releases the state. A call
// still running is interrupted.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.faults)
	r.mu.Unlock()

	r.timers.stop()
	r.exec.Close()
	r.cancel()

	select {
	case <-r.exec.Stopped():
		r.L.Close()
	case <-time.After(closeTimeout):
		r.logger.Warn("lua state did not stop in time, abandoning it")
	}
	return nil
}

// callContext bounds ctx by timeout and ends it when the runtime closes.
func (r *Runtime) callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = security.DefaultResourceLimits().ExecutionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	stop := context.AfterFunc(r.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// runCallback runs a timer callback under the execution deadline.
func (r *Runtime) runCallback(L *lua.LState, fn *lua.LFunction) error {
	ctx, cancel := r.callContext(context.Background(), r.limits.ExecutionTimeout)
	defer cancel()

	L.SetContext(ctx)
	defer L.RemoveContext()

	L.Push(fn)
	if err := L.PCall(0, 0, nil); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("timer callback exceeded %s", r.limits.ExecutionTimeout)
		}
		msg, _ := describe(err)
		return errors.New(msg)
	}
	return nil
}

// fault reports an asynchronous failure. Remaining timers are cancelled since
// the plugin is presumed unstable.
func (r *Runtime) fault(err error) {
	r.timers.stop()
	f := &faults.UncaughtFault{PluginID: r.id, Message: err.Error()}
	r.logger.Error("uncaught fault", "error", f.Message)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.faults <- f:
	default:
		r.logger.Warn("fault channel full, dropping fault", "error", f.Message)
	}
}

func (r *Runtime) terminated(method string) error {
	return fmt.Errorf("%w: %s: %w", faults.ErrInstanceTerminated, method, ErrRuntimeClosed)
}

// execError converts a failure of plugin code into the error returned to the
// host.
func (r *Runtime) execError(ctx context.Context, method string, err error) error {
	if errors.Is(err, ErrExecutorClosed) || r.ctx.Err() != nil {
		return r.terminated(method)
	}
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return &faults.ExecError{
			PluginID: r.id,
			Method:   method,
			Message:  "execution deadline exceeded",
			Cause:    faults.KindTimeout,
		}
	case context.Canceled:
		return ctx.Err()
	}

	msg, cause := describe(err)
	return &faults.ExecError{PluginID: r.id, Method: method, Message: msg, Cause: cause}
}

// describe extracts the message of a Lua error and, for errors raised by the
// host API, the kind they carry.
func describe(err error) (string, faults.Kind) {
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) || apiErr.Object == nil {
		return err.Error(), ""
	}
	if t, ok := apiErr.Object.(*lua.LTable); ok {
		kind := t.RawGetString("kind")
		msg := t.RawGetString("message")
		if kind != lua.LNil && msg != lua.LNil {
			return msg.String(), faults.Kind(kind.String())
		}
	}
	return apiErr.Object.String(), ""
}
