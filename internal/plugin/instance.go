package plugin

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/plugbox/internal/plugin/security"
	"github.com/dshills/plugbox/internal/plugin/worker"
)

// Instance is the live counterpart of an enabled plugin: one worker and the
// permission set it was started with.
type Instance struct {
	ID        string
	PluginID  string
	StartedAt time.Time

	handle  *worker.Handle
	checker *security.Checker
	monitor *security.ResourceMonitor

	mu      sync.RWMutex
	state   LifecycleState
	exports []string
	surface []string

	faulted atomic.Bool
}

func newInstance(id, pluginID string, checker *security.Checker, limits security.ResourceLimits) *Instance {
	return &Instance{
		ID:        id,
		PluginID:  pluginID,
		StartedAt: time.Now(),
		checker:   checker,
		monitor:   security.NewResourceMonitor(limits),
		state:     LifecycleUninitialized,
	}
}

// State returns the lifecycle state.
func (i *Instance) State() LifecycleState {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// Exports returns the functions the plugin exported.
func (i *Instance) Exports() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]string(nil), i.exports...)
}

// Surface returns the host operations present in the sandbox.
func (i *Instance) Surface() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]string(nil), i.surface...)
}

// Permissions returns the permission set the instance runs with.
func (i *Instance) Permissions() security.PermissionSet {
	return i.checker.Permissions()
}

// Pid returns the worker process id, or 0 for an in-process worker.
func (i *Instance) Pid() int {
	if i.handle == nil {
		return 0
	}
	return i.handle.Pid
}

// Pending returns the number of host calls waiting on the worker.
func (i *Instance) Pending() int {
	if i.handle == nil {
		return 0
	}
	return i.handle.Bridge().Pending()
}

// Usage returns the resource counters of host-side operations.
func (i *Instance) Usage() security.Usage {
	return i.monitor.Usage()
}

func (i *Instance) setState(s LifecycleState) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

func (i *Instance) ready(r *worker.Ready) {
	i.mu.Lock()
	i.state = LifecycleReady
	i.exports = r.Exports
	i.surface = r.Surface
	i.mu.Unlock()
}

// markFaulted reports true the first time it is called.
func (i *Instance) markFaulted() bool {
	return i.faulted.CompareAndSwap(false, true)
}

func (i *Instance) terminate(final LifecycleState) {
	i.setState(final)
	if i.handle != nil {
		i.handle.Terminate()
	}
}

// InstanceStats is a snapshot of a running instance.
type InstanceStats struct {
	PluginID   string
	InstanceID string
	State      LifecycleState
	Worker     worker.Stats
	Usage      security.Usage
}
