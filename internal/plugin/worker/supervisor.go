package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/plugbox/internal/plugin/faults"
	"github.com/dshills/plugbox/internal/plugin/rpc"
)

// callMargin is added to a worker-side deadline so the worker reports its own
// timeout before the host gives up on the call.
const callMargin = time.Second

// Supervisor starts workers and bounds how many run at once.
type Supervisor struct {
	launcher Launcher
	max      int
	logger   hclog.Logger

	mu      sync.Mutex
	slots   int
	handles map[string]*Handle
	closed  bool
}

// NewSupervisor creates a Supervisor allowing at most max workers. max <= 0
// means no bound.
func NewSupervisor(launcher Launcher, max int, logger hclog.Logger) *Supervisor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Supervisor{
		launcher: launcher,
		max:      max,
		logger:   logger,
		handles:  make(map[string]*Handle),
	}
}

// Launcher returns the launcher workers are started with.
func (s *Supervisor) Launcher() Launcher {
	return s.launcher
}

// Max returns the instance bound.
func (s *Supervisor) Max() int {
	return s.max
}

// Running returns the number of workers holding a slot.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots
}

// Spawn starts a worker for instanceID and connects a bridge to it with opts.
// When the bound is reached Spawn fails at once with
// faults.ErrResourceExhausted; requests are never queued.
func (s *Supervisor) Spawn(ctx context.Context, instanceID string, opts ...rpc.Option) (*Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSupervisorClosed
	}
	if s.max > 0 && s.slots >= s.max {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d of %d instances running", faults.ErrResourceExhausted, s.slots, s.max)
	}
	s.slots++
	s.mu.Unlock()

	proc, err := s.launcher.Launch(ctx, instanceID)
	if err != nil {
		s.release()
		return nil, err
	}

	h := &Handle{
		ID:      instanceID,
		Pid:     proc.Pid,
		Started: time.Now(),
		proc:    proc,
		bridge:  rpc.NewBridge(proc.Conn, opts...),
	}
	h.onExit = func() { s.remove(h) }

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		h.Terminate()
		return nil, ErrSupervisorClosed
	}
	s.handles[instanceID] = h
	s.mu.Unlock()

	h.bridge.Start()
	go func() {
		<-h.bridge.Done()
		h.Terminate()
	}()

	s.logger.Debug("worker started", "instance", instanceID, "pid", proc.Pid)
	return h, nil
}

// Shutdown terminates every worker and refuses new ones.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.closed = true
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Terminate()
	}
}

func (s *Supervisor) remove(h *Handle) {
	s.mu.Lock()
	if s.handles[h.ID] == h {
		delete(s.handles, h.ID)
	}
	s.mu.Unlock()
	s.release()
	s.logger.Debug("worker stopped", "instance", h.ID)
}

func (s *Supervisor) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slots > 0 {
		s.slots--
	}
}

// Handle is the host's connection to one running worker.
type Handle struct {
	ID      string
	Pid     int
	Started time.Time

	proc   *Process
	bridge *rpc.Bridge
	onExit func()

	mu   sync.Mutex
	spec *Spec

	terminateOnce sync.Once
}

// Bridge returns the message bridge to the worker.
func (h *Handle) Bridge() *rpc.Bridge {
	return h.bridge
}

// Done is closed once the worker is gone, for whatever reason.
func (h *Handle) Done() <-chan struct{} {
	return h.bridge.Done()
}

// Initialize sends spec to the worker and waits for the sandbox to load.
func (h *Handle) Initialize(ctx context.Context, spec Spec) (*Ready, error) {
	timeout := rpc.DefaultTimeout
	if spec.Limits.InitTimeout > 0 {
		timeout = spec.Limits.InitTimeout + callMargin
	}
	raw, err := h.bridge.CallTimeout(ctx, timeout, rpc.TypeInitialize, "", spec)
	if err != nil {
		return nil, err
	}
	var ready Ready
	if err := json.Unmarshal(raw, &ready); err != nil {
		return nil, fmt.Errorf("decode initialize reply: %w", err)
	}

	h.mu.Lock()
	h.spec = &spec
	h.mu.Unlock()
	return &ready, nil
}

// Execute calls an exported plugin function and returns its raw result.
func (h *Handle) Execute(ctx context.Context, method string, args []any) (json.RawMessage, error) {
	if args == nil {
		args = []any{}
	}
	timeout := rpc.DefaultTimeout
	h.mu.Lock()
	if h.spec != nil {
		if d := h.spec.Limits.ExecutionTimeout + callMargin; d > timeout {
			timeout = d
		}
	}
	h.mu.Unlock()
	return h.bridge.CallTimeout(ctx, timeout, rpc.TypeExecute, method, args)
}

// Terminate closes the bridge, which rejects every pending call with
// faults.ErrInstanceTerminated, stops the worker and frees its slot. It is
// safe to call more than once.
func (h *Handle) Terminate() {
	h.terminateOnce.Do(func() {
		h.bridge.Close()
		if h.proc.Kill != nil {
			h.proc.Kill()
		}
		if h.onExit != nil {
			h.onExit()
		}
	})
}

// Exited reports whether the worker is gone and why. A nil error after exit
// means the host terminated it.
func (h *Handle) Exited() (bool, error) {
	select {
	case <-h.bridge.Done():
		err := h.bridge.Err()
		if err != nil && !errors.Is(err, faults.ErrInstanceTerminated) {
			return true, err
		}
		return true, nil
	default:
		return false, nil
	}
}
