package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/plugbox/internal/plugin/api"
	"github.com/dshills/plugbox/internal/plugin/faults"
	"github.com/dshills/plugbox/internal/plugin/lua"
	"github.com/dshills/plugbox/internal/plugin/rpc"
)

// Session is the worker end of one bridge. It owns at most one runtime.
type Session struct {
	bridge   *rpc.Bridge
	cache    *lua.ChunkCache
	logger   hclog.Logger
	security hclog.Logger
	pid      int

	mu      sync.Mutex
	runtime *lua.Runtime
	closed  bool
}

// NewSession creates a Session over conn. cache may be shared with other
// sessions in the same process; nil gives the session its own.
func NewSession(conn io.ReadWriteCloser, cache *lua.ChunkCache, logger hclog.Logger) *Session {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Session{
		cache:    cache,
		logger:   logger,
		security: logger.Named("security"),
		pid:      os.Getpid(),
	}
	s.bridge = rpc.NewBridge(conn,
		rpc.WithHandler(s.handle),
		rpc.WithLogger(logger.Named("bridge")),
	)
	return s
}

// Run serves requests until the host disconnects, then closes the runtime.
func (s *Session) Run() error {
	s.bridge.Start()
	<-s.bridge.Done()
	s.Close()
	return s.bridge.Err()
}

// Close terminates the bridge and the runtime.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	rt := s.runtime
	s.mu.Unlock()

	s.bridge.Close()
	if rt != nil {
		rt.Close()
	}
}

func (s *Session) handle(ctx context.Context, msg *rpc.Message) (any, error) {
	switch msg.Type {
	case rpc.TypeInitialize:
		var spec Spec
		if err := json.Unmarshal(msg.Args, &spec); err != nil {
			return nil, fmt.Errorf("decode worker spec: %w", err)
		}
		return s.initialize(ctx, spec)
	case rpc.TypeExecute:
		var args []any
		if len(msg.Args) > 0 {
			if err := json.Unmarshal(msg.Args, &args); err != nil {
				return nil, fmt.Errorf("decode %s args: %w", msg.Method, err)
			}
		}
		return s.execute(ctx, msg.Method, args)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, msg.Type)
}

func (s *Session) initialize(ctx context.Context, spec Spec) (*Ready, error) {
	s.mu.Lock()
	if s.runtime != nil {
		s.mu.Unlock()
		return nil, ErrAlreadyInitialized
	}
	if s.closed {
		s.mu.Unlock()
		return nil, faults.ErrInstanceTerminated
	}
	s.mu.Unlock()

	logger := s.logger.Named(spec.PluginID).With("instance", spec.InstanceID)
	rt, err := lua.NewRuntime(lua.Config{
		PluginID:    spec.PluginID,
		Root:        spec.Root,
		EntryPoint:  spec.EntryPoint,
		Permissions: spec.Permissions,
		Limits:      spec.Limits,
		Caller:      s.caller(spec),
		Reporter:    s.reportViolation(spec.PluginID),
		Cache:       s.cache,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	if err := rt.Initialize(ctx); err != nil {
		rt.Close()
		return nil, err
	}

	s.mu.Lock()
	if s.closed || s.runtime != nil {
		s.mu.Unlock()
		rt.Close()
		return nil, ErrAlreadyInitialized
	}
	s.runtime = rt
	s.mu.Unlock()

	go s.forwardFaults(rt)

	logger.Debug("sandbox ready", "surface", rt.Surface().String())
	return &Ready{Exports: rt.Exports(), Surface: rt.Surface().Operations(), Pid: s.pid}, nil
}

func (s *Session) execute(ctx context.Context, method string, args []any) (any, error) {
	s.mu.Lock()
	rt := s.runtime
	s.mu.Unlock()
	if rt == nil {
		return nil, ErrNotInitialized
	}
	return rt.Execute(ctx, method, args)
}

// caller sends the runtime's api calls to the host with the RPC deadline.
func (s *Session) caller(spec Spec) api.Caller {
	timeout := spec.Limits.RPCTimeout
	return api.CallerFunc(func(ctx context.Context, method string, args any) (json.RawMessage, error) {
		return s.bridge.CallTimeout(ctx, timeout, rpc.TypeAPICall, method, args)
	})
}

func (s *Session) reportViolation(pluginID string) api.Reporter {
	return func(method string, err error) {
		s.security.Warn("blocked sandbox operation",
			"security_event", true,
			"plugin", pluginID,
			"method", method,
			"kind", faults.KindOf(err),
			"error", err)
		if nerr := s.bridge.Notify(rpc.TypeSecurity, SecurityEvent{Method: method}, err); nerr != nil {
			s.logger.Debug("security event not delivered", "error", nerr)
		}
	}
}

// forwardFaults sends each runtime fault to the host as one error event.
func (s *Session) forwardFaults(rt *lua.Runtime) {
	for err := range rt.Faults() {
		if nerr := s.bridge.Notify(rpc.TypeError, nil, err); nerr != nil {
			s.logger.Debug("fault not delivered", "error", nerr)
		}
	}
}
