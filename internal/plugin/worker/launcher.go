package worker

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"github.com/dshills/plugbox/internal/plugin/lua"
)

// Process is a started worker as seen by the host.
type Process struct {
	// Conn carries the message bridge.
	Conn io.ReadWriteCloser

	// Pid is the worker's process id, or 0 for an in-process worker.
	Pid int

	// Kill stops the worker. It must be safe to call more than once.
	Kill func()
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context, instanceID string) (*Process, error)
}

// Invalidator is implemented by launchers that keep compiled plugin code
// between launches. The manager calls Invalidate before reloading a plugin.
type Invalidator interface {
	Invalidate(dir string) int
}

// ProcessLauncher starts every worker as a child process that calls Serve.
type ProcessLauncher struct {
	// Path is the worker binary. It defaults to the running executable.
	Path string

	// Args are passed to the worker binary, e.g. the name of a hidden
	// subcommand that calls Serve.
	Args []string

	// Env is appended to the host environment.
	Env []string

	// StartTimeout bounds the go-plugin handshake. Zero uses go-plugin's
	// default.
	StartTimeout time.Duration

	Logger hclog.Logger
}

// Launch implements Launcher.
func (l *ProcessLauncher) Launch(ctx context.Context, instanceID string) (*Process, error) {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate worker binary: %w", err)
		}
		path = exe
	}
	logger := l.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	cmd := l.command(path)

	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          map[string]plugin.Plugin{pluginName: &SandboxPlugin{}},
		Cmd:              cmd,
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
		StartTimeout:     l.StartTimeout,
		Logger:           logger.Named(instanceID),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	raw, err := rpcClient.Dispense(pluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("dispense sandbox: %w", err)
	}
	sandbox, ok := raw.(*sandboxClient)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("unexpected sandbox client %T", raw)
	}

	conn, err := sandbox.attach(ctx)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("attach worker: %w", err)
	}

	pid := 0
	if rc := client.ReattachConfig(); rc != nil {
		pid = rc.Pid
	}
	return &Process{
		Conn: conn,
		Pid:  pid,
		Kill: func() {
			conn.Close()
			client.Kill()
		},
	}, nil
}

func (l *ProcessLauncher) command(path string) *exec.Cmd {
	cmd := exec.Command(path, l.Args...)
	cmd.Env = append(os.Environ(), l.Env...)
	return cmd
}

// InProcessLauncher runs each worker as a Session inside the host process.
// All sessions share one chunk cache.
type InProcessLauncher struct {
	cache  *lua.ChunkCache
	logger hclog.Logger
}

// NewInProcessLauncher creates an InProcessLauncher. A nil cache gets a
// default one.
func NewInProcessLauncher(cache *lua.ChunkCache, logger hclog.Logger) (*InProcessLauncher, error) {
	if cache == nil {
		var err error
		if cache, err = lua.NewChunkCache(0, 0); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &InProcessLauncher{cache: cache, logger: logger}, nil
}

// Launch implements Launcher.
func (l *InProcessLauncher) Launch(_ context.Context, instanceID string) (*Process, error) {
	host, guest := net.Pipe()
	session := NewSession(guest, l.cache, l.logger.Named(instanceID))
	go session.Run()

	return &Process{
		Conn: host,
		Kill: func() {
			host.Close()
			session.Close()
		},
	}, nil
}

// Invalidate drops compiled chunks under dir.
func (l *InProcessLauncher) Invalidate(dir string) int {
	return l.cache.Purge(dir)
}

// Cache returns the shared chunk cache.
func (l *InProcessLauncher) Cache() *lua.ChunkCache {
	return l.cache
}
