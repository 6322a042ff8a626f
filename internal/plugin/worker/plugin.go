package worker

import (
	"context"
	"io"
	"net"
	netrpc "net/rpc"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"github.com/dshills/plugbox/internal/plugin/lua"
)

// pluginName is the key the sandbox is dispensed under.
const pluginName = "sandbox"

// Handshake is shared by the host and every worker process. A binary started
// without the cookie refuses to serve.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PLUGBOX_WORKER",
	MagicCookieValue: "sandbox",
}

// SandboxPlugin is the go-plugin definition of a worker. Over net/rpc it
// exposes a single Attach method that opens a broker stream; the message
// bridge then runs on that stream.
type SandboxPlugin struct {
	// Serve is called on the worker side with each attached stream.
	Serve func(conn io.ReadWriteCloser)
}

// Server returns the net/rpc server for the worker side.
func (p *SandboxPlugin) Server(b *plugin.MuxBroker) (interface{}, error) {
	return &sandboxServer{broker: b, serve: p.Serve}, nil
}

// Client returns the host side stub.
func (p *SandboxPlugin) Client(b *plugin.MuxBroker, c *netrpc.Client) (interface{}, error) {
	return &sandboxClient{broker: b, client: c}, nil
}

type sandboxServer struct {
	broker *plugin.MuxBroker
	serve  func(conn io.ReadWriteCloser)
}

// Attach dials the broker stream the host is accepting on.
func (s *sandboxServer) Attach(id uint32, _ *struct{}) error {
	conn, err := s.broker.Dial(id)
	if err != nil {
		return err
	}
	go s.serve(conn)
	return nil
}

type sandboxClient struct {
	broker *plugin.MuxBroker
	client *netrpc.Client
}

type accepted struct {
	conn net.Conn
	err  error
}

// attach asks the worker to dial a fresh broker stream and returns it.
func (c *sandboxClient) attach(ctx context.Context) (net.Conn, error) {
	id := c.broker.NextId()
	ch := make(chan accepted, 1)
	go func() {
		conn, err := c.broker.Accept(id)
		ch <- accepted{conn: conn, err: err}
	}()

	if err := c.client.Call("Plugin.Attach", id, &struct{}{}); err != nil {
		return nil, err
	}
	select {
	case a := <-ch:
		return a.conn, a.err
	case <-ctx.Done():
		go func() {
			if a := <-ch; a.conn != nil {
				a.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// ServeConfig configures the worker side of a process.
type ServeConfig struct {
	Logger hclog.Logger

	// CacheSize is the number of compiled chunks kept by the process.
	CacheSize int
}

// Serve runs the worker side of a go-plugin process. It does not return
// until the host goes away. Worker logs go to stderr as JSON, which the
// host's go-plugin client re-emits through its own logger.
func Serve(cfg ServeConfig) {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:       "worker",
			Level:      hclog.LevelFromString(os.Getenv("PLUGBOX_LOG_LEVEL")),
			Output:     os.Stderr,
			JSONFormat: true,
		})
	}

	cache, err := lua.NewChunkCache(cfg.CacheSize, 0)
	if err != nil {
		logger.Error("failed to create chunk cache", "error", err)
		os.Exit(1)
	}

	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Logger:          logger,
		Plugins: map[string]plugin.Plugin{
			pluginName: &SandboxPlugin{
				Serve: func(conn io.ReadWriteCloser) {
					if err := NewSession(conn, cache, logger).Run(); err != nil && err != io.EOF {
						logger.Debug("session ended", "error", err)
					}
				},
			},
		},
	})
}
