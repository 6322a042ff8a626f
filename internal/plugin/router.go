package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/plugbox/internal/plugin/api"
	"github.com/dshills/plugbox/internal/plugin/faults"
	"github.com/dshills/plugbox/internal/plugin/rpc"
	"github.com/dshills/plugbox/internal/resilience"
	"github.com/dshills/plugbox/internal/services"
)

// router answers api_call requests from workers. Workers are untrusted, so
// every call is checked again against the instance's own permission set
// before anything is read, written, fetched or delegated.
type router struct {
	services services.Set
	breakers *resilience.Breakers
	limiter  *resilience.Limiter
	client   *http.Client
	logger   hclog.Logger

	// violation is called for every refused confinement check.
	violation func(inst *Instance, method string, err error)
}

func (r *router) handler(inst *Instance) rpc.Handler {
	return func(ctx context.Context, msg *rpc.Message) (any, error) {
		result, err := r.route(ctx, inst, msg)
		if err != nil && faults.IsSecurity(err) {
			r.violation(inst, msg.Method, err)
		}
		return result, err
	}
}

func (r *router) route(ctx context.Context, inst *Instance, msg *rpc.Message) (any, error) {
	if msg.Type != rpc.TypeAPICall {
		return nil, fmt.Errorf("%w: worker sent %s request", faults.ErrPermissionDenied, msg.Type)
	}
	if err := r.limiter.Allow(inst.ID); err != nil {
		return nil, err
	}
	capability, ok := api.RequiredCapability(msg.Method)
	if !ok {
		return nil, fmt.Errorf("%w: unknown method %q", faults.ErrPermissionDenied, msg.Method)
	}
	if !inst.checker.Allows(capability) {
		r.logger.Warn("worker called an ungranted operation",
			"plugin", inst.PluginID, "instance", inst.ID, "method", msg.Method, "capability", capability)
		return nil, fmt.Errorf("%w: %s requires %s", faults.ErrPermissionDenied, msg.Method, capability)
	}

	switch msg.Method {
	case api.MethodReadFile:
		args, err := decode[api.ReadFileArgs](msg)
		if err != nil {
			return nil, err
		}
		return r.readFile(inst, args)
	case api.MethodWriteFile:
		args, err := decode[api.WriteFileArgs](msg)
		if err != nil {
			return nil, err
		}
		return r.writeFile(inst, args)
	case api.MethodFetch:
		args, err := decode[api.FetchArgs](msg)
		if err != nil {
			return nil, err
		}
		return r.fetch(ctx, inst, args)
	case api.MethodCreateAgent:
		args, err := decode[api.CreateAgentArgs](msg)
		if err != nil {
			return nil, err
		}
		if r.services.Agents == nil {
			return nil, unavailable("agents")
		}
		return r.breakers.Execute("agents", func() (any, error) {
			return r.services.Agents.CreateAgent(ctx, inst.PluginID, args.Config)
		})
	case api.MethodExecuteAgent:
		args, err := decode[api.ExecuteAgentArgs](msg)
		if err != nil {
			return nil, err
		}
		if r.services.Agents == nil {
			return nil, unavailable("agents")
		}
		return r.breakers.Execute("agents", func() (any, error) {
			return r.services.Agents.ExecuteAgent(ctx, inst.PluginID, args.AgentID, args.Task)
		})
	case api.MethodExecuteModel:
		args, err := decode[api.ExecuteModelArgs](msg)
		if err != nil {
			return nil, err
		}
		if r.services.Models == nil {
			return nil, unavailable("models")
		}
		return r.breakers.Execute("models", func() (any, error) {
			return r.services.Models.ExecuteModel(ctx, args.ModelID, args.Prompt, args.Options)
		})
	case api.MethodStoreMemory:
		args, err := decode[api.StoreMemoryArgs](msg)
		if err != nil {
			return nil, err
		}
		if r.services.Memory == nil {
			return nil, unavailable("memory")
		}
		return r.breakers.Execute("memory", func() (any, error) {
			return r.services.Memory.StoreMemory(ctx, inst.PluginID, args.Content, args.Type, args.Metadata)
		})
	case api.MethodSearchMemory:
		args, err := decode[api.SearchMemoryArgs](msg)
		if err != nil {
			return nil, err
		}
		if r.services.Memory == nil {
			return nil, unavailable("memory")
		}
		opts := args.Options
		opts.Namespace = inst.PluginID
		return r.breakers.Execute("memory", func() (any, error) {
			entries, err := r.services.Memory.SearchMemory(ctx, args.Query, opts)
			if entries == nil && err == nil {
				entries = []services.MemoryEntry{}
			}
			return entries, err
		})
	case api.MethodAddCommand:
		args, err := decode[api.AddCommandArgs](msg)
		if err != nil {
			return nil, err
		}
		if r.services.UI == nil {
			return nil, unavailable("ui")
		}
		cmd := args.Command
		cmd.PluginID = inst.PluginID
		return r.breakers.Execute("ui", func() (any, error) {
			return nil, r.services.UI.AddCommand(ctx, cmd)
		})
	case api.MethodShowNotification:
		args, err := decode[api.ShowNotificationArgs](msg)
		if err != nil {
			return nil, err
		}
		if r.services.UI == nil {
			return nil, unavailable("ui")
		}
		n := args.Notification
		n.PluginID = inst.PluginID
		return r.breakers.Execute("ui", func() (any, error) {
			return nil, r.services.UI.ShowNotification(ctx, n)
		})
	}
	return nil, fmt.Errorf("%w: unhandled method %q", faults.ErrPermissionDenied, msg.Method)
}

func (r *router) readFile(inst *Instance, args api.ReadFileArgs) (*api.ReadFileResult, error) {
	path, err := inst.checker.ResolvePath(args.Path)
	if err != nil {
		return nil, err
	}
	if err := inst.monitor.AllowFileOp(); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", args.Path)
	}
	if limit := inst.monitor.Limits().MaxFileSize; limit > 0 && info.Size() > limit {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", faults.ErrResourceExhausted, args.Path, info.Size(), limit)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	inst.monitor.RecordRead(int64(len(data)))
	return &api.ReadFileResult{Content: string(data), Size: int64(len(data))}, nil
}

func (r *router) writeFile(inst *Instance, args api.WriteFileArgs) (*api.WriteFileResult, error) {
	path, err := inst.checker.ResolvePath(args.Path)
	if err != nil {
		return nil, err
	}
	if path == inst.checker.Root() {
		return nil, fmt.Errorf("cannot write to the plugin directory itself")
	}
	if err := inst.monitor.AllowFileOp(); err != nil {
		return nil, err
	}
	size := int64(len(args.Content))
	if limit := inst.monitor.Limits().MaxFileSize; limit > 0 && size > limit {
		return nil, fmt.Errorf("%w: write of %d bytes exceeds %d", faults.ErrResourceExhausted, size, limit)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return nil, err
	}
	inst.monitor.RecordWrite(size)
	return &api.WriteFileResult{Bytes: size}, nil
}

func (r *router) fetch(ctx context.Context, inst *Instance, args api.FetchArgs) (*api.FetchResult, error) {
	u, err := inst.checker.CheckURL(args.URL)
	if err != nil {
		return nil, err
	}
	if err := inst.monitor.AllowNetworkRequest(); err != nil {
		return nil, err
	}

	method := strings.ToUpper(args.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if args.Body != "" {
		body = strings.NewReader(args.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range args.Headers {
		req.Header.Set(k, v)
	}

	client := *r.client
	client.CheckRedirect = func(next *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		return inst.checker.CheckHost(next.URL.Hostname())
	}

	resp, err := client.Do(req)
	if err != nil {
		var denied *faults.NetworkDomainDeniedError
		if errors.As(err, &denied) {
			return nil, denied
		}
		return nil, err
	}
	defer resp.Body.Close()

	limit := inst.monitor.Limits().MaxFetchBytes
	reader := io.Reader(resp.Body)
	if limit > 0 {
		reader = io.LimitReader(resp.Body, limit+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	inst.monitor.RecordFetch()

	result := &api.FetchResult{Status: resp.StatusCode, Headers: make(map[string]string, len(resp.Header))}
	if limit > 0 && int64(len(data)) > limit {
		data = data[:limit]
		result.Truncated = true
	}
	result.Body = string(data)
	for k := range resp.Header {
		result.Headers[k] = resp.Header.Get(k)
	}
	return result, nil
}

// collaboratorAccepted keeps caller mistakes from tripping a breaker.
func collaboratorAccepted(err error) bool {
	return errors.Is(err, services.ErrInvalidRequest) ||
		errors.Is(err, services.ErrAgentNotFound) ||
		errors.Is(err, services.ErrUnknownModel) ||
		errors.Is(err, context.Canceled)
}

func unavailable(name string) error {
	return fmt.Errorf("%w: %s", services.ErrUnavailable, name)
}

func decode[T any](msg *rpc.Message) (T, error) {
	var args T
	if len(msg.Args) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(msg.Args, &args); err != nil {
		return args, fmt.Errorf("%w: %s arguments: %v", services.ErrInvalidRequest, msg.Method, err)
	}
	return args, nil
}
