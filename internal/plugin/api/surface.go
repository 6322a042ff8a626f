package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dshills/plugbox/internal/plugin/faults"
	"github.com/dshills/plugbox/internal/plugin/security"
	"github.com/dshills/plugbox/internal/services"
)

// Caller issues a privileged call to the host and returns its raw result.
type Caller interface {
	CallAPI(ctx context.Context, method string, args any) (json.RawMessage, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, method string, args any) (json.RawMessage, error)

// CallAPI implements Caller.
func (f CallerFunc) CallAPI(ctx context.Context, method string, args any) (json.RawMessage, error) {
	return f(ctx, method, args)
}

// Reporter is told about security violations caught before a call leaves the
// sandbox.
type Reporter func(method string, err error)

// Surface is the host API visible to one plugin instance. A field is nil when
// the capability that governs it was not granted; there is no stub that fails
// at call time.
type Surface struct {
	ReadFile         func(ctx context.Context, path string) (string, error)
	WriteFile        func(ctx context.Context, path, content string) error
	Fetch            func(ctx context.Context, req FetchArgs) (*FetchResult, error)
	CreateAgent      func(ctx context.Context, cfg services.AgentConfig) (*services.Agent, error)
	ExecuteAgent     func(ctx context.Context, agentID, task string) (*services.AgentResult, error)
	ExecuteModel     func(ctx context.Context, modelID, prompt string, opts services.ModelOptions) (*services.ModelResult, error)
	StoreMemory      func(ctx context.Context, content, memType string, metadata map[string]string) (*services.MemoryEntry, error)
	SearchMemory     func(ctx context.Context, query string, opts services.SearchOptions) ([]services.MemoryEntry, error)
	AddCommand       func(ctx context.Context, cmd services.Command) error
	ShowNotification func(ctx context.Context, n services.Notification) error
}

// Has reports whether the named operation is present.
func (s *Surface) Has(name string) bool {
	switch name {
	case "readFile":
		return s.ReadFile != nil
	case "writeFile":
		return s.WriteFile != nil
	case "fetch":
		return s.Fetch != nil
	case "createAgent":
		return s.CreateAgent != nil
	case "executeAgent":
		return s.ExecuteAgent != nil
	case "executeModel":
		return s.ExecuteModel != nil
	case "storeMemory":
		return s.StoreMemory != nil
	case "searchMemory":
		return s.SearchMemory != nil
	case "addCommand":
		return s.AddCommand != nil
	case "showNotification":
		return s.ShowNotification != nil
	}
	return false
}

// Operations returns the names of the present operations in grant table
// order.
func (s *Surface) Operations() []string {
	var names []string
	for _, op := range operations {
		if s.Has(op.Name) {
			names = append(names, op.Name)
		}
	}
	return names
}

// String lists the present operations.
func (s *Surface) String() string {
	return "{" + strings.Join(s.Operations(), ",") + "}"
}

type builder struct {
	checker *security.Checker
	caller  Caller
	report  Reporter
	limits  security.ResourceLimits
}

// BuildOption configures Build.
type BuildOption func(*builder)

// WithReporter sets the security violation reporter.
func WithReporter(r Reporter) BuildOption {
	return func(b *builder) {
		b.report = r
	}
}

// WithLimits sets the limits enforced before a call is sent.
func WithLimits(l security.ResourceLimits) BuildOption {
	return func(b *builder) {
		b.limits = l
	}
}

// Build creates the Surface allowed by checker. Every present operation is a
// single call through caller. Filesystem and network operations are checked
// locally first so a violation never produces an RPC.
func Build(checker *security.Checker, caller Caller, opts ...BuildOption) *Surface {
	b := &builder{
		checker: checker,
		caller:  caller,
		report:  func(string, error) {},
		limits:  security.DefaultResourceLimits(),
	}
	for _, opt := range opts {
		opt(b)
	}

	s := &Surface{}
	if checker.Allows(security.CapabilityFileRead) {
		s.ReadFile = b.readFile
	}
	if checker.Allows(security.CapabilityFileWrite) {
		s.WriteFile = b.writeFile
	}
	if checker.Allows(security.CapabilityNetworkExternal) {
		s.Fetch = b.fetch
	}
	if checker.Allows(security.CapabilityAgentsCreate) {
		s.CreateAgent = func(ctx context.Context, cfg services.AgentConfig) (*services.Agent, error) {
			return invoke[services.Agent](ctx, b, MethodCreateAgent, CreateAgentArgs{Config: cfg})
		}
	}
	if checker.Allows(security.CapabilityAgentsExecute) {
		s.ExecuteAgent = func(ctx context.Context, agentID, task string) (*services.AgentResult, error) {
			return invoke[services.AgentResult](ctx, b, MethodExecuteAgent, ExecuteAgentArgs{AgentID: agentID, Task: task})
		}
	}
	if checker.Allows(security.CapabilityModelsExecute) {
		s.ExecuteModel = func(ctx context.Context, modelID, prompt string, opts services.ModelOptions) (*services.ModelResult, error) {
			return invoke[services.ModelResult](ctx, b, MethodExecuteModel, ExecuteModelArgs{ModelID: modelID, Prompt: prompt, Options: opts})
		}
	}
	if checker.Allows(security.CapabilityMemoryWrite) {
		s.StoreMemory = func(ctx context.Context, content, memType string, metadata map[string]string) (*services.MemoryEntry, error) {
			return invoke[services.MemoryEntry](ctx, b, MethodStoreMemory, StoreMemoryArgs{Content: content, Type: memType, Metadata: metadata})
		}
	}
	if checker.Allows(security.CapabilityMemoryRead) {
		s.SearchMemory = func(ctx context.Context, query string, opts services.SearchOptions) ([]services.MemoryEntry, error) {
			var out []services.MemoryEntry
			if err := b.call(ctx, MethodSearchMemory, SearchMemoryArgs{Query: query, Options: opts}, &out); err != nil {
				return nil, err
			}
			return out, nil
		}
	}
	if checker.Allows(security.CapabilityUICommands) {
		s.AddCommand = func(ctx context.Context, cmd services.Command) error {
			return b.call(ctx, MethodAddCommand, AddCommandArgs{Command: cmd}, nil)
		}
	}
	if checker.Allows(security.CapabilityUINotifications) {
		s.ShowNotification = func(ctx context.Context, n services.Notification) error {
			return b.call(ctx, MethodShowNotification, ShowNotificationArgs{Notification: n}, nil)
		}
	}
	return s
}

func (b *builder) readFile(ctx context.Context, path string) (string, error) {
	if _, err := b.checker.ResolvePath(path); err != nil {
		return "", b.violation(MethodReadFile, err)
	}
	var out ReadFileResult
	if err := b.call(ctx, MethodReadFile, ReadFileArgs{Path: path}, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

func (b *builder) writeFile(ctx context.Context, path, content string) error {
	if _, err := b.checker.ResolvePath(path); err != nil {
		return b.violation(MethodWriteFile, err)
	}
	if b.limits.MaxFileSize > 0 && int64(len(content)) > b.limits.MaxFileSize {
		return fmt.Errorf("%w: write of %d bytes exceeds %d", faults.ErrResourceExhausted, len(content), b.limits.MaxFileSize)
	}
	return b.call(ctx, MethodWriteFile, WriteFileArgs{Path: path, Content: content}, nil)
}

func (b *builder) fetch(ctx context.Context, req FetchArgs) (*FetchResult, error) {
	if _, err := b.checker.CheckURL(req.URL); err != nil {
		return nil, b.violation(MethodFetch, err)
	}
	var out FetchResult
	if err := b.call(ctx, MethodFetch, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *builder) violation(method string, err error) error {
	if faults.IsSecurity(err) {
		b.report(method, err)
	}
	return err
}

func invoke[T any](ctx context.Context, b *builder, method string, args any) (*T, error) {
	var out T
	if err := b.call(ctx, method, args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call sends one api_call and decodes its result into out when out is not nil.
func (b *builder) call(ctx context.Context, method string, args, out any) error {
	raw, err := b.caller.CallAPI(ctx, method, args)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
