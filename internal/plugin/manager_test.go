package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/plugbox/internal/plugin/faults"
	"github.com/dshills/plugbox/internal/plugin/security"
	"github.com/dshills/plugbox/internal/resilience"
	"github.com/dshills/plugbox/internal/services"
)

const pingSource = `
local M = {}

function M.ping() return "pong" end

function M.add(a, b) return a + b end

function M.fail() error("boom") end

function M.surface()
  local out = {}
  for _, name in ipairs({"readFile", "writeFile", "fetch", "storeMemory", "searchMemory"}) do
    out[name] = type(host[name])
  end
  return out
end

return M
`

const faultSource = `
local M = {}

function M.ping() return "pong" end

function M.arm()
  timer.after(10, function() error("first") end)
  timer.after(30, function() error("second") end)
  return true
end

return M
`

const memorySource = `
local M = {}

function M.remember(text)
  return host.storeMemory(text, "note").id
end

function M.twice()
  host.storeMemory("a")
  local ok, err = pcall(host.storeMemory, "b")
  if ok then return "ok" end
  return err.kind
end

function M.patient()
  local ok, err = pcall(host.storeMemory, "wait", "note")
  if ok then return "ok" end
  return err.kind
end

return M
`

const fileSource = `
local M = {}

function M.write(path, content) return host.writeFile(path, content) end

function M.read(path) return host.readFile(path) end

function M.sneak()
  local ok, err = pcall(host.readFile, "../outside.txt")
  return err.kind
end

return M
`

const fetchSource = `
local M = {}

function M.get(url) return host.fetch(url).status end

function M.blocked(url)
  local ok, err = pcall(host.fetch, url)
  return err.kind
end

return M
`

func installAndEnable(t *testing.T, m *Manager, dir string) *Record {
	t.Helper()
	ctx := context.Background()

	rec, err := m.Install(ctx, dir)
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if err := m.Enable(ctx, rec.ID); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	return rec
}

func executeString(t *testing.T, m *Manager, id, method string, args ...any) string {
	t.Helper()
	raw, err := m.Execute(context.Background(), id, method, args...)
	if err != nil {
		t.Fatalf("Execute(%s) error = %v", method, err)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("Execute(%s) = %s, want a string", method, raw)
	}
	return s
}

func TestNewManagerRejectsBadConfig(t *testing.T) {
	if _, err := NewManager(ManagerConfig{EngineVersion: "not-a-version"}); err == nil {
		t.Error("NewManager() should reject an invalid engine version")
	}

	limits := security.DefaultResourceLimits()
	limits.ExecutionTimeout = -time.Second
	if _, err := NewManager(ManagerConfig{Limits: limits}); err == nil {
		t.Error("NewManager() should reject invalid limits")
	}
}

func TestManagerInstallEnableExecute(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	events := recordEvents(m)
	ctx := context.Background()
	dir := createTestPluginDir(t, tempDir(t), "echo", pingSource, nil)

	rec, err := m.Install(ctx, dir)
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if rec.ID != "echo" || rec.State != StateInstalled {
		t.Errorf("Install() = %s/%v, want echo/installed", rec.ID, rec.State)
	}
	if rec.InstallPath != dir {
		t.Errorf("InstallPath = %q, want %q", rec.InstallPath, dir)
	}
	if m.Running() != 0 {
		t.Error("Install() must not start a worker")
	}

	if err := m.Enable(ctx, "echo"); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	rec, _ = m.Get("echo")
	if rec.State != StateEnabled {
		t.Errorf("State = %v, want enabled", rec.State)
	}

	raw, err := m.Execute(ctx, "echo", "add", 2, 3)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(raw) != "5" {
		t.Errorf("add(2, 3) = %s, want 5", raw)
	}

	inst, ok := m.Instance("echo")
	if !ok {
		t.Fatal("Instance() should return the running instance")
	}
	if inst.State() != LifecycleReady {
		t.Errorf("instance state = %v, want ready", inst.State())
	}
	found := false
	for _, name := range inst.Exports() {
		if name == "ping" {
			found = true
		}
	}
	if !found {
		t.Errorf("Exports() = %v, want ping", inst.Exports())
	}

	if events.count(EventInstalled) != 1 || events.count(EventEnabled) != 1 {
		t.Errorf("events installed=%d enabled=%d, want 1 each",
			events.count(EventInstalled), events.count(EventEnabled))
	}

	if err := m.Enable(ctx, "echo"); !errors.Is(err, ErrAlreadyEnabled) {
		t.Errorf("second Enable() error = %v, want ErrAlreadyEnabled", err)
	}
}

func TestManagerInstallErrors(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()
	base := tempDir(t)

	dir := createTestPluginDir(t, base, "dup", pingSource, nil)
	if _, err := m.Install(ctx, dir); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if _, err := m.Install(ctx, dir); !errors.Is(err, ErrAlreadyInstalled) {
		t.Errorf("second Install() error = %v, want ErrAlreadyInstalled", err)
	}

	bad := createTestPluginDir(t, base, "net", pingSource, map[string]any{"network": true})
	if _, err := m.Install(ctx, bad); !errors.Is(err, faults.ErrValidation) {
		t.Errorf("Install(network:true) error = %v, want validation error", err)
	}

	if _, err := m.Install(ctx, filepath.Join(base, "nothing")); !errors.Is(err, ErrNoManifest) {
		t.Errorf("Install(empty) error = %v, want ErrNoManifest", err)
	}

	if got := len(m.List()); got != 1 {
		t.Errorf("List() len = %d, want 1", got)
	}
	if n := m.Running(); n != 0 {
		t.Errorf("Running() = %d after rejected installs, want 0", n)
	}
	if err := m.Enable(ctx, "net"); !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("Enable(rejected) error = %v, want ErrPluginNotFound", err)
	}
	if n := m.Running(); n != 0 {
		t.Errorf("Running() = %d after Enable(rejected), want 0", n)
	}
}

func TestManagerSurfaceFollowsGrant(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	base := tempDir(t)

	tests := []struct {
		name string
		caps map[string]any
		want map[string]string
	}{
		{
			name: "none",
			caps: nil,
			want: map[string]string{
				"readFile": "nil", "writeFile": "nil", "fetch": "nil",
				"storeMemory": "nil", "searchMemory": "nil",
			},
		},
		{
			name: "readers",
			caps: map[string]any{
				"filesystem": map[string]bool{"read": true},
				"memory":     map[string]bool{"read": true},
			},
			want: map[string]string{
				"readFile": "function", "writeFile": "nil", "fetch": "nil",
				"storeMemory": "nil", "searchMemory": "function",
			},
		},
		{
			name: "network",
			caps: map[string]any{"network": map[string]any{"domains": []string{"api.example.com"}}},
			want: map[string]string{
				"readFile": "nil", "writeFile": "nil", "fetch": "function",
				"storeMemory": "nil", "searchMemory": "nil",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := "surface-" + tt.name
			installAndEnable(t, m, createTestPluginDir(t, base, id, pingSource, tt.caps))

			raw, err := m.Execute(context.Background(), id, "surface")
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			var got map[string]string
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatal(err)
			}
			for name, want := range tt.want {
				if got[name] != want {
					t.Errorf("type(host.%s) = %q, want %q", name, got[name], want)
				}
			}
		})
	}
}

func TestManagerApproverNarrowsGrant(t *testing.T) {
	var seen security.PermissionSet
	m := newTestManager(t, ManagerConfig{}, WithApprover(func(_ *Manifest, requested security.PermissionSet) (security.PermissionSet, error) {
		seen = requested
		return security.PermissionSet{}, nil
	}))
	dir := createTestPluginDir(t, tempDir(t), "narrow", pingSource, map[string]any{"memory": true})
	installAndEnable(t, m, dir)

	if !seen.Has(security.CapabilityMemoryWrite) {
		t.Error("approver should see the requested permissions")
	}
	rec, _ := m.Get("narrow")
	if !rec.Permissions.IsEmpty() {
		t.Errorf("Permissions = %s, want none", rec.Permissions)
	}
	inst, _ := m.Instance("narrow")
	if len(inst.Surface()) != 0 {
		t.Errorf("Surface() = %v, want empty", inst.Surface())
	}
}

func TestManagerApproverError(t *testing.T) {
	denied := errors.New("user declined")
	m := newTestManager(t, ManagerConfig{}, WithApprover(func(*Manifest, security.PermissionSet) (security.PermissionSet, error) {
		return security.PermissionSet{}, denied
	}))
	ctx := context.Background()
	rec, err := m.Install(ctx, createTestPluginDir(t, tempDir(t), "declined", pingSource, nil))
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Enable(ctx, rec.ID); !errors.Is(err, denied) {
		t.Errorf("Enable() error = %v, want %v", err, denied)
	}
	rec, _ = m.Get(rec.ID)
	if rec.State != StateInstalled {
		t.Errorf("State = %v, want installed", rec.State)
	}
	if m.Running() != 0 {
		t.Errorf("Running() = %d, want 0", m.Running())
	}
}

func TestManagerFileAccessConfined(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	events := recordEvents(m)
	dir := createTestPluginDir(t, tempDir(t), "files", fileSource,
		map[string]any{"filesystem": map[string]bool{"read": true, "write": true}})
	installAndEnable(t, m, dir)

	if _, err := m.Execute(context.Background(), "files", "write", "data/note.txt", "hello"); err != nil {
		t.Fatalf("write error = %v", err)
	}
	if got := executeString(t, m, "files", "read", "data/note.txt"); got != "hello" {
		t.Errorf("read = %q, want %q", got, "hello")
	}
	data, err := os.ReadFile(filepath.Join(dir, "data", "note.txt"))
	if err != nil || string(data) != "hello" {
		t.Errorf("file on disk = %q, %v", data, err)
	}

	if got := executeString(t, m, "files", "sneak"); got != string(faults.KindPathTraversal) {
		t.Errorf("sneak = %q, want %q", got, faults.KindPathTraversal)
	}

	waitFor(t, 2*time.Second, "security event", func() bool {
		return events.count(EventSecurityViolation) > 0
	})
	event, _ := events.last(EventSecurityViolation)
	if event.Plugin != "files" {
		t.Errorf("event plugin = %q, want files", event.Plugin)
	}
	if !errors.Is(event.Error, faults.ErrPathTraversal) {
		t.Errorf("event error = %v, want path traversal", event.Error)
	}

	inst, _ := m.Instance("files")
	if usage := inst.Usage(); usage.BytesWritten != 5 || usage.BytesRead != 5 {
		t.Errorf("Usage() = %+v, want 5 bytes each way", usage)
	}
}

func TestManagerFetchAllowList(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	m := newTestManager(t, ManagerConfig{})
	events := recordEvents(m)
	dir := createTestPluginDir(t, tempDir(t), "fetcher", fetchSource,
		map[string]any{"network": map[string]any{"domains": []string{"127.0.0.1"}}})
	installAndEnable(t, m, dir)

	raw, err := m.Execute(context.Background(), "fetcher", "get", srv.URL)
	if err != nil {
		t.Fatalf("get error = %v", err)
	}
	if string(raw) != "418" {
		t.Errorf("status = %s, want 418", raw)
	}

	got := executeString(t, m, "fetcher", "blocked", "http://denied.example.com/")
	if got != string(faults.KindNetworkDomainDenied) {
		t.Errorf("blocked = %q, want %q", got, faults.KindNetworkDomainDenied)
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}

	waitFor(t, 2*time.Second, "security event", func() bool {
		return events.count(EventSecurityViolation) > 0
	})
}

func TestManagerMemoryNamespace(t *testing.T) {
	mem := &fakeMemory{}
	m := newTestManager(t, ManagerConfig{}, WithServices(services.Set{Memory: mem}))
	installAndEnable(t, m, createTestPluginDir(t, tempDir(t), "notes", memorySource, map[string]any{"memory": true}))

	if got := executeString(t, m, "notes", "remember", "hi"); got != "notes-hi" {
		t.Errorf("remember = %q, want %q", got, "notes-hi")
	}
	stored := mem.stored()
	if len(stored) != 1 || stored[0].Namespace != "notes" || stored[0].Type != "note" {
		t.Errorf("stored = %+v", stored)
	}
}

func TestManagerMissingServiceUnavailable(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	installAndEnable(t, m, createTestPluginDir(t, tempDir(t), "lonely", memorySource, map[string]any{"memory": true}))

	_, err := m.Execute(context.Background(), "lonely", "remember", "hi")
	var execErr *faults.ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("remember error = %v, want ExecError", err)
	}
}

func TestManagerCallRateLimited(t *testing.T) {
	m := newTestManager(t, ManagerConfig{CallsPerSecond: 0.01, CallBurst: 1},
		WithServices(services.Set{Memory: &fakeMemory{}}))
	installAndEnable(t, m, createTestPluginDir(t, tempDir(t), "chatty", memorySource, map[string]any{"memory": true}))

	if got := executeString(t, m, "chatty", "twice"); got != string(faults.KindRateLimited) {
		t.Errorf("twice = %q, want %q", got, faults.KindRateLimited)
	}
}

func TestManagerRPCTimeoutReachesPlugin(t *testing.T) {
	mem := &fakeMemory{block: make(chan struct{})}
	defer close(mem.block)

	// Default limits scaled down, keeping their ratio.
	limits := security.DefaultResourceLimits()
	limits.ExecutionTimeout /= 50
	limits.InitTimeout /= 50
	limits.RPCTimeout /= 50

	m := newTestManager(t, ManagerConfig{Limits: limits}, WithServices(services.Set{Memory: mem}))
	installAndEnable(t, m, createTestPluginDir(t, tempDir(t), "waiter", memorySource, map[string]any{"memory": true}))

	start := time.Now()
	if got := executeString(t, m, "waiter", "patient"); got != string(faults.KindTimeout) {
		t.Errorf("patient = %q, want %q", got, faults.KindTimeout)
	}
	if elapsed := time.Since(start); elapsed < limits.RPCTimeout {
		t.Errorf("timed out after %s, before the rpc deadline %s", elapsed, limits.RPCTimeout)
	}

	rec, _ := m.Get("waiter")
	if rec.State != StateEnabled {
		t.Errorf("State = %v, want enabled", rec.State)
	}
}

func TestManagerSpawnFailureCrashes(t *testing.T) {
	launchErr := errors.New("exec: worker binary missing")
	m := newTestManager(t, ManagerConfig{}, WithLauncher(failingLauncher{err: launchErr}))
	events := recordEvents(m)
	ctx := context.Background()

	if _, err := m.Install(ctx, createTestPluginDir(t, tempDir(t), "absent", pingSource, nil)); err != nil {
		t.Fatal(err)
	}

	if err := m.Enable(ctx, "absent"); !errors.Is(err, launchErr) {
		t.Fatalf("Enable() error = %v, want %v", err, launchErr)
	}
	rec, _ := m.Get("absent")
	if rec.State != StateCrashed {
		t.Errorf("State = %v, want crashed", rec.State)
	}
	if rec.LastError != launchErr.Error() {
		t.Errorf("LastError = %q, want %q", rec.LastError, launchErr.Error())
	}
	if n := events.count(EventCrashed); n != 1 {
		t.Errorf("crash events = %d, want 1", n)
	}
	if event, _ := events.last(EventCrashed); !errors.Is(event.Error, launchErr) {
		t.Errorf("crash event error = %v, want %v", event.Error, launchErr)
	}
	if m.Running() != 0 {
		t.Errorf("Running() = %d, want 0", m.Running())
	}

	if err := m.Enable(ctx, "absent"); !errors.Is(err, ErrCrashed) {
		t.Errorf("second Enable() error = %v, want ErrCrashed", err)
	}
	if err := m.Reset(ctx, "absent"); err != nil {
		t.Errorf("Reset() error = %v", err)
	}
}

func TestManagerMaxInstances(t *testing.T) {
	m := newTestManager(t, ManagerConfig{MaxInstances: 1})
	ctx := context.Background()
	base := tempDir(t)

	installAndEnable(t, m, createTestPluginDir(t, base, "first", pingSource, nil))
	if _, err := m.Install(ctx, createTestPluginDir(t, base, "second", pingSource, nil)); err != nil {
		t.Fatal(err)
	}

	err := m.Enable(ctx, "second")
	if !errors.Is(err, faults.ErrResourceExhausted) {
		t.Fatalf("Enable() error = %v, want ErrResourceExhausted", err)
	}
	rec, _ := m.Get("second")
	if rec.State != StateInstalled {
		t.Errorf("State = %v, want installed", rec.State)
	}
	if m.Running() != 1 {
		t.Errorf("Running() = %d, want 1", m.Running())
	}

	if err := m.Disable(ctx, "first"); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if err := m.Enable(ctx, "second"); err != nil {
		t.Errorf("Enable() after freeing a slot error = %v", err)
	}
}

func TestManagerDisableRejectsPending(t *testing.T) {
	mem := &fakeMemory{entered: make(chan struct{}, 1), block: make(chan struct{})}
	defer close(mem.block)

	m := newTestManager(t, ManagerConfig{}, WithServices(services.Set{Memory: mem}))
	events := recordEvents(m)
	installAndEnable(t, m, createTestPluginDir(t, tempDir(t), "slow", memorySource, map[string]any{"memory": true}))

	errs := make(chan error, 1)
	go func() {
		_, err := m.Execute(context.Background(), "slow", "remember", "wait")
		errs <- err
	}()

	select {
	case <-mem.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("memory call never reached the service")
	}

	if err := m.Disable(context.Background(), "slow"); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}

	select {
	case err := <-errs:
		if !errors.Is(err, faults.ErrInstanceTerminated) {
			t.Errorf("pending Execute() error = %v, want ErrInstanceTerminated", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending Execute() was not rejected")
	}

	rec, _ := m.Get("slow")
	if rec.State != StateDisabled {
		t.Errorf("State = %v, want disabled", rec.State)
	}
	if _, err := m.Execute(context.Background(), "slow", "remember", "x"); !errors.Is(err, ErrNotEnabled) {
		t.Errorf("Execute() after Disable error = %v, want ErrNotEnabled", err)
	}
	if events.count(EventCrashed) != 0 {
		t.Error("Disable() must not report a crash")
	}
}

func TestManagerExecuteErrors(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	if _, err := m.Execute(ctx, "ghost", "ping"); !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("Execute(ghost) error = %v, want ErrPluginNotFound", err)
	}

	dir := createTestPluginDir(t, tempDir(t), "echo", pingSource, nil)
	if _, err := m.Install(ctx, dir); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Execute(ctx, "echo", "ping"); !errors.Is(err, ErrNotEnabled) {
		t.Errorf("Execute(installed) error = %v, want ErrNotEnabled", err)
	}
	if err := m.Disable(ctx, "echo"); !errors.Is(err, ErrNotEnabled) {
		t.Errorf("Disable(installed) error = %v, want ErrNotEnabled", err)
	}

	if err := m.Enable(ctx, "echo"); err != nil {
		t.Fatal(err)
	}
	_, err := m.Execute(ctx, "echo", "fail")
	var execErr *faults.ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("Execute(fail) error = %v, want ExecError", err)
	}
	if execErr.Method != "fail" || execErr.PluginID != "echo" {
		t.Errorf("ExecError = %+v", execErr)
	}

	// A failing call is not a crash.
	if got := executeString(t, m, "echo", "ping"); got != "pong" {
		t.Errorf("ping = %q, want pong", got)
	}
}

func TestManagerExecuteAsync(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	installAndEnable(t, m, createTestPluginDir(t, tempDir(t), "async", pingSource, nil))

	res, ok := <-m.ExecuteAsync(context.Background(), "async", "add", 20, 22)
	if !ok {
		t.Fatal("ExecuteAsync() channel closed without a result")
	}
	if res.Err != nil || string(res.Value) != "42" {
		t.Errorf("ExecuteAsync() = %s, %v; want 42", res.Value, res.Err)
	}

	res = <-m.ExecuteAsync(context.Background(), "missing", "add")
	if !errors.Is(res.Err, ErrPluginNotFound) {
		t.Errorf("ExecuteAsync(missing) error = %v, want ErrPluginNotFound", res.Err)
	}
}

func TestManagerFaultCrashesOnce(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	events := recordEvents(m)
	ctx := context.Background()
	base := tempDir(t)
	installAndEnable(t, m, createTestPluginDir(t, base, "healthy", pingSource, nil))
	installAndEnable(t, m, createTestPluginDir(t, base, "faulty", faultSource, nil))

	if _, err := m.Execute(ctx, "faulty", "arm"); err != nil {
		t.Fatalf("arm error = %v", err)
	}
	waitForState(t, m, "faulty", StateCrashed)
	time.Sleep(100 * time.Millisecond)

	if n := events.count(EventFault); n != 1 {
		t.Errorf("fault events = %d, want 1", n)
	}
	if n := events.count(EventCrashed); n != 1 {
		t.Errorf("crash events = %d, want 1", n)
	}
	event, _ := events.last(EventFault)
	if !errors.Is(event.Error, faults.ErrUncaughtFault) {
		t.Errorf("fault error = %v, want UncaughtFault", event.Error)
	}

	rec, _ := m.Get("faulty")
	if rec.LastError == "" {
		t.Error("LastError should describe the fault")
	}
	if event.Plugin != "faulty" {
		t.Errorf("fault reported for %q, want faulty", event.Plugin)
	}

	// The sibling keeps running.
	healthy, _ := m.Get("healthy")
	if healthy.State != StateEnabled {
		t.Errorf("healthy State = %v, want enabled", healthy.State)
	}
	if got := executeString(t, m, "healthy", "ping"); got != "pong" {
		t.Errorf("healthy ping = %q, want pong", got)
	}
	if m.Running() != 1 {
		t.Errorf("Running() = %d, want 1", m.Running())
	}

	if _, err := m.Execute(ctx, "faulty", "ping"); !errors.Is(err, ErrCrashed) {
		t.Errorf("Execute() error = %v, want ErrCrashed", err)
	}
	if err := m.Enable(ctx, "faulty"); !errors.Is(err, ErrCrashed) {
		t.Errorf("Enable() error = %v, want ErrCrashed", err)
	}
	if err := m.Reload(ctx, "faulty"); !errors.Is(err, ErrCrashed) {
		t.Errorf("Reload() error = %v, want ErrCrashed", err)
	}

	if err := m.Reset(ctx, "faulty"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if err := m.Reset(ctx, "faulty"); !errors.Is(err, ErrNotCrashed) {
		t.Errorf("second Reset() error = %v, want ErrNotCrashed", err)
	}
	if events.count(EventReset) != 1 {
		t.Errorf("reset events = %d, want 1", events.count(EventReset))
	}

	if err := m.Enable(ctx, "faulty"); err != nil {
		t.Fatalf("Enable() after Reset error = %v", err)
	}
	if got := executeString(t, m, "faulty", "ping"); got != "pong" {
		t.Errorf("ping = %q, want pong", got)
	}
}

func TestManagerInitializeFailureCrashes(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	events := recordEvents(m)
	ctx := context.Background()

	rec, err := m.Install(ctx, createTestPluginDir(t, tempDir(t), "broken", `error("cannot start")`, nil))
	if err != nil {
		t.Fatal(err)
	}

	err = m.Enable(ctx, rec.ID)
	if !errors.Is(err, faults.ErrExec) {
		t.Fatalf("Enable() error = %v, want ExecError", err)
	}
	rec, _ = m.Get(rec.ID)
	if rec.State != StateCrashed {
		t.Errorf("State = %v, want crashed", rec.State)
	}
	if events.count(EventCrashed) != 1 || events.count(EventEnabled) != 0 {
		t.Errorf("events crashed=%d enabled=%d, want 1 and 0",
			events.count(EventCrashed), events.count(EventEnabled))
	}
	if m.Running() != 0 {
		t.Errorf("Running() = %d, want 0", m.Running())
	}
}

func TestManagerReload(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	events := recordEvents(m)
	ctx := context.Background()
	dir := createTestPluginDir(t, tempDir(t), "live", `return { version = function() return "one" end }`, nil)
	installAndEnable(t, m, dir)

	if got := executeString(t, m, "live", "version"); got != "one" {
		t.Fatalf("version = %q, want one", got)
	}
	before, _ := m.Instance("live")

	writeTestSource(t, dir, `return { version = function() return "two" end }`)
	if err := m.Reload(ctx, "live"); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	if got := executeString(t, m, "live", "version"); got != "two" {
		t.Errorf("version after Reload = %q, want two", got)
	}
	after, _ := m.Instance("live")
	if after == before {
		t.Error("Reload() should start a new instance")
	}
	if before.State() != LifecycleTerminated {
		t.Errorf("old instance state = %v, want terminated", before.State())
	}
	if events.count(EventReloaded) != 1 {
		t.Errorf("reloaded events = %d, want 1", events.count(EventReloaded))
	}
}

func TestManagerReloadInvalidManifest(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()
	dir := createTestPluginDir(t, tempDir(t), "renamed", pingSource, nil)
	installAndEnable(t, m, dir)

	manifest := `{"name": "other-name", "version": "1.0.0", "engineVersionRange": "^1.0.0", "entryPoint": "main.lua"}`
	if err := os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}

	if err := m.Reload(ctx, "renamed"); !errors.Is(err, faults.ErrValidation) {
		t.Fatalf("Reload() error = %v, want validation error", err)
	}
	rec, _ := m.Get("renamed")
	if rec.State != StateDisabled {
		t.Errorf("State = %v, want disabled", rec.State)
	}
	if rec.LastError == "" {
		t.Error("LastError should be set")
	}
	if m.Running() != 0 {
		t.Errorf("Running() = %d, want 0", m.Running())
	}
}

func TestManagerReloadInstalled(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()
	dir := createTestPluginDir(t, tempDir(t), "bump", pingSource, nil)
	if _, err := m.Install(ctx, dir); err != nil {
		t.Fatal(err)
	}

	manifest := `{"name": "bump", "version": "1.1.0", "engineVersionRange": "^1.0.0", "entryPoint": "main.lua"}`
	if err := os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.Reload(ctx, "bump"); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	rec, _ := m.Get("bump")
	if rec.State != StateInstalled {
		t.Errorf("State = %v, want installed", rec.State)
	}
	if rec.Manifest.Version != "1.1.0" {
		t.Errorf("Version = %q, want 1.1.0", rec.Manifest.Version)
	}
	if m.Running() != 0 {
		t.Error("Reload() of an installed plugin must not start it")
	}
}

func TestManagerUninstall(t *testing.T) {
	store := NewMemoryStore()
	m := newTestManager(t, ManagerConfig{}, WithStore(store))
	events := recordEvents(m)
	ctx := context.Background()
	installAndEnable(t, m, createTestPluginDir(t, tempDir(t), "gone", pingSource, nil))

	if err := m.Uninstall(ctx, "gone"); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if _, ok := m.Get("gone"); ok {
		t.Error("Get() should fail after Uninstall")
	}
	if m.Running() != 0 {
		t.Errorf("Running() = %d, want 0", m.Running())
	}
	if events.count(EventDisabled) != 1 || events.count(EventUninstalled) != 1 {
		t.Errorf("events disabled=%d uninstalled=%d, want 1 each",
			events.count(EventDisabled), events.count(EventUninstalled))
	}
	stored, _ := store.Load(ctx)
	if len(stored) != 0 {
		t.Errorf("store holds %d records, want 0", len(stored))
	}

	if err := m.Uninstall(ctx, "gone"); !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("second Uninstall() error = %v, want ErrPluginNotFound", err)
	}
}

func TestManagerTransitionInProgress(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	m := newTestManager(t, ManagerConfig{}, WithApprover(func(_ *Manifest, requested security.PermissionSet) (security.PermissionSet, error) {
		close(entered)
		<-release
		return requested, nil
	}))
	ctx := context.Background()
	if _, err := m.Install(ctx, createTestPluginDir(t, tempDir(t), "busy", pingSource, nil)); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- m.Enable(ctx, "busy") }()
	<-entered

	if err := m.Enable(ctx, "busy"); !errors.Is(err, ErrTransitionInProgress) {
		t.Errorf("concurrent Enable() error = %v, want ErrTransitionInProgress", err)
	}
	if err := m.Uninstall(ctx, "busy"); !errors.Is(err, ErrTransitionInProgress) {
		t.Errorf("concurrent Uninstall() error = %v, want ErrTransitionInProgress", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
}

func TestManagerStats(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	installAndEnable(t, m, createTestPluginDir(t, tempDir(t), "measured", pingSource, nil))

	stats, err := m.Stats("measured")
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	inst, _ := m.Instance("measured")
	if stats.InstanceID != inst.ID || stats.PluginID != "measured" {
		t.Errorf("Stats() = %+v", stats)
	}
	if stats.State != LifecycleReady {
		t.Errorf("State = %v, want ready", stats.State)
	}
	if stats.Worker.Pid != 0 {
		t.Errorf("in-process Pid = %d, want 0", stats.Worker.Pid)
	}
}

func TestManagerRestore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := tempDir(t)
	createTestPluginDir(t, base, "keep", pingSource, nil)
	createTestPluginDir(t, base, "idle", pingSource, nil)
	broken := createTestPluginDir(t, base, "broken", pingSource, nil)

	first := newTestManager(t, ManagerConfig{}, WithStore(store))
	installAndEnable(t, first, filepath.Join(base, "keep"))
	if _, err := first.Install(ctx, filepath.Join(base, "idle")); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Install(ctx, broken); err != nil {
		t.Fatal(err)
	}
	if err := first.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(broken, "plugin.json"), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}

	second := newTestManager(t, ManagerConfig{AutoEnable: true}, WithStore(store))
	err := second.Restore(ctx)
	if !errors.Is(err, faults.ErrValidation) {
		t.Errorf("Restore() error = %v, want validation error for broken", err)
	}

	records := second.List()
	if len(records) != 2 {
		t.Fatalf("List() len = %d, want 2", len(records))
	}
	if records[0].ID != "keep" || records[0].State != StateEnabled {
		t.Errorf("records[0] = %s/%v, want keep/enabled", records[0].ID, records[0].State)
	}
	if records[1].ID != "idle" || records[1].State != StateInstalled {
		t.Errorf("records[1] = %s/%v, want idle/installed", records[1].ID, records[1].State)
	}
	if got := executeString(t, second, "keep", "ping"); got != "pong" {
		t.Errorf("ping = %q, want pong", got)
	}

	stored, _ := store.Load(ctx)
	if len(stored) != 2 {
		t.Errorf("store holds %d records, want 2", len(stored))
	}
	if err := second.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	third := newTestManager(t, ManagerConfig{}, WithStore(store))
	if err := third.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	rec, _ := third.Get("keep")
	if rec.State != StateDisabled {
		t.Errorf("keep = %v, want disabled without AutoEnable", rec.State)
	}
	if third.Running() != 0 {
		t.Errorf("Running() = %d, want 0", third.Running())
	}
}

func TestManagerDiscoverAndInstall(t *testing.T) {
	base := tempDir(t)
	createTestPluginDir(t, base, "one", pingSource, nil)
	createTestPluginDir(t, base, "two", pingSource, nil)
	createTestPluginDir(t, base, "three", pingSource, map[string]any{"teleport": true})

	m := newTestManager(t, ManagerConfig{AutoEnable: true, PluginPaths: []string{base}})
	ctx := context.Background()

	installed, err := m.DiscoverAndInstall(ctx)
	if err == nil {
		t.Error("DiscoverAndInstall() should report the invalid plugin")
	}
	if len(installed) != 2 {
		t.Fatalf("installed %d plugins, want 2", len(installed))
	}
	for _, rec := range installed {
		if rec.State != StateEnabled {
			t.Errorf("%s state = %v, want enabled", rec.ID, rec.State)
		}
	}

	installed, _ = m.DiscoverAndInstall(ctx, base)
	if len(installed) != 0 {
		t.Errorf("second discovery installed %d plugins, want 0", len(installed))
	}
}

func TestManagerRestartPolicy(t *testing.T) {
	m := newTestManager(t, ManagerConfig{}, WithRestartPolicy(resilience.RestartConfig{
		MaxAttempts:     3,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		Window:          time.Minute,
	}))
	events := recordEvents(m)
	installAndEnable(t, m, createTestPluginDir(t, tempDir(t), "phoenix", faultSource, nil))

	if _, err := m.Execute(context.Background(), "phoenix", "arm"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, "restart", func() bool {
		rec, ok := m.Get("phoenix")
		return ok && rec.State == StateEnabled && events.count(EventCrashed) == 1 && events.count(EventEnabled) == 2
	})
	if got := executeString(t, m, "phoenix", "ping"); got != "pong" {
		t.Errorf("ping = %q, want pong", got)
	}
}

func TestManagerShutdown(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()
	dir := createTestPluginDir(t, tempDir(t), "last", pingSource, nil)
	installAndEnable(t, m, dir)
	inst, _ := m.Instance("last")

	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}

	if inst.State() != LifecycleTerminated {
		t.Errorf("instance state = %v, want terminated", inst.State())
	}
	if _, err := m.Execute(ctx, "last", "ping"); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Execute() error = %v, want ErrManagerClosed", err)
	}
	if _, err := m.Install(ctx, dir); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Install() error = %v, want ErrManagerClosed", err)
	}
	rec, _ := m.Get("last")
	if rec.State != StateEnabled {
		t.Errorf("State = %v, want enabled so a restore brings it back", rec.State)
	}
}

func TestManagerSubscribe(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	m.Subscribe(func(ManagerEvent) { panic("handler bug") })
	var got atomic.Int32
	unsubscribe := m.Subscribe(func(ManagerEvent) { got.Add(1) })
	noop := m.Subscribe(nil)
	noop()

	base := tempDir(t)
	if _, err := m.Install(ctx, createTestPluginDir(t, base, "a", pingSource, nil)); err != nil {
		t.Fatal(err)
	}
	if got.Load() != 1 {
		t.Errorf("handler called %d times, want 1", got.Load())
	}

	unsubscribe()
	if _, err := m.Install(ctx, createTestPluginDir(t, base, "b", pingSource, nil)); err != nil {
		t.Fatal(err)
	}
	if got.Load() != 1 {
		t.Errorf("handler called %d times after unsubscribe, want 1", got.Load())
	}
}
