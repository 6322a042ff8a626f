package plugin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dshills/plugbox/internal/plugin/worker"
	"github.com/dshills/plugbox/internal/services"
)

// createTestPluginDir writes a plugin named name under base and returns its
// resolved directory.
func createTestPluginDir(t *testing.T, base, name, luaCode string, capabilities map[string]any) string {
	t.Helper()

	dir := filepath.Join(base, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}

	manifest := map[string]any{
		"name":               name,
		"version":            "1.0.0",
		"engineVersionRange": "^1.0.0",
		"entryPoint":         "main.lua",
	}
	if capabilities != nil {
		manifest["requestedCapabilities"] = capabilities
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "plugin.json"), data, 0644); err != nil {
		t.Fatal(err)
	}
	writeTestSource(t, dir, luaCode)

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}
	return resolved
}

func writeTestSource(t *testing.T, dir, luaCode string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "main.lua"), []byte(luaCode), 0644); err != nil {
		t.Fatal(err)
	}
}

// newTestManager creates a Manager running workers in-process.
func newTestManager(t *testing.T, config ManagerConfig, opts ...Option) *Manager {
	t.Helper()

	launcher, err := worker.NewInProcessLauncher(nil, nil)
	if err != nil {
		t.Fatalf("NewInProcessLauncher() error = %v", err)
	}
	opts = append([]Option{WithLauncher(launcher)}, opts...)

	m, err := NewManager(config, opts...)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

// eventRecorder collects manager events.
type eventRecorder struct {
	mu     sync.Mutex
	events []ManagerEvent
}

func recordEvents(m *Manager) *eventRecorder {
	r := &eventRecorder{}
	m.Subscribe(r.add)
	return r
}

func (r *eventRecorder) add(event ManagerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) count(typ ManagerEventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(typ ManagerEventType) (ManagerEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i], true
		}
	}
	return ManagerEvent{}, false
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitForState(t *testing.T, m *Manager, id string, want RecordState) {
	t.Helper()
	waitFor(t, 3*time.Second, id+" to be "+want.String(), func() bool {
		rec, ok := m.Get(id)
		return ok && rec.State == want
	})
}

// fakeMemory stores entries in a slice. When block is set, StoreMemory
// waits for it to close or the call to be cancelled.
type fakeMemory struct {
	mu      sync.Mutex
	entries []services.MemoryEntry
	entered chan struct{}
	block   chan struct{}
}

func (f *fakeMemory) StoreMemory(ctx context.Context, namespace, content, memType string, metadata map[string]string) (*services.MemoryEntry, error) {
	if f.block != nil {
		if f.entered != nil {
			f.entered <- struct{}{}
		}
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	entry := services.MemoryEntry{
		ID:        namespace + "-" + content,
		Namespace: namespace,
		Content:   content,
		Type:      memType,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	f.entries = append(f.entries, entry)
	return &entry, nil
}

func (f *fakeMemory) SearchMemory(_ context.Context, _ string, _ services.SearchOptions) ([]services.MemoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]services.MemoryEntry(nil), f.entries...), nil
}

func (f *fakeMemory) stored() []services.MemoryEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]services.MemoryEntry(nil), f.entries...)
}

// failingLauncher never starts a worker.
type failingLauncher struct {
	err error
}

func (l failingLauncher) Launch(context.Context, string) (*worker.Process, error) {
	return nil, l.err
}

// tempDir returns a fresh temporary directory with symlinks resolved, so
// paths compare equal to the ones the validator reports.
func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return dir
}
