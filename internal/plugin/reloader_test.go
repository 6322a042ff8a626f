package plugin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/plugbox/internal/watcher"
)

func newTestReloader(t *testing.T, m *Manager) *Reloader {
	t.Helper()
	r, err := NewReloader(m, nil, watcher.WithDebounce(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewReloader() error = %v", err)
	}
	r.Start(context.Background())
	t.Cleanup(func() { r.Close() })
	return r
}

func TestReloaderReloadsChangedSource(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	events := recordEvents(m)
	dir := createTestPluginDir(t, tempDir(t), "hot", `return { version = function() return "one" end }`, nil)
	installAndEnable(t, m, dir)
	newTestReloader(t, m)

	writeTestSource(t, dir, `return { version = function() return "two" end }`)

	waitFor(t, 5*time.Second, "hot reload", func() bool {
		raw, err := m.Execute(context.Background(), "hot", "version")
		if err != nil {
			return false
		}
		var got string
		return json.Unmarshal(raw, &got) == nil && got == "two"
	})
	if events.count(EventReloaded) == 0 {
		t.Error("expected a reloaded event")
	}
}

func TestReloaderIgnoresData(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	events := recordEvents(m)
	dir := createTestPluginDir(t, tempDir(t), "quiet", pingSource, nil)
	installAndEnable(t, m, dir)
	newTestReloader(t, m)

	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)

	if n := events.count(EventReloaded); n != 0 {
		t.Errorf("reloaded events = %d, want 0", n)
	}
}

func TestReloaderFollowsLifecycle(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	ctx := context.Background()
	dir := createTestPluginDir(t, tempDir(t), "tracked", pingSource, nil)
	if _, err := m.Install(ctx, dir); err != nil {
		t.Fatal(err)
	}
	r := newTestReloader(t, m)

	if got := r.Watched(); len(got) != 0 {
		t.Errorf("Watched() = %v, want none before Enable", got)
	}

	if err := m.Enable(ctx, "tracked"); err != nil {
		t.Fatal(err)
	}
	if got := r.Watched(); len(got) != 1 || got[0] != "tracked" {
		t.Errorf("Watched() = %v, want [tracked]", got)
	}

	if err := m.Disable(ctx, "tracked"); err != nil {
		t.Fatal(err)
	}
	if got := r.Watched(); len(got) != 0 {
		t.Errorf("Watched() = %v, want none after Disable", got)
	}
}

func TestSourceChanged(t *testing.T) {
	tests := []struct {
		paths []string
		want  bool
	}{
		{[]string{"/p/main.lua"}, true},
		{[]string{"/p/notes.txt", "/p/plugin.json"}, true},
		{[]string{"/p/plugin.yaml"}, true},
		{[]string{"/p/data/out.txt"}, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := sourceChanged(tt.paths); got != tt.want {
			t.Errorf("sourceChanged(%v) = %v, want %v", tt.paths, got, tt.want)
		}
	}
}
