package worker

import (
	"context"
	"os"
	"slices"
	"testing"
	"time"
)

const helperEnv = "PLUGBOX_WORKER_HELPER"

// TestMain doubles as the worker binary: when started by ProcessLauncher
// with helperEnv set, the test executable serves a sandbox instead of
// running tests.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		Serve(ServeConfig{})
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestProcessLauncherEnv(t *testing.T) {
	t.Setenv("PLUGBOX_HOST_MARKER", "kept")
	launcher := &ProcessLauncher{Path: "/bin/true", Env: []string{helperEnv + "=1"}}

	cmd := launcher.command(launcher.Path)
	if !slices.Contains(cmd.Env, "PLUGBOX_HOST_MARKER=kept") {
		t.Error("worker environment should include the host environment")
	}
	if cmd.Env[len(cmd.Env)-1] != helperEnv+"=1" {
		t.Errorf("last env entry = %q, want %s=1", cmd.Env[len(cmd.Env)-1], helperEnv)
	}
}

func TestProcessLauncher(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a worker process")
	}

	launcher := &ProcessLauncher{
		Path:         os.Args[0],
		Env:          []string{helperEnv + "=1"},
		StartTimeout: 10 * time.Second,
	}
	sup := NewSupervisor(launcher, 1, nil)
	defer sup.Shutdown()
	ctx := context.Background()

	h, err := sup.Spawn(ctx, "proc-1")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if h.Pid <= 0 || h.Pid == os.Getpid() {
		t.Errorf("Pid = %d, want a separate process", h.Pid)
	}

	ready, err := h.Initialize(ctx, testSpec(writePlugin(t, testPlugin)))
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if ready.Pid != h.Pid {
		t.Errorf("Ready.Pid = %d, want %d", ready.Pid, h.Pid)
	}

	assertJSON(t, execute(t, h, "add", 20, 22), "42")

	st, err := h.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.Pid != h.Pid || st.RSS == 0 {
		t.Errorf("Stats() = %+v", st)
	}

	h.Terminate()
	<-h.Done()
	if n := sup.Running(); n != 0 {
		t.Errorf("Running() = %d, want 0", n)
	}
}
