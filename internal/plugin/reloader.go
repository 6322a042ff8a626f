package plugin

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/plugbox/internal/watcher"
)

// Reloader reloads enabled plugins when their source changes on disk.
// Only Lua files and manifests count as source, so a plugin writing data
// into its own directory does not restart itself.
type Reloader struct {
	manager *Manager
	watcher *watcher.Watcher
	logger  hclog.Logger

	mu    sync.Mutex
	roots map[string]string // install path -> plugin id

	unsubscribe func()
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewReloader creates a Reloader for m. opts configure the file watcher.
func NewReloader(m *Manager, logger hclog.Logger, opts ...watcher.Option) (*Reloader, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	w, err := watcher.New(opts...)
	if err != nil {
		return nil, err
	}
	return &Reloader{
		manager: m,
		watcher: w,
		logger:  logger,
		roots:   make(map[string]string),
	}, nil
}

// Start watches every enabled plugin and follows the manager's events until
// ctx is done or Close is called.
func (r *Reloader) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.unsubscribe = r.manager.Subscribe(r.onEvent)

	for _, rec := range r.manager.List() {
		if rec.State == StateEnabled {
			r.watch(rec.ID, rec.InstallPath)
		}
	}

	go r.run(ctx)
}

// Watched returns the plugin ids currently watched.
func (r *Reloader) Watched() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.roots))
	for _, id := range r.roots {
		ids = append(ids, id)
	}
	return ids
}

// Close stops watching.
func (r *Reloader) Close() error {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	if r.cancel != nil {
		r.cancel()
	}
	err := r.watcher.Close()
	if r.done != nil {
		<-r.done
	}
	return err
}

func (r *Reloader) onEvent(event ManagerEvent) {
	switch event.Type {
	case EventEnabled:
		if rec, ok := r.manager.Get(event.Plugin); ok {
			r.watch(rec.ID, rec.InstallPath)
		}
	case EventDisabled, EventCrashed, EventUninstalled:
		r.unwatch(event.Plugin)
	}
}

func (r *Reloader) run(ctx context.Context) {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-r.watcher.Events():
			if !ok {
				return
			}
			r.reload(ctx, event)
		case err, ok := <-r.watcher.Errors():
			if !ok {
				return
			}
			r.logger.Warn("plugin watcher error", "error", err)
		}
	}
}

func (r *Reloader) reload(ctx context.Context, event watcher.Event) {
	r.mu.Lock()
	id, ok := r.roots[event.Root]
	r.mu.Unlock()
	if !ok || !sourceChanged(event.Paths) {
		return
	}

	rec, ok := r.manager.Get(id)
	if !ok || rec.State != StateEnabled {
		return
	}

	r.logger.Info("plugin source changed, reloading", "plugin", id, "op", event.Op.String(), "files", len(event.Paths))
	if err := r.manager.Reload(ctx, id); err != nil {
		if errors.Is(err, ErrTransitionInProgress) {
			r.logger.Debug("reload skipped, plugin busy", "plugin", id)
			return
		}
		r.logger.Error("hot reload failed", "plugin", id, "error", err)
	}
}

func (r *Reloader) watch(id, dir string) {
	if err := r.watcher.Add(dir); err != nil {
		r.logger.Warn("cannot watch plugin directory", "plugin", id, "path", dir, "error", err)
		return
	}
	r.mu.Lock()
	r.roots[dir] = id
	r.mu.Unlock()
}

func (r *Reloader) unwatch(id string) {
	r.mu.Lock()
	var dir string
	for root, owner := range r.roots {
		if owner == id {
			dir = root
			delete(r.roots, root)
			break
		}
	}
	r.mu.Unlock()

	if dir == "" {
		return
	}
	if err := r.watcher.Remove(dir); err != nil && !errors.Is(err, watcher.ErrWatcherClosed) {
		r.logger.Debug("unwatch failed", "plugin", id, "error", err)
	}
}

// sourceChanged reports whether any path is plugin source.
func sourceChanged(paths []string) bool {
	for _, p := range paths {
		if filepath.Ext(p) == ".lua" {
			return true
		}
		base := filepath.Base(p)
		for _, name := range ManifestFileNames {
			if base == name {
				return true
			}
		}
	}
	return false
}
