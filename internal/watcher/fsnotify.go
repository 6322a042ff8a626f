package watcher

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches directory trees with fsnotify.
type Watcher struct {
	mu sync.RWMutex

	// fsnotify watcher
	fs *fsnotify.Watcher

	config Config

	// Registered roots and the directories watched for each
	roots map[string][]string

	// Watched directory to the root it belongs to
	dirs map[string]string

	debounce *debouncer
	errors   chan error

	// Stats
	startTime   time.Time
	totalErrors atomic.Int64
	lastError   error

	// Lifecycle
	closed   bool
	closeCh  chan struct{}
	closedWg sync.WaitGroup
}

// New creates a Watcher.
func New(opts ...Option) (*Watcher, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	bufSize := config.BufferSize
	if bufSize <= 0 {
		bufSize = 64
	}

	w := &Watcher{
		fs:        fsw,
		config:    config,
		roots:     make(map[string][]string),
		dirs:      make(map[string]string),
		debounce:  newDebouncer(config.Debounce, bufSize),
		errors:    make(chan error, bufSize),
		startTime: time.Now(),
		closeCh:   make(chan struct{}),
	}

	w.closedWg.Add(1)
	go w.processLoop()

	return w, nil
}

// Add watches root and every directory below it. Adding a root twice is a
// no-op.
func (w *Watcher) Add(root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrPathNotExist
		}
		return err
	}
	if !info.IsDir() {
		return ErrNotDirectory
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWatcherClosed
	}
	if _, exists := w.roots[absRoot]; exists {
		return nil
	}

	var added []string
	walkErr := filepath.WalkDir(absRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == absRoot {
				return err
			}
			return nil // Skip unreadable entries, continue walking
		}
		if !d.IsDir() {
			return nil
		}
		if p != absRoot && w.shouldIgnore(p) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(p); err != nil {
			return err
		}
		added = append(added, p)
		return nil
	})
	if walkErr != nil {
		for _, dir := range added {
			_ = w.fs.Remove(dir)
		}
		return walkErr
	}

	w.roots[absRoot] = added
	for _, dir := range added {
		w.dirs[dir] = absRoot
	}
	return nil
}

// Remove stops watching root and drops its pending changes.
func (w *Watcher) Remove(root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWatcherClosed
	}
	dirs, exists := w.roots[absRoot]
	if !exists {
		w.mu.Unlock()
		return ErrNotWatching
	}
	for _, dir := range dirs {
		// The directory may already be gone.
		_ = w.fs.Remove(dir)
		delete(w.dirs, dir)
	}
	delete(w.roots, absRoot)
	w.mu.Unlock()

	w.debounce.cancel(absRoot)
	return nil
}

// Roots returns the registered roots, sorted.
func (w *Watcher) Roots() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	roots := make([]string, 0, len(w.roots))
	for root := range w.roots {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots
}

// IsWatching reports whether root is registered.
func (w *Watcher) IsWatching(root string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, exists := w.roots[absRoot]
	return exists
}

// Events returns the channel of debounced events. It is closed by Close.
func (w *Watcher) Events() <-chan Event {
	return w.debounce.out
}

// Errors returns the channel of watcher errors. It is closed by Close.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Flush delivers pending events without waiting for the debounce delay.
func (w *Watcher) Flush() {
	w.debounce.flush()
}

// Stats returns watcher statistics.
func (w *Watcher) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return Stats{
		Roots:     len(w.roots),
		Dirs:      len(w.dirs),
		Pending:   w.debounce.pendingCount(),
		Events:    w.debounce.delivered.Load(),
		Dropped:   w.debounce.dropped.Load(),
		Errors:    w.totalErrors.Load(),
		LastError: w.lastError,
		StartTime: w.startTime,
	}
}

// Close stops the watcher. After Close, Events and Errors are closed.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	w.mu.Unlock()

	// Wait for processLoop to finish
	w.closedWg.Wait()

	w.debounce.close()
	close(w.errors)

	return w.fs.Close()
}

// processLoop handles incoming fsnotify events.
func (w *Watcher) processLoop() {
	defer w.closedWg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case fsEvent, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleFSEvent(fsEvent)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.recordError(err)
			w.sendError(err)
		}
	}
}

// handleFSEvent attributes an fsnotify event to its root.
func (w *Watcher) handleFSEvent(fsEvent fsnotify.Event) {
	op := convertOp(fsEvent.Op)
	if w.config.IgnoreChmod {
		op &^= OpChmod
	}
	if op == 0 {
		return
	}
	if w.shouldIgnore(fsEvent.Name) {
		return
	}

	root, ok := w.rootOf(fsEvent.Name)
	if !ok {
		return
	}
	w.debounce.add(root, fsEvent.Name, op)

	// New directories below a root are watched as well.
	if op.Has(OpCreate) {
		if info, err := os.Stat(fsEvent.Name); err == nil && info.IsDir() {
			if err := w.addDir(root, fsEvent.Name); err != nil {
				w.recordError(err)
			}
		}
	}
}

func (w *Watcher) rootOf(path string) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if root, ok := w.dirs[path]; ok {
		return root, true
	}
	root, ok := w.dirs[filepath.Dir(path)]
	return root, ok
}

func (w *Watcher) addDir(root, dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWatcherClosed
	}
	if _, exists := w.roots[root]; !exists {
		return nil // Removed meanwhile
	}
	if _, exists := w.dirs[dir]; exists {
		return nil
	}
	if err := w.fs.Add(dir); err != nil {
		return err
	}
	w.roots[root] = append(w.roots[root], dir)
	w.dirs[dir] = root
	return nil
}

// convertOp converts fsnotify.Op to watcher.Op.
func convertOp(fsOp fsnotify.Op) Op {
	var op Op
	if fsOp.Has(fsnotify.Create) {
		op |= OpCreate
	}
	if fsOp.Has(fsnotify.Write) {
		op |= OpWrite
	}
	if fsOp.Has(fsnotify.Remove) {
		op |= OpRemove
	}
	if fsOp.Has(fsnotify.Rename) {
		op |= OpRename
	}
	if fsOp.Has(fsnotify.Chmod) {
		op |= OpChmod
	}
	return op
}

// shouldIgnore checks the base name of path against the ignore rules.
func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	if w.config.IgnoreHidden && strings.HasPrefix(base, ".") {
		return true
	}
	for _, pattern := range w.config.IgnorePatterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// sendError sends an error to the output channel.
func (w *Watcher) sendError(err error) {
	select {
	case w.errors <- err:
	default:
		// Channel full, drop error
	}
}

// recordError records an error in stats.
func (w *Watcher) recordError(err error) {
	if errors.Is(err, ErrWatcherClosed) {
		return
	}
	w.totalErrors.Add(1)
	w.mu.Lock()
	w.lastError = err
	w.mu.Unlock()
}
