// Package watcher reports changes to directory trees.
//
// Each tree is registered by its root. Changes anywhere below a root are
// debounced and delivered as a single Event naming the root, so a burst of
// writes from an editor or a checkout becomes one notification.
package watcher

import (
	"errors"
	"strings"
	"time"
)

// Common errors returned by watcher operations.
var (
	ErrWatcherClosed = errors.New("watcher is closed")
	ErrNotWatching   = errors.New("root is not being watched")
	ErrPathNotExist  = errors.New("path does not exist")
	ErrNotDirectory  = errors.New("path is not a directory")
)

// Op is a set of file system operations.
type Op uint32

const (
	// OpCreate indicates a file or directory was created.
	OpCreate Op = 1 << iota
	// OpWrite indicates a file was written to.
	OpWrite
	// OpRemove indicates a file or directory was removed.
	OpRemove
	// OpRename indicates a file or directory was renamed.
	OpRename
	// OpChmod indicates file permissions were changed.
	OpChmod
)

var opNames = []struct {
	op   Op
	name string
}{
	{OpCreate, "CREATE"},
	{OpWrite, "WRITE"},
	{OpRemove, "REMOVE"},
	{OpRename, "RENAME"},
	{OpChmod, "CHMOD"},
}

// String returns the operations joined with "|".
func (op Op) String() string {
	var names []string
	for _, n := range opNames {
		if op.Has(n.op) {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "UNKNOWN"
	}
	return strings.Join(names, "|")
}

// Has returns true if the operation includes the given op.
func (op Op) Has(o Op) bool {
	return op&o == o
}

// Event reports that files under a watched root changed.
type Event struct {
	// Root is the registered root the changes belong to.
	Root string

	// Paths are the changed paths, sorted and without duplicates.
	Paths []string

	// Op is the union of the operations seen.
	Op Op

	// Time is when the last change was seen.
	Time time.Time
}

// Stats provides watcher status information.
type Stats struct {
	Roots     int
	Dirs      int
	Pending   int
	Events    int64
	Dropped   int64
	Errors    int64
	LastError error
	StartTime time.Time
}

// Config holds watcher configuration options.
type Config struct {
	// Debounce is how long a root must be quiet before its event is
	// delivered.
	// Default: 200ms
	Debounce time.Duration

	// BufferSize is the size of the event and error channels.
	// Default: 64
	BufferSize int

	// IgnorePatterns are filepath.Match patterns tested against the base
	// name of each changed path.
	IgnorePatterns []string

	// IgnoreHidden ignores names starting with a dot.
	// Default: true
	IgnoreHidden bool

	// IgnoreChmod drops permission-only changes.
	// Default: true
	IgnoreChmod bool
}

// DefaultConfig returns a Config with sensible defaults. The ignore list
// covers editor swap and backup files.
func DefaultConfig() Config {
	return Config{
		Debounce:       200 * time.Millisecond,
		BufferSize:     64,
		IgnorePatterns: []string{"*.swp", "*.swx", "*~", "*.tmp", "4913"},
		IgnoreHidden:   true,
		IgnoreChmod:    true,
	}
}

// Option configures a watcher.
type Option func(*Config)

// WithDebounce sets the debounce delay.
func WithDebounce(d time.Duration) Option {
	return func(c *Config) {
		c.Debounce = d
	}
}

// WithBufferSize sets the channel buffer size.
func WithBufferSize(size int) Option {
	return func(c *Config) {
		c.BufferSize = size
	}
}

// WithIgnorePatterns replaces the ignore patterns.
func WithIgnorePatterns(patterns ...string) Option {
	return func(c *Config) {
		c.IgnorePatterns = patterns
	}
}

// WithIgnoreHidden sets whether hidden names are ignored.
func WithIgnoreHidden(ignore bool) Option {
	return func(c *Config) {
		c.IgnoreHidden = ignore
	}
}
