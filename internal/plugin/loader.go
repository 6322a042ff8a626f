package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Loader discovers plugin directories on the filesystem.
type Loader struct {
	// Search paths for plugins (checked in order)
	paths []string

	validator *Validator

	// Discovered plugins cache
	discovered map[string]*PluginInfo
}

// PluginInfo contains discovery information about a plugin.
type PluginInfo struct {
	Name     string
	Path     string
	Manifest *Manifest
	Error    error
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithPaths sets the plugin search paths.
func WithPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.paths = paths
	}
}

// WithValidator sets the validator manifests are checked with.
func WithValidator(v *Validator) LoaderOption {
	return func(l *Loader) {
		l.validator = v
	}
}

// NewLoader creates a new plugin loader. Without WithValidator, manifests
// are checked against DefaultEngineVersion.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		paths:      DefaultPluginPaths(),
		discovered: make(map[string]*PluginInfo),
	}

	for _, opt := range opts {
		opt(l)
	}
	if l.validator == nil {
		l.validator, _ = NewValidator(DefaultEngineVersion)
	}

	return l
}

// DefaultPluginPaths returns the default plugin search paths.
func DefaultPluginPaths() []string {
	paths := make([]string, 0, 3)

	// User plugins: ~/.config/plugbox/plugins/
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "plugbox", "plugins"))
	}

	// User data plugins: ~/.local/share/plugbox/plugins/
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".local", "share", "plugbox", "plugins"))
	}

	// Project plugins: .plugbox/plugins/
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".plugbox", "plugins"))
	}

	return paths
}

// Paths returns the configured search paths.
func (l *Loader) Paths() []string {
	return l.paths
}

// AddPath adds a search path.
func (l *Loader) AddPath(path string) {
	l.paths = append(l.paths, path)
}

// Discover finds all plugins in the search paths. Directories without a
// manifest are skipped; directories with an invalid one are reported with
// Error set. Returns plugins sorted by name.
func (l *Loader) Discover() ([]*PluginInfo, error) {
	l.discovered = make(map[string]*PluginInfo)

	var firstErr error
	for _, basePath := range l.paths {
		if err := l.discoverInPath(basePath); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("scan %s: %w", basePath, err)
		}
	}

	// Convert to sorted slice
	plugins := make([]*PluginInfo, 0, len(l.discovered))
	for _, info := range l.discovered {
		plugins = append(plugins, info)
	}

	sort.Slice(plugins, func(i, j int) bool {
		return plugins[i].Name < plugins[j].Name
	})

	return plugins, firstErr
}

// discoverInPath finds plugins in a single directory.
func (l *Loader) discoverInPath(basePath string) error {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // Not an error if path doesn't exist
		}
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pluginPath := filepath.Join(basePath, entry.Name())
		if _, ok := FindManifest(pluginPath); !ok {
			continue
		}
		info := l.inspectPlugin(entry.Name(), pluginPath)

		// Don't override earlier discoveries (first path wins)
		if _, exists := l.discovered[info.Name]; !exists {
			l.discovered[info.Name] = info
		}
	}

	return nil
}

// inspectPlugin validates the manifest in path.
func (l *Loader) inspectPlugin(name, path string) *PluginInfo {
	info := &PluginInfo{
		Name: name,
		Path: path,
	}

	manifest, err := l.validator.LoadManifestFromDir(path)
	if err != nil {
		info.Error = fmt.Errorf("invalid manifest: %w", err)
		return info
	}
	info.Manifest = manifest
	info.Name = manifest.Name // Use name from manifest
	info.Path = manifest.Path()
	return info
}

// Get returns info for a specific plugin by name.
func (l *Loader) Get(name string) (*PluginInfo, bool) {
	info, ok := l.discovered[name]
	return info, ok
}

// FindPlugin searches for a plugin by name across all paths.
// Returns the first valid match found.
func (l *Loader) FindPlugin(name string) (*PluginInfo, error) {
	if info, ok := l.discovered[name]; ok && info.Error == nil {
		return info, nil
	}

	for _, basePath := range l.paths {
		pluginPath := filepath.Join(basePath, name)
		if stat, err := os.Stat(pluginPath); err != nil || !stat.IsDir() {
			continue
		}
		info := l.inspectPlugin(name, pluginPath)
		if info.Error == nil {
			l.discovered[info.Name] = info
			return info, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
}

// ListNames returns the names of all discovered plugins.
func (l *Loader) ListNames() []string {
	names := make([]string, 0, len(l.discovered))
	for name := range l.discovered {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of discovered plugins.
func (l *Loader) Count() int {
	return len(l.discovered)
}

// Errors returns all plugins that have errors.
func (l *Loader) Errors() []*PluginInfo {
	var errored []*PluginInfo
	for _, info := range l.discovered {
		if info.Error != nil {
			errored = append(errored, info)
		}
	}
	sort.Slice(errored, func(i, j int) bool {
		return errored[i].Name < errored[j].Name
	})
	return errored
}
