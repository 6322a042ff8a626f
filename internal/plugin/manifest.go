package plugin

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/dshills/plugbox/internal/plugin/security"
)

// Manifest file names, in lookup order.
var ManifestFileNames = []string{"plugin.json", "plugin.yaml", "plugin.yml"}

// Manifest describes a plugin's metadata and requested capabilities.
//
// A Manifest returned by a Validator has passed validation and should be
// treated as immutable; use Clone to derive a modified copy.
type Manifest struct {
	// Name is the unique plugin identifier (e.g., "memory-tools").
	Name string `json:"name" validate:"required"`

	// Version is the semantic version of the plugin (e.g., "1.0.0").
	Version string `json:"version" validate:"required"`

	// EngineVersionRange is the semver constraint the host engine must
	// satisfy (e.g., ">=1.2.0, <2.0.0").
	EngineVersionRange string `json:"engineVersionRange" validate:"required"`

	// EntryPoint is the Lua file loaded on initialize, relative to the
	// plugin directory.
	EntryPoint string `json:"entryPoint" validate:"required"`

	// Description is a short human-readable description.
	Description string `json:"description,omitempty"`

	// Author is the plugin author.
	Author string `json:"author,omitempty"`

	// RequestedCapabilities maps a capability category to a boolean or a
	// structured grant.
	RequestedCapabilities map[string]json.RawMessage `json:"requestedCapabilities,omitempty"`

	// requested is the parsed form of RequestedCapabilities.
	requested security.PermissionSet

	// path is the directory containing the manifest.
	path string
}

// Path returns the directory containing the plugin.
func (m *Manifest) Path() string {
	return m.path
}

// EntryPath returns the absolute path to the entry point.
func (m *Manifest) EntryPath() string {
	if m.path == "" {
		return m.EntryPoint
	}
	return filepath.Join(m.path, filepath.FromSlash(m.EntryPoint))
}

// Requested returns the parsed capability request.
func (m *Manifest) Requested() security.PermissionSet {
	return m.requested.Clone()
}

// HasCapability returns true if the manifest requests the given capability.
func (m *Manifest) HasCapability(c security.Capability) bool {
	return m.requested.Has(c)
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}

	clone := *m
	clone.requested = m.requested.Clone()
	if m.RequestedCapabilities != nil {
		clone.RequestedCapabilities = make(map[string]json.RawMessage, len(m.RequestedCapabilities))
		for k, v := range m.RequestedCapabilities {
			clone.RequestedCapabilities[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &clone
}

// String returns a string representation of the manifest.
func (m *Manifest) String() string {
	return fmt.Sprintf("%s v%s", m.Name, m.Version)
}
