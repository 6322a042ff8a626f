package security

import (
	"sort"
	"strings"
)

// Category is a top-level capability group as it appears in a manifest.
type Category string

// Capability categories.
const (
	CategoryMemory     Category = "memory"
	CategoryAgents     Category = "agents"
	CategoryModels     Category = "models"
	CategoryFilesystem Category = "filesystem"
	CategoryNetwork    Category = "network"
	CategoryUI         Category = "ui"
)

// Capability is a category/action pair such as "filesystem.read".
type Capability string

// Capabilities that gate surface operations.
const (
	CapabilityMemoryRead      Capability = "memory.read"
	CapabilityMemoryWrite     Capability = "memory.write"
	CapabilityAgentsCreate    Capability = "agents.create"
	CapabilityAgentsExecute   Capability = "agents.execute"
	CapabilityModelsExecute   Capability = "models.execute"
	CapabilityFileRead        Capability = "filesystem.read"
	CapabilityFileWrite       Capability = "filesystem.write"
	CapabilityNetworkExternal Capability = "network.external"
	CapabilityUICommands      Capability = "ui.commands"
	CapabilityUINotifications Capability = "ui.notifications"
)

// Category returns the capability's category.
func (c Capability) Category() Category {
	cat, _, _ := strings.Cut(string(c), ".")
	return Category(cat)
}

// Action returns the part after the category.
func (c Capability) Action() string {
	_, action, _ := strings.Cut(string(c), ".")
	return action
}

// RiskLevel indicates how dangerous a capability is.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
)

// String returns the risk level name.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// CapabilityInfo describes a capability for approval prompts and audits.
type CapabilityInfo struct {
	Name        Capability
	Description string
	RiskLevel   RiskLevel
}

var capabilityRegistry = map[Capability]CapabilityInfo{
	CapabilityMemoryRead: {
		Name:        CapabilityMemoryRead,
		Description: "Search the shared memory store",
		RiskLevel:   RiskMedium,
	},
	CapabilityMemoryWrite: {
		Name:        CapabilityMemoryWrite,
		Description: "Store entries in the shared memory store",
		RiskLevel:   RiskMedium,
	},
	CapabilityAgentsCreate: {
		Name:        CapabilityAgentsCreate,
		Description: "Create agents",
		RiskLevel:   RiskMedium,
	},
	CapabilityAgentsExecute: {
		Name:        CapabilityAgentsExecute,
		Description: "Run tasks on agents",
		RiskLevel:   RiskMedium,
	},
	CapabilityModelsExecute: {
		Name:        CapabilityModelsExecute,
		Description: "Invoke models by name",
		RiskLevel:   RiskMedium,
	},
	CapabilityFileRead: {
		Name:        CapabilityFileRead,
		Description: "Read files inside the plugin directory",
		RiskLevel:   RiskLow,
	},
	CapabilityFileWrite: {
		Name:        CapabilityFileWrite,
		Description: "Write files inside the plugin directory",
		RiskLevel:   RiskMedium,
	},
	CapabilityNetworkExternal: {
		Name:        CapabilityNetworkExternal,
		Description: "Make HTTP requests to allow-listed domains",
		RiskLevel:   RiskHigh,
	},
	CapabilityUICommands: {
		Name:        CapabilityUICommands,
		Description: "Register commands",
		RiskLevel:   RiskLow,
	},
	CapabilityUINotifications: {
		Name:        CapabilityUINotifications,
		Description: "Show notifications",
		RiskLevel:   RiskLow,
	},
}

// categoryActions lists the actions each category accepts in a manifest.
var categoryActions = map[Category][]string{
	CategoryMemory:     {"read", "write"},
	CategoryAgents:     {"create", "execute"},
	CategoryModels:     {"execute"},
	CategoryFilesystem: {"read", "write"},
	CategoryNetwork:    {"external"},
	CategoryUI:         {"commands", "notifications"},
}

// GetCapabilityInfo returns information about a capability.
func GetCapabilityInfo(c Capability) (CapabilityInfo, bool) {
	info, ok := capabilityRegistry[c]
	return info, ok
}

// IsValidCapability reports whether c is a known capability.
func IsValidCapability(c Capability) bool {
	_, ok := capabilityRegistry[c]
	return ok
}

// IsValidCategory reports whether cat is a known category.
func IsValidCategory(cat Category) bool {
	_, ok := categoryActions[cat]
	return ok
}

// AllCapabilities returns every known capability, sorted.
func AllCapabilities() []Capability {
	caps := make([]Capability, 0, len(capabilityRegistry))
	for c := range capabilityRegistry {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}
