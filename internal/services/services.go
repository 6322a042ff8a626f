// Package services defines the host subsystems that plugins reach through
// delegated API calls: agents, models, memory and UI.
//
// The sandbox only depends on these interfaces. The subpackages hold small
// reference implementations used by the plugbox command and by tests.
package services

import (
	"context"
	"time"
)

// AgentConfig describes an agent a plugin asks the host to create.
type AgentConfig struct {
	Name         string            `json:"name"`
	Instructions string            `json:"instructions,omitempty"`
	Model        string            `json:"model,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Agent is a created agent.
type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Model     string    `json:"model,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// AgentResult is the outcome of one agent task.
type AgentResult struct {
	AgentID string `json:"agentId"`
	Task    string `json:"task"`
	Output  string `json:"output"`
}

// ModelOptions tunes a model invocation.
type ModelOptions struct {
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	System      string   `json:"system,omitempty"`
}

// ModelResult is the text produced by a model.
type ModelResult struct {
	Model        string `json:"model"`
	Text         string `json:"text"`
	InputTokens  int64  `json:"inputTokens,omitempty"`
	OutputTokens int64  `json:"outputTokens,omitempty"`
}

// MemoryEntry is one stored memory.
type MemoryEntry struct {
	ID        string            `json:"id"`
	Namespace string            `json:"namespace,omitempty"`
	Content   string            `json:"content"`
	Type      string            `json:"type"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Score     float64           `json:"score,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// SearchOptions narrows a memory search. Namespace is set by the host, never
// by the plugin.
type SearchOptions struct {
	Limit     int    `json:"limit,omitempty"`
	Type      string `json:"type,omitempty"`
	Namespace string `json:"-"`
}

// Command is a UI command contributed by a plugin.
type Command struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	PluginID    string `json:"-"`
}

// Notification is a message shown to the user.
type Notification struct {
	Title    string `json:"title,omitempty"`
	Message  string `json:"message"`
	Level    string `json:"level,omitempty"`
	PluginID string `json:"-"`
}

// AgentService creates and runs agents.
type AgentService interface {
	CreateAgent(ctx context.Context, owner string, cfg AgentConfig) (*Agent, error)
	ExecuteAgent(ctx context.Context, owner, agentID, task string) (*AgentResult, error)
}

// ModelService invokes a model by name.
type ModelService interface {
	ExecuteModel(ctx context.Context, modelID, prompt string, opts ModelOptions) (*ModelResult, error)
}

// MemoryService stores and searches memories.
type MemoryService interface {
	StoreMemory(ctx context.Context, namespace, content, memType string, metadata map[string]string) (*MemoryEntry, error)
	SearchMemory(ctx context.Context, query string, opts SearchOptions) ([]MemoryEntry, error)
}

// UIService receives UI contributions.
type UIService interface {
	AddCommand(ctx context.Context, cmd Command) error
	ShowNotification(ctx context.Context, n Notification) error
}

// Set bundles the collaborators a plugin host routes to. A nil member makes
// the matching API calls fail with ErrUnavailable.
type Set struct {
	Agents AgentService
	Models ModelService
	Memory MemoryService
	UI     UIService
}
