// Package agents is an in-memory AgentService. Agents run their tasks through
// a ModelService and are only visible to the plugin that created them.
package agents

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/plugbox/internal/services"
)

// DefaultModel is used for agents created without a model.
const DefaultModel = "echo"

type agent struct {
	info         services.Agent
	instructions string
}

// Runtime implements services.AgentService.
type Runtime struct {
	models services.ModelService

	mu     sync.RWMutex
	agents map[string]*agent
}

// New creates a Runtime that executes agents with models.
func New(models services.ModelService) *Runtime {
	return &Runtime{
		models: models,
		agents: make(map[string]*agent),
	}
}

// CreateAgent registers an agent owned by owner.
func (r *Runtime) CreateAgent(_ context.Context, owner string, cfg services.AgentConfig) (*services.Agent, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("%w: agent name is required", services.ErrInvalidRequest)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	a := &agent{
		info: services.Agent{
			ID:        uuid.NewString(),
			Name:      cfg.Name,
			Model:     model,
			Owner:     owner,
			CreatedAt: time.Now().UTC(),
		},
		instructions: cfg.Instructions,
	}

	r.mu.Lock()
	r.agents[a.info.ID] = a
	r.mu.Unlock()

	info := a.info
	return &info, nil
}

// ExecuteAgent runs task on the agent.
func (r *Runtime) ExecuteAgent(ctx context.Context, owner, agentID, task string) (*services.AgentResult, error) {
	r.mu.RLock()
	a, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok || a.info.Owner != owner {
		return nil, fmt.Errorf("%w: %s", services.ErrAgentNotFound, agentID)
	}
	if r.models == nil {
		return nil, services.ErrUnavailable
	}

	res, err := r.models.ExecuteModel(ctx, a.info.Model, task, services.ModelOptions{System: a.instructions})
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", a.info.Name, err)
	}
	return &services.AgentResult{AgentID: agentID, Task: task, Output: res.Text}, nil
}

// Remove deletes every agent owned by owner and returns how many were removed.
func (r *Runtime) Remove(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, a := range r.agents {
		if a.info.Owner == owner {
			delete(r.agents, id)
			n++
		}
	}
	return n
}
