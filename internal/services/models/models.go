// Package models routes model invocations to a provider. A model id may be
// qualified as "provider/model"; an unqualified id goes to the default
// provider.
package models

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dshills/plugbox/internal/services"
)

// Provider completes prompts for one backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, model, prompt string, opts services.ModelOptions) (*services.ModelResult, error)
}

// Router implements services.ModelService over a set of providers.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  string
	defaults  map[string]string
	maxTokens int
}

// NewRouter creates a Router whose unqualified model ids go to fallback.
func NewRouter(fallback string) *Router {
	return &Router{
		providers: make(map[string]Provider),
		defaults:  make(map[string]string),
		fallback:  fallback,
		maxTokens: 1024,
	}
}

// Register adds a provider. defaultModel is used when the caller passes only
// the provider name.
func (r *Router) Register(p Provider, defaultModel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if defaultModel != "" {
		r.defaults[p.Name()] = defaultModel
	}
}

// SetMaxTokens sets the token cap applied when a call does not set one.
func (r *Router) SetMaxTokens(n int) {
	if n > 0 {
		r.maxTokens = n
	}
}

// Providers returns the registered provider names, sorted.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExecuteModel resolves modelID to a provider and runs prompt.
func (r *Router) ExecuteModel(ctx context.Context, modelID, prompt string, opts services.ModelOptions) (*services.ModelResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("%w: empty prompt", services.ErrInvalidRequest)
	}
	p, model, err := r.resolve(modelID)
	if err != nil {
		return nil, err
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = r.maxTokens
	}
	res, err := p.Complete(ctx, model, prompt, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Name(), err)
	}
	return res, nil
}

func (r *Router) resolve(modelID string) (Provider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, model := r.fallback, modelID
	if i := strings.IndexByte(modelID, '/'); i >= 0 {
		name, model = modelID[:i], modelID[i+1:]
	} else if _, ok := r.providers[modelID]; ok {
		name, model = modelID, ""
	}

	p, ok := r.providers[name]
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", services.ErrUnknownModel, modelID)
	}
	if model == "" {
		model = r.defaults[name]
	}
	if model == "" {
		return nil, "", fmt.Errorf("%w: %q has no default model", services.ErrUnknownModel, name)
	}
	return p, model, nil
}
