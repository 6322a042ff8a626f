// Package ui is an in-memory UIService that records contributed commands and
// logs notifications.
package ui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/plugbox/internal/services"
)

// Levels accepted for notifications.
var levels = map[string]bool{"info": true, "warning": true, "error": true, "success": true}

// Console implements services.UIService.
type Console struct {
	logger hclog.Logger

	mu            sync.RWMutex
	commands      map[string]services.Command
	notifications []services.Notification
	maxHistory    int
}

// New creates a Console logging to logger.
func New(logger hclog.Logger) *Console {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Console{
		logger:     logger,
		commands:   make(map[string]services.Command),
		maxHistory: 100,
	}
}

// AddCommand registers cmd under "<plugin>.<id>".
func (c *Console) AddCommand(_ context.Context, cmd services.Command) error {
	if strings.TrimSpace(cmd.ID) == "" || strings.TrimSpace(cmd.Title) == "" {
		return fmt.Errorf("%w: command id and title are required", services.ErrInvalidRequest)
	}
	key := cmd.ID
	if cmd.PluginID != "" {
		key = cmd.PluginID + "." + cmd.ID
	}

	c.mu.Lock()
	c.commands[key] = cmd
	c.mu.Unlock()

	c.logger.Debug("command registered", "command", key, "title", cmd.Title)
	return nil
}

// ShowNotification logs n at its level.
func (c *Console) ShowNotification(_ context.Context, n services.Notification) error {
	if strings.TrimSpace(n.Message) == "" {
		return fmt.Errorf("%w: notification message is required", services.ErrInvalidRequest)
	}
	if n.Level == "" {
		n.Level = "info"
	}
	if !levels[n.Level] {
		return fmt.Errorf("%w: unknown notification level %q", services.ErrInvalidRequest, n.Level)
	}

	c.mu.Lock()
	c.notifications = append(c.notifications, n)
	if len(c.notifications) > c.maxHistory {
		c.notifications = c.notifications[len(c.notifications)-c.maxHistory:]
	}
	c.mu.Unlock()

	args := []interface{}{"plugin", n.PluginID, "title", n.Title, "message", n.Message}
	switch n.Level {
	case "error":
		c.logger.Error("notification", args...)
	case "warning":
		c.logger.Warn("notification", args...)
	default:
		c.logger.Info("notification", args...)
	}
	return nil
}

// Commands returns the registered command keys, sorted.
func (c *Console) Commands() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.commands))
	for k := range c.commands {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Notifications returns the recent notifications, oldest first.
func (c *Console) Notifications() []services.Notification {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]services.Notification(nil), c.notifications...)
}

// RemovePlugin drops every command contributed by pluginID.
func (c *Console) RemovePlugin(pluginID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, cmd := range c.commands {
		if cmd.PluginID == pluginID {
			delete(c.commands, key)
		}
	}
}
