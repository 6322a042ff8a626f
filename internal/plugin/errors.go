package plugin

import "errors"

// Plugin manager errors.
var (
	// ErrPluginNotFound is returned when a plugin is not installed.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrNoManifest is returned when a directory has no manifest file.
	ErrNoManifest = errors.New("plugin has no manifest (plugin.json, plugin.yaml)")

	// ErrAlreadyInstalled is returned when installing a plugin id twice.
	ErrAlreadyInstalled = errors.New("plugin is already installed")

	// ErrAlreadyEnabled is returned when enabling a running plugin.
	ErrAlreadyEnabled = errors.New("plugin is already enabled")

	// ErrNotEnabled is returned when a running instance is required.
	ErrNotEnabled = errors.New("plugin is not enabled")

	// ErrCrashed is returned when a crashed plugin is used before Reset.
	ErrCrashed = errors.New("plugin crashed; reset required")

	// ErrNotCrashed is returned when resetting a plugin that did not crash.
	ErrNotCrashed = errors.New("plugin is not crashed")

	// ErrTransitionInProgress is returned when a lifecycle operation is
	// already running for the plugin.
	ErrTransitionInProgress = errors.New("plugin lifecycle transition in progress")

	// ErrManagerClosed is returned after Shutdown.
	ErrManagerClosed = errors.New("plugin manager is shut down")
)
