package lua

import "errors"

// Errors for runtime operations.
var (
	// ErrRuntimeClosed is returned when operating on a closed runtime.
	ErrRuntimeClosed = errors.New("lua runtime is closed")

	// ErrNotInitialized is returned by Execute before Initialize succeeded.
	ErrNotInitialized = errors.New("lua runtime is not initialized")

	// ErrAlreadyInitialized is returned by a second Initialize.
	ErrAlreadyInitialized = errors.New("lua runtime is already initialized")

	// ErrTooManyTimers is raised when a plugin exceeds its timer limit.
	ErrTooManyTimers = errors.New("too many active timers")

	// ErrModuleNotFound is raised when require cannot find a module.
	ErrModuleNotFound = errors.New("module not found")

	// ErrFunctionNotFound is returned when Execute names a function the
	// plugin does not export.
	ErrFunctionNotFound = errors.New("function not exported")
)
