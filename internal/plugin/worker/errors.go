package worker

import "errors"

var (
	// ErrNotInitialized is returned for execute requests before initialize.
	ErrNotInitialized = errors.New("worker is not initialized")

	// ErrAlreadyInitialized is returned for a second initialize request.
	ErrAlreadyInitialized = errors.New("worker is already initialized")

	// ErrUnknownRequest is returned for request types a worker does not serve.
	ErrUnknownRequest = errors.New("unknown request type")

	// ErrSupervisorClosed is returned by Spawn after Shutdown.
	ErrSupervisorClosed = errors.New("supervisor is shut down")
)
