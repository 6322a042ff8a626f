package services

import "errors"

var (
	// ErrUnavailable is returned when no implementation backs a service.
	ErrUnavailable = errors.New("service unavailable")

	// ErrAgentNotFound is returned for an unknown agent id.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrUnknownModel is returned when no provider serves a model id.
	ErrUnknownModel = errors.New("unknown model")

	// ErrInvalidRequest is returned for malformed service input.
	ErrInvalidRequest = errors.New("invalid request")
)
