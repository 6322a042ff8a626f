// Package faults defines the error taxonomy shared by the plugin host and its
// sandboxed workers.
//
// Every error that can cross the worker boundary has a Kind. Typed errors
// match their kind's sentinel with errors.Is, and Encode/Decode preserve the
// concrete type across the wire so a host caller can inspect a
// *PathTraversalError raised inside a worker the same way it would inspect a
// local one.
package faults

import (
	"errors"
	"fmt"
	"time"
)

// Kind names an error category on the wire.
type Kind string

// Error kinds.
const (
	KindValidation          Kind = "ValidationError"
	KindPermissionDenied    Kind = "PermissionDenied"
	KindPathTraversal       Kind = "PathTraversalError"
	KindNetworkDomainDenied Kind = "NetworkDomainDenied"
	KindTimeout             Kind = "TimeoutError"
	KindExec                Kind = "ExecError"
	KindUncaughtFault       Kind = "UncaughtFault"
	KindInstanceTerminated  Kind = "InstanceTerminated"
	KindResourceExhausted   Kind = "ResourceExhausted"
	KindRateLimited         Kind = "RateLimited"
	KindInternal            Kind = "InternalError"
)

// Sentinel errors, one per kind.
var (
	// ErrValidation is returned when a manifest is rejected.
	ErrValidation = errors.New("validation error")

	// ErrPermissionDenied is returned by the host when a worker issues a call
	// its permission set does not cover. Plugins never see it through their
	// own surface, since ungranted operations are absent.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrPathTraversal is returned when a path resolves outside the plugin root.
	ErrPathTraversal = errors.New("path traversal")

	// ErrNetworkDomainDenied is returned when a fetch target is not allow-listed.
	ErrNetworkDomainDenied = errors.New("network domain denied")

	// ErrTimeout is returned when an RPC call gets no reply in time.
	ErrTimeout = errors.New("rpc timeout")

	// ErrExec is returned when a plugin function raised an error.
	ErrExec = errors.New("plugin execution error")

	// ErrUncaughtFault marks an asynchronous failure inside a sandbox.
	ErrUncaughtFault = errors.New("uncaught fault")

	// ErrInstanceTerminated is returned for calls pending on a terminated instance.
	ErrInstanceTerminated = errors.New("instance terminated")

	// ErrResourceExhausted is returned when the instance bound is reached.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrRateLimited is returned when a plugin exceeds its RPC rate.
	ErrRateLimited = errors.New("rate limited")
)

var sentinels = map[Kind]error{
	KindValidation:          ErrValidation,
	KindPermissionDenied:    ErrPermissionDenied,
	KindPathTraversal:       ErrPathTraversal,
	KindNetworkDomainDenied: ErrNetworkDomainDenied,
	KindTimeout:             ErrTimeout,
	KindExec:                ErrExec,
	KindUncaughtFault:       ErrUncaughtFault,
	KindInstanceTerminated:  ErrInstanceTerminated,
	KindResourceExhausted:   ErrResourceExhausted,
	KindRateLimited:         ErrRateLimited,
}

// ValidationError describes why a manifest was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("manifest: %s", e.Reason)
	}
	return fmt.Sprintf("manifest: %s: %s", e.Field, e.Reason)
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// PathTraversalError is returned when a filesystem path escapes the plugin root.
type PathTraversalError struct {
	Path string
	Root string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("path %q resolves outside plugin directory %q", e.Path, e.Root)
}

// Is reports whether target is ErrPathTraversal.
func (e *PathTraversalError) Is(target error) bool { return target == ErrPathTraversal }

// NetworkDomainDeniedError is returned when a host is not in the allow-list.
type NetworkDomainDeniedError struct {
	Host string
}

func (e *NetworkDomainDeniedError) Error() string {
	return fmt.Sprintf("network access to %q is not allowed", e.Host)
}

// Is reports whether target is ErrNetworkDomainDenied.
func (e *NetworkDomainDeniedError) Is(target error) bool { return target == ErrNetworkDomainDenied }

// TimeoutError is returned when an RPC call is not answered before its deadline.
type TimeoutError struct {
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc %s: no reply after %s", e.Method, e.After)
}

// Is reports whether target is ErrTimeout.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ExecError is a failure raised by plugin code during a direct execute call.
// When the plugin let a host API error escape, Cause holds that error's kind
// and the ExecError also matches the cause's sentinel.
type ExecError struct {
	PluginID string
	Method   string
	Message  string
	Cause    Kind
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("plugin %s: %s: %s", e.PluginID, e.Method, e.Message)
}

// Is reports whether target is ErrExec or the sentinel of Cause.
func (e *ExecError) Is(target error) bool {
	if target == ErrExec {
		return true
	}
	if sentinel, ok := sentinels[e.Cause]; ok && e.Cause != KindExec {
		return target == sentinel
	}
	return false
}

// UncaughtFault is an asynchronous failure not tied to an execute call.
type UncaughtFault struct {
	PluginID string
	Message  string
}

func (e *UncaughtFault) Error() string {
	return fmt.Sprintf("plugin %s: uncaught fault: %s", e.PluginID, e.Message)
}

// Is reports whether target is ErrUncaughtFault.
func (e *UncaughtFault) Is(target error) bool { return target == ErrUncaughtFault }

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return KindExec
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}

// IsSecurity reports whether err indicates a confinement violation. These are
// logged apart from ordinary failures.
func IsSecurity(err error) bool {
	return errors.Is(err, ErrPathTraversal) || errors.Is(err, ErrNetworkDomainDenied)
}
