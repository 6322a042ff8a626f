package faults

import (
	"errors"
	"fmt"
)

// Payload is the serialized form of an error carried in an RPC message.
type Payload struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Plugin  string `json:"plugin,omitempty"`
	Method  string `json:"method,omitempty"`
	Path    string `json:"path,omitempty"`
	Root    string `json:"root,omitempty"`
	Host    string `json:"host,omitempty"`
	Cause   Kind   `json:"cause,omitempty"`
}

// Encode converts err to its wire form. A nil error encodes to nil.
func Encode(err error) *Payload {
	if err == nil {
		return nil
	}
	p := &Payload{Kind: KindOf(err), Message: err.Error()}

	var (
		pathErr  *PathTraversalError
		netErr   *NetworkDomainDeniedError
		execErr  *ExecError
		faultErr *UncaughtFault
		valErr   *ValidationError
		toErr    *TimeoutError
	)
	switch {
	case errors.As(err, &pathErr):
		p.Path, p.Root = pathErr.Path, pathErr.Root
	case errors.As(err, &netErr):
		p.Host = netErr.Host
	case errors.As(err, &execErr):
		p.Plugin, p.Method, p.Message, p.Cause = execErr.PluginID, execErr.Method, execErr.Message, execErr.Cause
	case errors.As(err, &faultErr):
		p.Plugin, p.Message = faultErr.PluginID, faultErr.Message
	case errors.As(err, &valErr):
		p.Path, p.Message = valErr.Field, valErr.Reason
	case errors.As(err, &toErr):
		p.Method = toErr.Method
	}
	return p
}

// Decode rebuilds an error from its wire form. The result matches the same
// sentinel the original error matched.
func Decode(p *Payload) error {
	if p == nil {
		return nil
	}
	switch p.Kind {
	case KindPathTraversal:
		return &PathTraversalError{Path: p.Path, Root: p.Root}
	case KindNetworkDomainDenied:
		return &NetworkDomainDeniedError{Host: p.Host}
	case KindExec:
		return &ExecError{PluginID: p.Plugin, Method: p.Method, Message: p.Message, Cause: p.Cause}
	case KindUncaughtFault:
		return &UncaughtFault{PluginID: p.Plugin, Message: p.Message}
	case KindValidation:
		return &ValidationError{Field: p.Path, Reason: p.Message}
	}
	if sentinel, ok := sentinels[p.Kind]; ok {
		return fmt.Errorf("%w: %s", sentinel, p.Message)
	}
	return errors.New(p.Message)
}
