// Package worker runs plugin sandboxes and connects them to the host.
//
// The host side is a Supervisor that starts workers through a Launcher and
// hands back a Handle per instance. The worker side is a Session: it answers
// initialize and execute requests on its bridge by driving a lua.Runtime, and
// sends the runtime's api calls, faults and security events back to the host.
//
// ProcessLauncher starts each worker as a child process using go-plugin; the
// child re-executes the current binary and calls Serve. InProcessLauncher runs
// the Session in the host process over a net.Pipe, which is what tests and
// single-process embeddings use.
package worker

import (
	"github.com/dshills/plugbox/internal/plugin/security"
)

// Spec is the argument of the initialize request. It carries everything a
// worker needs to build the sandbox; the worker reads nothing else from the
// host.
type Spec struct {
	PluginID    string                  `json:"pluginId"`
	InstanceID  string                  `json:"instanceId"`
	Root        string                  `json:"root"`
	EntryPoint  string                  `json:"entryPoint"`
	Permissions security.PermissionSet  `json:"permissions"`
	Limits      security.ResourceLimits `json:"limits"`
}

// Ready is the reply to a successful initialize.
type Ready struct {
	Exports []string `json:"exports"`
	Surface []string `json:"surface"`
	Pid     int      `json:"pid"`
}

// SecurityEvent is the argument of a security event.
type SecurityEvent struct {
	Method string `json:"method"`
}
