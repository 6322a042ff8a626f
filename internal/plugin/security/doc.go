// Package security implements the capability model for sandboxed plugins.
//
// # Capabilities
//
// A capability is a category/action pair. Manifests request them per
// category, either as a boolean covering every action or as an object:
//
//	"requestedCapabilities": {
//	    "memory": true,
//	    "filesystem": {"read": true},
//	    "network": {"domains": ["api.example.com"]}
//	}
//
// The network category has no boolean form. A plugin must name the domains it
// talks to; a domain also admits its subdomains, and wildcards are rejected.
//
// # Permission sets
//
// PermissionSet is the granted intersection of what a plugin requested and
// what the host approved. It is a value, computed once per instance and never
// mutated while that instance runs.
//
// # Checks
//
// Checker answers capability questions and confines paths and hosts:
//
//   - ResolvePath canonicalizes a path (symlinks included) and rejects
//     anything outside the plugin root with a PathTraversalError.
//   - CheckURL and CheckHost reject hosts outside the allow-list with a
//     NetworkDomainDeniedError before any connection is made.
//
// # Resource limits
//
// ResourceLimits bounds execution time, RPC deadlines, file and response
// sizes, and timer counts. ResourceMonitor applies the per-second operation
// limits and keeps usage counters.
package security
