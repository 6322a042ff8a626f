// Package config loads plugbox host configuration.
//
// Configuration is resolved in three steps, later steps overriding earlier
// ones:
//
//  1. Built-in defaults (Default)
//  2. A TOML file; a missing file is not an error
//  3. PLUGBOX_* environment variables
//
// The result is validated before it is returned. Durations are written as
// Go duration strings ("5s", "250ms").
//
// Example file:
//
//	[plugins]
//	paths = ["/var/lib/plugbox/plugins"]
//	max_instances = 8
//	watch = true
//
//	[limits]
//	execution_timeout = "20s"
//	rpc_timeout = "5s"
//
// Execution and init timeouts must exceed rpc_timeout.
//
//	[models]
//	provider = "anthropic"
//	api_key_env = "ANTHROPIC_API_KEY"
package config
