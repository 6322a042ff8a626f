// Package api builds the host API surface a sandboxed plugin sees.
//
// The surface is derived from a plugin's granted PermissionSet: an operation
// whose capability is not granted is absent (a nil field, and a missing key
// once projected into Lua). Auditing what a plugin can do means reading the
// grant table returned by Operations:
//
//	readFile          filesystem.read
//	writeFile         filesystem.write
//	fetch             network.external
//	createAgent       agents.create
//	executeAgent      agents.execute
//	executeModel      models.execute
//	storeMemory       memory.write
//	searchMemory      memory.read
//	addCommand        ui.commands
//	showNotification  ui.notifications
//
// Each present operation is a single api_call to the host. Filesystem paths
// and fetch targets are validated inside the sandbox before the call is
// issued, and again by the host when it arrives.
package api
