// Package plugin runs untrusted Lua plugins in sandboxed workers.
//
// A plugin is a directory holding a manifest (plugin.json or plugin.yaml)
// and Lua source. The manifest names the plugin, the host engine versions it
// supports, its entry point and the capabilities it requests:
//
//	{
//	  "name": "memory-tools",
//	  "version": "1.2.0",
//	  "engineVersionRange": "^1.0.0",
//	  "entryPoint": "main.lua",
//	  "requestedCapabilities": {
//	    "memory": {"read": true, "write": true},
//	    "network": {"domains": ["api.example.com"]}
//	  }
//	}
//
// # Lifecycle
//
// The Manager owns every installed plugin:
//
//	m, err := plugin.NewManager(plugin.DefaultManagerConfig(),
//	    plugin.WithServices(svc),
//	    plugin.WithLogger(logger),
//	)
//	rec, err := m.Install(ctx, "/path/to/memory-tools")
//	err = m.Enable(ctx, rec.ID)
//	result, err := m.Execute(ctx, rec.ID, "summarize", "some text")
//	defer m.Shutdown(ctx)
//
// Install only validates. Enable asks the Approver which of the requested
// capabilities to grant, starts a worker and initializes the sandbox with
// exactly that grant. A host operation whose capability was not granted is
// absent from the sandbox (host.fetch is nil) rather than failing when
// called. Every call a worker makes back into the host is checked again
// against the instance's own grant.
//
// A plugin whose worker dies, fails to initialize, or raises an error
// outside any call (for example in a timer) is marked crashed. A crashed
// plugin stays down until Reset, or until the restart policy configured with
// WithRestartPolicy brings it back.
//
// # Isolation
//
// By default each instance runs in its own child process, started through
// go-plugin by re-executing the host binary with WorkerArgs. Use
// WithLauncher(worker.InProcessLauncher) to run sandboxes inside the host
// process instead; the Lua sandbox is the same, only the process boundary is
// lost.
//
// # Events
//
// Subscribe receives lifecycle events, including one EventFault per
// faulting instance and an EventSecurityViolation for every blocked path
// traversal or network domain. Security violations are also logged on the
// "security" logger with security_event=true.
//
// # Hot Reload
//
// A Reloader watches the directories of enabled plugins and calls Reload
// when their Lua files or manifest change.
package plugin
