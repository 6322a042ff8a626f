// Package lua is the sandbox runtime for plugin code.
//
// A Runtime owns one gopher-lua state and the goroutine that drives it. The
// state is seeded with nothing but a few pure standard libraries and four
// injected globals:
//
//	log     namespaced logger: log.debug/info/warn/error(...)
//	timer   timer.after(ms, fn), timer.every(ms, fn), timer.cancel(id)
//	require string, table and math, plus modules from the plugin directory
//	host    the plugin's API surface; operations it was not granted are nil
//
// dofile, loadfile, load, loadstring, module, getfenv, setfenv and
// collectgarbage are removed, and the io, os, debug, package, channel and
// coroutine libraries are never opened. print writes to the plugin logger.
//
// # Execution
//
// Initialize runs the entry module once. The table it returns becomes the
// plugin's exports; a module that returns nothing exports its global
// functions. An exported activate function is called right after loading.
//
// Execute calls one exported function under the execution deadline and
// converts a raised error into a *faults.ExecError. Errors raised by timer
// callbacks have no caller to return to; they are delivered on Faults as
// *faults.UncaughtFault and stop every remaining timer.
//
// # Threading
//
// gopher-lua states are not goroutine-safe. Every touch of the state, from
// Execute, timers or Close, is funneled through an Executor.
//
// # Module cache
//
// Compiled chunks are kept in a ChunkCache keyed by absolute path and can be
// shared by many runtimes. Purge drops everything under a plugin directory so
// the next load re-reads the source.
package lua
