package lua

import (
	lua "github.com/yuin/gopher-lua"
)

// safeLibraries are the only standard libraries a plugin state opens. io, os,
// debug, package, channel and coroutine stay closed.
var safeLibraries = []struct {
	name string
	open lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// blockedGlobals are removed from the base library after it is opened.
var blockedGlobals = []string{
	"dofile",
	"loadfile",
	"load",
	"loadstring",
	"module",
	"getfenv",
	"setfenv",
	"collectgarbage",
	"newproxy",
	"_printregs",
}

// stdModules may be passed to require.
var stdModules = map[string]bool{
	"string": true,
	"table":  true,
	"math":   true,
}

// newState creates a state with only the safe libraries opened and the
// blocked globals removed.
func newState(callStackSize int) *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: callStackSize,
	})
	for _, lib := range safeLibraries {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range blockedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// globalNames returns the string keys currently set in the globals table.
func globalNames(L *lua.LState) map[string]bool {
	names := make(map[string]bool)
	globals := L.Get(lua.GlobalsIndex).(*lua.LTable)
	globals.ForEach(func(k, _ lua.LValue) {
		if s, ok := k.(lua.LString); ok {
			names[string(s)] = true
		}
	})
	return names
}
