package lua

import (
	"context"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/plugbox/internal/plugin/api"
	"github.com/dshills/plugbox/internal/services"
)

// installHost sets the host global from surface. Operations that are nil in
// surface are left out of the table, so host.fetch is nil for a plugin
// without network access.
func installHost(L *lua.LState, surface *api.Surface, pluginID string) {
	host := L.NewTable()
	fns := map[string]lua.LGFunction{}

	if surface.ReadFile != nil {
		fns["readFile"] = func(L *lua.LState) int {
			content, err := surface.ReadFile(callContext(L), L.CheckString(1))
			if err != nil {
				return raise(L, err)
			}
			L.Push(lua.LString(content))
			return 1
		}
	}
	if surface.WriteFile != nil {
		fns["writeFile"] = func(L *lua.LState) int {
			if err := surface.WriteFile(callContext(L), L.CheckString(1), L.CheckString(2)); err != nil {
				return raise(L, err)
			}
			L.Push(lua.LTrue)
			return 1
		}
	}
	if surface.Fetch != nil {
		fns["fetch"] = func(L *lua.LState) int {
			var req api.FetchArgs
			switch v := L.CheckAny(1).(type) {
			case lua.LString:
				req.URL = string(v)
				if opts, ok := L.Get(2).(*lua.LTable); ok {
					if err := Decode(opts, &req); err != nil {
						L.ArgError(2, err.Error())
					}
					req.URL = string(v)
				}
			case *lua.LTable:
				if err := Decode(v, &req); err != nil {
					L.ArgError(1, err.Error())
				}
			default:
				L.ArgError(1, "url or request table expected")
			}
			res, err := surface.Fetch(callContext(L), req)
			if err != nil {
				return raise(L, err)
			}
			L.Push(ToLua(L, res))
			return 1
		}
	}
	if surface.CreateAgent != nil {
		fns["createAgent"] = func(L *lua.LState) int {
			var cfg services.AgentConfig
			if err := Decode(L.CheckTable(1), &cfg); err != nil {
				L.ArgError(1, err.Error())
			}
			agent, err := surface.CreateAgent(callContext(L), cfg)
			if err != nil {
				return raise(L, err)
			}
			L.Push(ToLua(L, agent))
			return 1
		}
	}
	if surface.ExecuteAgent != nil {
		fns["executeAgent"] = func(L *lua.LState) int {
			res, err := surface.ExecuteAgent(callContext(L), L.CheckString(1), L.CheckString(2))
			if err != nil {
				return raise(L, err)
			}
			L.Push(ToLua(L, res))
			return 1
		}
	}
	if surface.ExecuteModel != nil {
		fns["executeModel"] = func(L *lua.LState) int {
			modelID := L.CheckString(1)
			prompt := L.CheckString(2)
			var opts services.ModelOptions
			if t, ok := L.Get(3).(*lua.LTable); ok {
				if err := Decode(t, &opts); err != nil {
					L.ArgError(3, err.Error())
				}
			}
			res, err := surface.ExecuteModel(callContext(L), modelID, prompt, opts)
			if err != nil {
				return raise(L, err)
			}
			L.Push(ToLua(L, res))
			return 1
		}
	}
	if surface.StoreMemory != nil {
		fns["storeMemory"] = func(L *lua.LState) int {
			content := L.CheckString(1)
			memType := L.OptString(2, "")
			var metadata map[string]string
			if t, ok := L.Get(3).(*lua.LTable); ok {
				if err := Decode(t, &metadata); err != nil {
					L.ArgError(3, err.Error())
				}
			}
			entry, err := surface.StoreMemory(callContext(L), content, memType, metadata)
			if err != nil {
				return raise(L, err)
			}
			L.Push(ToLua(L, entry))
			return 1
		}
	}
	if surface.SearchMemory != nil {
		fns["searchMemory"] = func(L *lua.LState) int {
			query := L.CheckString(1)
			var opts services.SearchOptions
			if t, ok := L.Get(2).(*lua.LTable); ok {
				if err := Decode(t, &opts); err != nil {
					L.ArgError(2, err.Error())
				}
			}
			entries, err := surface.SearchMemory(callContext(L), query, opts)
			if err != nil {
				return raise(L, err)
			}
			list := L.CreateTable(len(entries), 0)
			for i := range entries {
				list.RawSetInt(i+1, ToLua(L, entries[i]))
			}
			L.Push(list)
			return 1
		}
	}
	if surface.AddCommand != nil {
		fns["addCommand"] = func(L *lua.LState) int {
			var cmd services.Command
			if err := Decode(L.CheckTable(1), &cmd); err != nil {
				L.ArgError(1, err.Error())
			}
			if err := surface.AddCommand(callContext(L), cmd); err != nil {
				return raise(L, err)
			}
			L.Push(lua.LTrue)
			return 1
		}
	}
	if surface.ShowNotification != nil {
		fns["showNotification"] = func(L *lua.LState) int {
			var n services.Notification
			switch v := L.CheckAny(1).(type) {
			case *lua.LTable:
				if err := Decode(v, &n); err != nil {
					L.ArgError(1, err.Error())
				}
			case lua.LString:
				n.Message = string(v)
				n.Level = L.OptString(2, "")
			default:
				L.ArgError(1, "message or notification table expected")
			}
			if err := surface.ShowNotification(callContext(L), n); err != nil {
				return raise(L, err)
			}
			L.Push(lua.LTrue)
			return 1
		}
	}

	L.SetFuncs(host, fns)
	L.SetGlobal("host", host)

	info := L.NewTable()
	info.RawSetString("id", lua.LString(pluginID))
	L.SetGlobal("plugin", info)
}

// callContext returns the deadline-bearing context of the running call.
func callContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
