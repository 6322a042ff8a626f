package lua

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/plugbox/internal/plugin/faults"
	"github.com/dshills/plugbox/internal/plugin/security"
)

const errorTypeName = "plugbox.error"

var dottedModule = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*(\.[A-Za-z_][A-Za-z0-9_-]*)*$`)

// Sandbox installs the log, print and require globals of one plugin state
// and loads modules from the plugin directory.
type Sandbox struct {
	L      *lua.LState
	root   string
	cache  *ChunkCache
	logger hclog.Logger

	// onViolation is told about require calls that tried to leave root.
	onViolation func(error)

	// loaded maps a resolved module path to its value. A nil entry marks a
	// module that is still loading.
	loaded map[string]lua.LValue
}

// NewSandbox creates a Sandbox for L. root must be canonical.
func NewSandbox(L *lua.LState, root string, cache *ChunkCache, logger hclog.Logger) *Sandbox {
	return &Sandbox{
		L:           L,
		root:        root,
		cache:       cache,
		logger:      logger,
		onViolation: func(error) {},
		loaded:      make(map[string]lua.LValue),
	}
}

// Install sets the print, log and require globals.
func (s *Sandbox) Install() {
	L := s.L

	L.SetGlobal("print", L.NewFunction(s.logFunc(hclog.Info)))

	logMod := L.NewTable()
	L.SetFuncs(logMod, map[string]lua.LGFunction{
		"debug": s.logFunc(hclog.Debug),
		"info":  s.logFunc(hclog.Info),
		"warn":  s.logFunc(hclog.Warn),
		"error": s.logFunc(hclog.Error),
	})
	L.SetGlobal("log", logMod)

	L.SetGlobal("require", L.NewFunction(s.require))

	mt := L.NewTypeMetatable(errorTypeName)
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		t := L.CheckTable(1)
		L.Push(lua.LString(fmt.Sprintf("%s: %s", t.RawGetString("kind"), t.RawGetString("message"))))
		return 1
	}))
}

// logFunc writes its arguments to the plugin logger. A trailing table is
// treated as structured fields.
func (s *Sandbox) logFunc(level hclog.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		top := L.GetTop()
		var fields []interface{}
		if top > 1 {
			if t, ok := L.Get(top).(*lua.LTable); ok {
				fields = tableFields(t)
				top--
			}
		}

		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		s.logger.Log(level, strings.Join(parts, " "), fields...)
		return 0
	}
}

func tableFields(t *lua.LTable) []interface{} {
	m, ok := ToGo(t).(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]interface{}, 0, 2*len(keys))
	for _, k := range keys {
		fields = append(fields, k, m[k])
	}
	return fields
}

// require returns a standard module or loads a module from the plugin
// directory. Dotted names map to paths ("lib.util" is lib/util.lua or
// lib/util/init.lua); names containing a slash are taken as relative paths.
func (s *Sandbox) require(L *lua.LState) int {
	name := L.CheckString(1)
	if stdModules[name] {
		L.Push(L.GetGlobal(name))
		return 1
	}

	path, err := s.resolveModule(name)
	if err != nil {
		if faults.IsSecurity(err) {
			s.onViolation(err)
		}
		return raise(L, err)
	}

	if v, ok := s.loaded[path]; ok {
		if v == nil {
			L.RaiseError("circular require of %q", name)
		}
		L.Push(v)
		return 1
	}

	proto, err := s.cache.Load(path)
	if err != nil {
		L.RaiseError("require %q: %s", name, err.Error())
	}

	s.loaded[path] = nil
	L.Push(L.NewFunctionFromProto(proto))
	L.Push(lua.LString(name))
	if err := L.PCall(1, 1, nil); err != nil {
		delete(s.loaded, path)
		if apiErr, ok := err.(*lua.ApiError); ok {
			L.Error(apiErr.Object, 0)
		}
		L.RaiseError("%s", err.Error())
	}

	v := L.Get(-1)
	L.Pop(1)
	if v == lua.LNil {
		v = lua.LTrue
	}
	s.loaded[path] = v
	L.Push(v)
	return 1
}

// resolveModule finds the file for a module name inside root.
func (s *Sandbox) resolveModule(name string) (string, error) {
	var rel string
	switch {
	case strings.ContainsRune(name, '/'):
		rel = strings.TrimSuffix(name, ".lua")
	case dottedModule.MatchString(name):
		rel = strings.ReplaceAll(name, ".", "/")
	default:
		return "", fmt.Errorf("%w: %q", ErrModuleNotFound, name)
	}

	for _, candidate := range []string{rel + ".lua", rel + "/init.lua"} {
		path, err := security.ResolveWithin(s.root, filepath.FromSlash(candidate))
		if err != nil {
			return "", err
		}
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrModuleNotFound, name)
}

// raise raises err as a Lua error table {kind, message}. pcall callers can
// inspect err.kind; tostring(err) gives "kind: message".
func raise(L *lua.LState, err error) int {
	t := L.NewTable()
	t.RawSetString("kind", lua.LString(faults.KindOf(err)))
	t.RawSetString("message", lua.LString(err.Error()))
	L.SetMetatable(t, L.GetTypeMetatable(errorTypeName))
	L.Error(t, 1)
	return 0
}
