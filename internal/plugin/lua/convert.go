package lua

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// ToGo converts a Lua value to plain Go data: nil, bool, int64, float64,
// string, []any or map[string]any. Functions, userdata and repeated tables
// become nil.
func ToGo(lv lua.LValue) any {
	return toGo(lv, make(map[*lua.LTable]bool))
}

func toGo(lv lua.LValue, visited map[*lua.LTable]bool) any {
	switch v := lv.(type) {
	case nil:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			return nil
		}
		visited[v] = true
		defer delete(visited, v)
		return tableToGo(v, visited)
	}
	return nil
}

// tableToGo converts a table with keys 1..n to a slice and anything else to a
// map with string keys.
func tableToGo(t *lua.LTable, visited map[*lua.LTable]bool) any {
	n := t.Len()
	count := 0
	t.ForEach(func(_, _ lua.LValue) { count++ })

	if n > 0 && n == count {
		arr := make([]any, n)
		for i := 1; i <= n; i++ {
			arr[i-1] = toGo(t.RawGetInt(i), visited)
		}
		return arr
	}

	m := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		switch kv := k.(type) {
		case lua.LString:
			m[string(kv)] = toGo(v, visited)
		case lua.LNumber:
			m[kv.String()] = toGo(v, visited)
		}
	})
	return m
}

// ToLua converts Go data to a Lua value. Values other than the basic kinds
// and their slices and maps go through their JSON encoding, so structs use
// their json field names.
func ToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return val
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case json.Number:
		f, _ := val.Float64()
		return lua.LNumber(f)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case []any:
		t := L.CreateTable(len(val), 0)
		for i, item := range val {
			t.RawSetInt(i+1, ToLua(L, item))
		}
		return t
	case []string:
		t := L.CreateTable(len(val), 0)
		for i, item := range val {
			t.RawSetInt(i+1, lua.LString(item))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(val))
		for _, k := range sortedKeys(val) {
			t.RawSetString(k, ToLua(L, val[k]))
		}
		return t
	case map[string]string:
		t := L.CreateTable(0, len(val))
		for k, s := range val {
			t.RawSetString(k, lua.LString(s))
		}
		return t
	}

	data, err := json.Marshal(v)
	if err != nil {
		return lua.LString(fmt.Sprint(v))
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return lua.LNil
	}
	return ToLua(L, generic)
}

// Decode converts a Lua value into out through its JSON encoding.
func Decode(lv lua.LValue, out any) error {
	data, err := json.Marshal(ToGo(lv))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
