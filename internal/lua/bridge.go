package lua

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/zot/modns/internal/namespace"
)

const (
	nodeTypeName  = "modns.namespace"
	errorTypeName = "modns.error"
)

// registerBridgeTypes installs the metatables for namespace nodes and Go errors.
// Nodes behave like tables: reading a missing key yields nil, assigning nil removes.
func (h *Host) registerBridgeTypes() {
	L := h.State

	nodeMeta := L.NewTypeMetatable(nodeTypeName)
	L.SetField(nodeMeta, "__index", L.NewFunction(func(L *lua.LState) int {
		n := checkNode(L, 1)
		key := L.CheckString(2)
		v, ok := n.Get(key)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(h.toLua(v))
		return 1
	}))
	L.SetField(nodeMeta, "__newindex", L.NewFunction(func(L *lua.LState) int {
		n := checkNode(L, 1)
		key := L.CheckString(2)
		n.Put(key, h.fromLua(L.Get(3)))
		return 0
	}))
	L.SetField(nodeMeta, "__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(checkNode(L, 1).String()))
		return 1
	}))
	h.nodeMeta = nodeMeta

	errMeta := L.NewTypeMetatable(errorTypeName)
	L.SetField(errMeta, "__tostring", L.NewFunction(func(L *lua.LState) int {
		ud := L.CheckUserData(1)
		if err, ok := ud.Value.(error); ok {
			L.Push(lua.LString(err.Error()))
		} else {
			L.Push(lua.LString(fmt.Sprint(ud.Value)))
		}
		return 1
	}))
	h.errMeta = errMeta
}

func checkNode(L *lua.LState, n int) *namespace.Node {
	ud := L.CheckUserData(n)
	node, ok := ud.Value.(*namespace.Node)
	if !ok {
		L.ArgError(n, "namespace expected")
		return nil
	}
	return node
}

// nodeValue returns the userdata standing for n, creating it once per node so
// the same namespace compares equal in Lua.
func (h *Host) nodeValue(n *namespace.Node) *lua.LUserData {
	if ud, ok := h.nodes[n]; ok {
		return ud
	}
	ud := h.State.NewUserData()
	ud.Value = n
	h.State.SetMetatable(ud, h.nodeMeta)
	h.nodes[n] = ud
	return ud
}

// raise throws err into Lua as userdata so the Go error survives the trip
// through nested evaluations and comes back out of PCall intact.
func (h *Host) raise(L *lua.LState, err error) {
	ud := L.NewUserData()
	ud.Value = err
	L.SetMetatable(ud, h.errMeta)
	L.Error(ud, 1)
}

// unwrapLuaError recovers the Go error raised by raise, or describes a plain
// Lua error by its message.
func unwrapLuaError(err error) error {
	apiErr, ok := err.(*lua.ApiError)
	if !ok {
		return err
	}
	if ud, ok := apiErr.Object.(*lua.LUserData); ok {
		if goErr, ok := ud.Value.(error); ok {
			return goErr
		}
	}
	if apiErr.Cause != nil {
		return apiErr.Cause
	}
	if apiErr.Object != nil {
		return fmt.Errorf("%s", apiErr.Object.String())
	}
	return err
}

// fromLua converts a value assigned into a namespace. Primitives become Go
// values, namespaces become their nodes, and everything else stays a Lua value.
func (h *Host) fromLua(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LUserData:
		if n, ok := val.Value.(*namespace.Node); ok {
			return n
		}
		return val
	default:
		return v
	}
}

// toLua converts a Go value to Lua.
func (h *Host) toLua(val any) lua.LValue {
	if val == nil {
		return lua.LNil
	}
	switch v := val.(type) {
	case lua.LValue:
		return v
	case *namespace.Node:
		return h.nodeValue(v)
	case lua.LGFunction:
		return h.State.NewFunction(v)
	case func(*lua.LState) int:
		return h.State.NewFunction(v)
	case bool:
		return lua.LBool(v)
	case int:
		return lua.LNumber(float64(v))
	case int64:
		return lua.LNumber(float64(v))
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []string:
		tbl := h.State.NewTable()
		for i, item := range v {
			h.State.RawSetInt(tbl, i+1, lua.LString(item))
		}
		return tbl
	case []any:
		tbl := h.State.NewTable()
		for i, item := range v {
			h.State.RawSetInt(tbl, i+1, h.toLua(item))
		}
		return tbl
	case map[string]any:
		tbl := h.State.NewTable()
		for k, item := range v {
			h.State.SetField(tbl, k, h.toLua(item))
		}
		return tbl
	case error:
		ud := h.State.NewUserData()
		ud.Value = v
		h.State.SetMetatable(ud, h.errMeta)
		return ud
	default:
		h.Log(3, "LuaHost: converting %T to string", val)
		return lua.LString(fmt.Sprintf("%v", v))
	}
}

// ToGo converts a Lua or namespace value into plain Go data for display and
// JSON encoding. Namespaces become maps, functions become "function".
// Fields prefixed with "_" are skipped.
func ToGo(val any) any {
	switch v := val.(type) {
	case nil:
		return nil
	case *namespace.Node:
		m := make(map[string]any, v.Len())
		for _, key := range v.Keys() {
			if strings.HasPrefix(key, "_") {
				continue
			}
			entry, _ := v.Get(key)
			m[key] = ToGo(entry)
		}
		return m
	case lua.LValue:
		return luaToGo(v)
	case bool, float64, string, int, int64:
		return v
	default:
		if reflect.TypeOf(val).Kind() == reflect.Func {
			return "function"
		}
		return fmt.Sprintf("%v", v)
	}
}

func luaToGo(val lua.LValue) any {
	switch v := val.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LFunction:
		return "function"
	case *lua.LUserData:
		if n, ok := v.Value.(*namespace.Node); ok {
			return ToGo(n)
		}
		if err, ok := v.Value.(error); ok {
			return err.Error()
		}
		return "userdata"
	case *lua.LTable:
		// Pure arrays become slices, anything with string keys a map
		maxN := 0
		hasStringKeys := false
		v.ForEach(func(key, _ lua.LValue) {
			switch k := key.(type) {
			case lua.LNumber:
				if int(k) > maxN {
					maxN = int(k)
				}
			case lua.LString:
				if !strings.HasPrefix(string(k), "_") {
					hasStringKeys = true
				}
			}
		})
		if maxN > 0 && !hasStringKeys {
			arr := make([]any, maxN)
			for i := 1; i <= maxN; i++ {
				arr[i-1] = luaToGo(v.RawGetInt(i))
			}
			return arr
		}
		m := make(map[string]any)
		v.ForEach(func(key, value lua.LValue) {
			if ks, ok := key.(lua.LString); ok && !strings.HasPrefix(string(ks), "_") {
				m[string(ks)] = luaToGo(value)
			}
		})
		return m
	default:
		return nil
	}
}

// sortedKeys is used for deterministic listings.
func sortedKeys(m map[string]*Module) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
