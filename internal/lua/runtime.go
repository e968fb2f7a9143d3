// Package lua hosts script modules in a gopher-lua VM. The Host evaluates
// source units for a module.Resolver and exposes require/provide and the
// namespace tree to scripts. All VM access runs on one executor goroutine.
package lua

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/zot/modns/internal/config"
	"github.com/zot/modns/internal/module"
	"github.com/zot/modns/internal/namespace"
)

// ErrClosed is returned for work submitted after Shutdown.
var ErrClosed = errors.New("lua host is shut down")

// ErrNotFunction is returned by Call when the name does not hold a function.
var ErrNotFunction = errors.New("not a function")

// WorkItem represents a unit of work for the executor.
type WorkItem struct {
	fn     func() (any, error)
	result chan WorkResult
}

// WorkResult holds the result of a work item.
type WorkResult struct {
	Value any
	Err   error
}

// Host is a Lua VM whose require and provide are backed by a module.Resolver.
type Host struct {
	State    *lua.LState
	config   *config.Config
	scripts  fs.FS
	resolver *module.Resolver
	diag     module.Diagnostics

	executorChan chan WorkItem
	done         chan struct{}
	closeOnce    sync.Once

	// ctx is the context of the work item being executed
	ctx context.Context

	nodeMeta *lua.LTable
	errMeta  *lua.LTable
	nodes    map[*namespace.Node]*lua.LUserData

	// Module tracking for hot reload
	modules map[string]*Module // unit path -> Module
	loading []*Module          // units being evaluated, innermost last
}

// NewHost creates a Host reading source units from scripts and starts its
// executor. d may be nil.
func NewHost(cfg *config.Config, scripts fs.FS, d module.Diagnostics) (*Host, error) {
	layout, err := module.NewLayout(cfg.Library.Token, cfg.Library.Ext, cfg.Library.Aliases)
	if err != nil {
		return nil, fmt.Errorf("library layout: %w", err)
	}

	L := lua.NewState()
	h := &Host{
		State:        L,
		config:       cfg,
		scripts:      scripts,
		diag:         d,
		executorChan: make(chan WorkItem, 100),
		done:         make(chan struct{}),
		ctx:          context.Background(),
		nodes:        make(map[*namespace.Node]*lua.LUserData),
		modules:      make(map[string]*Module),
	}
	opts := []module.Option{
		module.WithEvaluator(h),
		module.WithTree(namespace.NewTree(layout.Token)),
	}
	if d != nil {
		opts = append(opts, module.WithDiagnostics(d))
	}
	h.resolver = module.New(layout, opts...)

	h.registerBridgeTypes()
	h.registerGlobals()
	h.startExecutor()
	return h, nil
}

// Log logs a message via the config.
func (h *Host) Log(level int, format string, args ...any) {
	h.config.Log(level, format, args...)
}

// Resolver returns the host's resolver. It must only be used from work running
// on the executor, such as a factory passed to Provide.
func (h *Host) Resolver() *module.Resolver {
	return h.resolver
}

// startExecutor creates the goroutine that processes work items.
func (h *Host) startExecutor() {
	go func() {
		for {
			select {
			case <-h.done:
				return
			case work := <-h.executorChan:
				result, err := h.runWork(work.fn)
				work.result <- WorkResult{Value: result, Err: err}
			}
		}
	}()
}

func (h *Host) runWork(fn func() (any, error)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.Log(0, "LuaHost: panic in work item: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// execute queues a function on the executor and blocks until complete.
// It must not be called from the executor itself.
func (h *Host) execute(ctx context.Context, fn func() (any, error)) (any, error) {
	result := make(chan WorkResult, 1)
	work := WorkItem{
		fn: func() (any, error) {
			prev := h.ctx
			h.ctx = ctx
			defer func() { h.ctx = prev }()
			return fn()
		},
		result: result,
	}
	select {
	case <-h.done:
		return nil, ErrClosed
	case h.executorChan <- work:
	}
	select {
	case <-h.done:
		return nil, ErrClosed
	case res := <-result:
		return res.Value, res.Err
	}
}

// Shutdown closes the Lua VM and stops the executor.
func (h *Host) Shutdown() {
	h.closeOnce.Do(func() {
		h.execute(context.Background(), func() (any, error) {
			h.State.Close()
			return nil, nil
		})
		close(h.done)
	})
}

// Evaluate implements module.Evaluator: it reads the unit at path from the
// script FS and runs it. Only the resolver calls it, on the executor.
func (h *Host) Evaluate(ctx context.Context, path string) error {
	if h.scripts == nil {
		return fmt.Errorf("%s: no script source configured", path)
	}
	code, err := fs.ReadFile(h.scripts, path)
	if err != nil {
		return err
	}

	name := path
	if chain := h.resolver.Chain(); len(chain) > 0 {
		name = chain[len(chain)-1]
	}
	mod, ok := h.modules[path]
	if !ok {
		mod = NewModule(name, path)
		h.modules[path] = mod
	}
	mod.reset()
	h.loading = append(h.loading, mod)
	defer func() { h.loading = h.loading[:len(h.loading)-1] }()

	h.Log(1, "LuaHost: evaluating %s (%s)", name, path)
	_, err = h.doChunk(path, string(code))
	mod.Err = err
	mod.LoadedAt = time.Now()
	return err
}

// doChunk compiles and runs code, returning its results. The Lua stack is left
// as it was found.
func (h *Host) doChunk(name, code string) ([]lua.LValue, error) {
	L := h.State
	top := L.GetTop()
	fn, err := L.Load(strings.NewReader(code), name)
	if err != nil {
		return nil, unwrapLuaError(err)
	}
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.SetTop(top)
		return nil, unwrapLuaError(err)
	}
	rets := make([]lua.LValue, 0, L.GetTop()-top)
	for i := top + 1; i <= L.GetTop(); i++ {
		rets = append(rets, L.Get(i))
	}
	L.SetTop(top)
	return rets, nil
}

func (h *Host) currentModule() *Module {
	if len(h.loading) == 0 {
		return nil
	}
	return h.loading[len(h.loading)-1]
}

// Require loads a module and its dependencies.
func (h *Host) Require(ctx context.Context, name string) error {
	_, err := h.execute(ctx, func() (any, error) {
		return nil, h.resolver.Require(h.ctx, name)
	})
	return err
}

// Preload requires the modules listed in the config, stopping at the first failure.
func (h *Host) Preload(ctx context.Context) error {
	for _, name := range h.config.Lua.Preload {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if err := h.Require(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Reload forgets a module and requires it again. Its factory runs against the
// existing namespace container.
func (h *Host) Reload(ctx context.Context, name string) error {
	_, err := h.execute(ctx, func() (any, error) {
		if err := h.resolver.Forget(name); err != nil {
			return nil, err
		}
		return nil, h.resolver.Require(h.ctx, name)
	})
	return err
}

// Provide declares a module implemented in Go. Factories may store Go values,
// *namespace.Node children and lua.LGFunction members that scripts can call.
func (h *Host) Provide(name, version string, factory module.Factory) error {
	_, err := h.execute(context.Background(), func() (any, error) {
		return h.resolver.Provide(name, version, factory)
	})
	return err
}

// Call invokes the function stored at a dotted name and returns its results
// converted with ToGo.
func (h *Host) Call(ctx context.Context, name string, args ...any) ([]any, error) {
	v, err := h.execute(ctx, func() (any, error) {
		entry, ok := h.resolver.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("call %s: %w", name, ErrNotFunction)
		}
		fn, ok := h.toLua(entry).(*lua.LFunction)
		if !ok {
			return nil, fmt.Errorf("call %s: %w", name, ErrNotFunction)
		}
		L := h.State
		top := L.GetTop()
		largs := make([]lua.LValue, len(args))
		for i, arg := range args {
			largs[i] = h.toLua(arg)
		}
		if err := L.CallByParam(lua.P{Fn: fn, NRet: lua.MultRet, Protect: true}, largs...); err != nil {
			L.SetTop(top)
			return nil, fmt.Errorf("call %s: %w", name, unwrapLuaError(err))
		}
		rets := make([]any, 0, L.GetTop()-top)
		for i := top + 1; i <= L.GetTop(); i++ {
			rets = append(rets, ToGo(L.Get(i)))
		}
		L.SetTop(top)
		return rets, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]any), nil
}

// DoString runs a chunk of Lua code with the host globals and returns its
// results converted with ToGo.
func (h *Host) DoString(ctx context.Context, name, code string) ([]any, error) {
	v, err := h.execute(ctx, func() (any, error) {
		rets, err := h.doChunk(name, code)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(rets))
		for i, ret := range rets {
			out[i] = ToGo(ret)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]any), nil
}

// Lookup returns the entry at a dotted name converted with ToGo.
func (h *Host) Lookup(ctx context.Context, name string) (any, bool, error) {
	var found bool
	v, err := h.execute(ctx, func() (any, error) {
		entry, ok := h.resolver.Lookup(name)
		found = ok
		return ToGo(entry), nil
	})
	return v, found, err
}

// NameToPath returns the source unit path of a module.
func (h *Host) NameToPath(name string) (string, error) {
	return h.resolver.Layout().NameToPath(name)
}

// Versions returns the recorded module versions.
func (h *Host) Versions(ctx context.Context) ([]module.ModuleVersion, error) {
	v, err := h.execute(ctx, func() (any, error) {
		return h.resolver.State().Versions(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]module.ModuleVersion), nil
}

// CheckVersion reports whether an included module satisfies a semver constraint.
func (h *Host) CheckVersion(ctx context.Context, name, constraint string) error {
	_, err := h.execute(ctx, func() (any, error) {
		return nil, h.resolver.CheckVersion(name, constraint)
	})
	return err
}

// ModuleStatus describes one module known to the host.
type ModuleStatus struct {
	Name     string   `json:"name"`
	Status   string   `json:"status"`
	Path     string   `json:"path,omitempty"`
	Version  string   `json:"version,omitempty"`
	Provided []string `json:"provided,omitempty"`
	Required []string `json:"required,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Status reports every source unit the host has evaluated, sorted by path.
func (h *Host) Status(ctx context.Context) ([]ModuleStatus, error) {
	v, err := h.execute(ctx, func() (any, error) {
		state := h.resolver.State()
		var out []ModuleStatus
		for _, p := range sortedKeys(h.modules) {
			mod := h.modules[p]
			st := ModuleStatus{
				Name:     mod.Name,
				Status:   state.Status(mod.Name).String(),
				Path:     mod.Path,
				Provided: append([]string(nil), mod.Provided...),
				Required: append([]string(nil), mod.Required...),
			}
			st.Version, _ = state.Version(mod.Name)
			if mod.Err != nil {
				st.Error = mod.Err.Error()
			}
			out = append(out, st)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]ModuleStatus), nil
}

// ModuleForPath returns the module owning the unit at path, relative to the
// script root. Units never evaluated are mapped by the naming convention.
func (h *Host) ModuleForPath(ctx context.Context, path string) (name string, included bool, err error) {
	_, err = h.execute(ctx, func() (any, error) {
		if mod, ok := h.modules[path]; ok {
			name = mod.Name
		} else if n, ok := h.resolver.Layout().PathToName(path); ok {
			name = n
		} else {
			return nil, nil
		}
		included = h.resolver.State().Included(name)
		return nil, nil
	})
	return name, included, err
}

// registerGlobals installs the module API into the VM.
func (h *Host) registerGlobals() {
	L := h.State

	L.SetGlobal("require", L.NewFunction(h.luaRequire))
	L.SetGlobal("provide", L.NewFunction(h.luaProvide))
	L.SetGlobal("exportPath", L.NewFunction(h.luaExportPath))
	L.SetGlobal("nameToPath", L.NewFunction(h.luaNameToPath))
	L.SetGlobal("getObjectByName", L.NewFunction(h.luaGetObjectByName))
	L.SetGlobal("setObjectByName", L.NewFunction(h.luaSetObjectByName))
	L.SetGlobal("getVersion", L.NewFunction(h.luaGetVersion))
	L.SetGlobal("requireVersion", L.NewFunction(h.luaRequireVersion))

	logTbl := L.NewTable()
	L.SetFuncs(logTbl, map[string]lua.LGFunction{
		"debug": h.luaLogDebug,
		"warn":  h.luaLogWarn,
		"error": h.luaLogError,
	})
	L.SetGlobal("log", logTbl)

	if token := h.resolver.Tree().Token; token != "" {
		L.SetGlobal(token, h.nodeValue(h.resolver.Tree().Root()))
	}
}

// luaRequire loads a module and returns its namespace, or nil when the unit
// provided nothing under that name. Failures are raised.
func (h *Host) luaRequire(L *lua.LState) int {
	name := L.CheckString(1)
	if mod := h.currentModule(); mod != nil {
		if key, err := h.resolver.Layout().Normalize(name); err == nil {
			mod.AddRequired(key)
		}
	}
	if err := h.resolver.Require(h.ctx, name); err != nil {
		h.raise(L, err)
		return 0
	}
	entry, ok := h.resolver.Lookup(name)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(h.toLua(entry))
	return 1
}

// luaProvide declares a module: provide(name, version, function(ns) ... end).
// The factory receives the module's container and may fill it in.
func (h *Host) luaProvide(L *lua.LState) int {
	name := L.CheckString(1)
	version := L.OptString(2, "")
	fn := L.OptFunction(3, nil)

	node, err := h.resolver.Provide(name, version, func(ns *namespace.Node) error {
		if fn == nil {
			return nil
		}
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, h.nodeValue(ns)); err != nil {
			return unwrapLuaError(err)
		}
		return nil
	})
	if err != nil {
		h.raise(L, err)
		return 0
	}
	if mod := h.currentModule(); mod != nil {
		if key, err := h.resolver.Layout().Normalize(name); err == nil {
			mod.AddProvided(key)
		}
	}
	L.Push(h.nodeValue(node))
	return 1
}

func (h *Host) luaExportPath(L *lua.LState) int {
	node, err := h.resolver.ExportPath(L.CheckString(1))
	if err != nil {
		h.raise(L, err)
		return 0
	}
	L.Push(h.nodeValue(node))
	return 1
}

func (h *Host) luaNameToPath(L *lua.LState) int {
	p, err := h.resolver.NameToPath(L.CheckString(1))
	if err != nil {
		h.raise(L, err)
		return 0
	}
	L.Push(lua.LString(p))
	return 1
}

func (h *Host) luaGetObjectByName(L *lua.LState) int {
	entry, ok := h.resolver.Lookup(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(h.toLua(entry))
	return 1
}

func (h *Host) luaSetObjectByName(L *lua.LState) int {
	name := L.CheckString(1)
	if err := h.resolver.Tree().Set(name, h.fromLua(L.Get(2))); err != nil {
		h.raise(L, err)
	}
	return 0
}

// luaGetVersion returns a module's provided version, or the modns version
// when called without a name.
func (h *Host) luaGetVersion(L *lua.LState) int {
	if L.GetTop() == 0 || L.Get(1) == lua.LNil {
		L.Push(lua.LString(config.Version))
		return 1
	}
	v, ok := h.resolver.Version(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(v))
	return 1
}

// luaRequireVersion requires a module and checks its version against a constraint.
func (h *Host) luaRequireVersion(L *lua.LState) int {
	name := L.CheckString(1)
	constraint := L.CheckString(2)
	if err := h.resolver.Require(h.ctx, name); err != nil {
		h.raise(L, err)
		return 0
	}
	if err := h.resolver.CheckVersion(name, constraint); err != nil {
		h.raise(L, err)
		return 0
	}
	entry, _ := h.resolver.Lookup(name)
	L.Push(h.toLua(entry))
	return 1
}

func (h *Host) diagnostics() module.Diagnostics {
	if h.diag == nil {
		return logDiagnostics{h}
	}
	return h.diag
}

func (h *Host) luaLogDebug(L *lua.LState) int {
	h.diagnostics().Trace(L.CheckString(1), h.scriptFields()...)
	return 0
}

func (h *Host) luaLogWarn(L *lua.LState) int {
	h.diagnostics().Warn(L.CheckString(1), h.scriptFields()...)
	return 0
}

func (h *Host) luaLogError(L *lua.LState) int {
	msg := L.CheckString(1)
	if mod := h.currentModule(); mod != nil {
		msg = mod.Name + ": " + msg
	}
	h.diagnostics().Fatal(errors.New(msg))
	return 0
}

func (h *Host) scriptFields() []any {
	if mod := h.currentModule(); mod != nil {
		return []any{"module", mod.Name}
	}
	return nil
}

// logDiagnostics routes script log calls through the config logger when the
// host has no diagnostics sink.
type logDiagnostics struct {
	h *Host
}

func (d logDiagnostics) Trace(msg string, keyvals ...any) {
	d.h.Log(2, "%s %v", msg, keyvals)
}

func (d logDiagnostics) Warn(msg string, keyvals ...any) {
	d.h.Log(1, "%s %v", msg, keyvals)
}

func (d logDiagnostics) Fatal(err error) {
	d.h.Log(0, "%v", err)
}
