package lua

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"sync"
	"testing"
	"testing/fstest"

	golua "github.com/yuin/gopher-lua"
	"github.com/zot/modns/internal/config"
	"github.com/zot/modns/internal/module"
	"github.com/zot/modns/internal/namespace"
)

// recordingDiagnostics collects what the resolver and scripts report.
type recordingDiagnostics struct {
	mu     sync.Mutex
	traces []string
	warns  []string
	fatals []error
}

func (d *recordingDiagnostics) Trace(msg string, keyvals ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.traces = append(d.traces, msg)
}

func (d *recordingDiagnostics) Warn(msg string, keyvals ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.warns = append(d.warns, msg)
}

func (d *recordingDiagnostics) Fatal(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fatals = append(d.fatals, err)
}

func (d *recordingDiagnostics) fatalCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fatals)
}

func script(code string) *fstest.MapFile {
	return &fstest.MapFile{Data: []byte(code)}
}

// Helper to create a mock config
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Logging.Verbosity = 0 // Quiet for tests
	return cfg
}

func newTestHost(t *testing.T, scripts fs.FS) (*Host, *recordingDiagnostics) {
	t.Helper()
	d := &recordingDiagnostics{}
	h, err := NewHost(testConfig(), scripts, d)
	if err != nil {
		t.Fatalf("NewHost failed: %v", err)
	}
	t.Cleanup(h.Shutdown)
	return h, d
}

func TestRequireAndCallFromGo(t *testing.T) {
	scripts := fstest.MapFS{
		"greet/greet.lua": script(`
provide("greet", "1.0.0", function(ns)
  ns.hello = function(who) return "hello " .. who end
end)
`),
	}
	h, _ := newTestHost(t, scripts)
	ctx := context.Background()

	if err := h.Require(ctx, "greet"); err != nil {
		t.Fatalf("Require failed: %v", err)
	}
	rets, err := h.Call(ctx, "greet.hello", "bob")
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if len(rets) != 1 || rets[0] != "hello bob" {
		t.Errorf("Call returned %v", rets)
	}

	// The root token is optional in dotted names
	rets, err = h.Call(ctx, "BE.greet.hello", "ann")
	if err != nil || len(rets) != 1 || rets[0] != "hello ann" {
		t.Errorf("Call with root token = %v, %v", rets, err)
	}

	if _, err := h.Call(ctx, "greet.missing"); !errors.Is(err, ErrNotFunction) {
		t.Errorf("calling a missing member: %v", err)
	}
}

func TestRequireInsideLua(t *testing.T) {
	scripts := fstest.MapFS{
		"time/time.lua": script(`
provide("time", "0.2.0", function(ns)
  ns.seconds = function(frames) return frames / 25 end
end)
`),
		"comp/comp.lua": script(`
local t = require("time")
provide("comp", "0.1.0", function(ns)
  ns.duration = function(frames) return t.seconds(frames) end
  ns.sameTime = (t == BE.time)
end)
`),
	}
	h, _ := newTestHost(t, scripts)
	ctx := context.Background()

	if err := h.Require(ctx, "BE.comp"); err != nil {
		t.Fatalf("Require failed: %v", err)
	}
	rets, err := h.Call(ctx, "comp.duration", 50)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if rets[0] != float64(2) {
		t.Errorf("duration = %v, want 2", rets[0])
	}
	v, ok, err := h.Lookup(ctx, "comp.sameTime")
	if err != nil || !ok || v != true {
		t.Errorf("require should return the module namespace: %v, %v, %v", v, ok, err)
	}

	versions, err := h.Versions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 2 || versions[0].Name != "comp" || versions[1].Version != "0.2.0" {
		t.Errorf("versions = %+v", versions)
	}
}

func TestLuaCycleTerminates(t *testing.T) {
	scripts := fstest.MapFS{
		"a/a.lua": script(`
require("b")
provide("a", "1.0.0", function(ns) ns.loaded = true end)
`),
		"b/b.lua": script(`
local a = require("a")
provide("b", "1.0.0", function(ns) ns.sawPartialA = (a == nil) end)
`),
	}
	h, d := newTestHost(t, scripts)
	ctx := context.Background()

	if err := h.Require(ctx, "a"); err != nil {
		t.Fatalf("Require failed: %v", err)
	}
	for _, name := range []string{"a.loaded", "b.sawPartialA"} {
		v, ok, err := h.Lookup(ctx, name)
		if err != nil || !ok || v != true {
			t.Errorf("%s = %v, %v, %v", name, v, ok, err)
		}
	}
	found := false
	for _, msg := range d.traces {
		if msg == "already visited" {
			found = true
		}
	}
	if !found {
		t.Error("cycle should be traced as already visited")
	}
}

func TestFailedRequireRollsBackAndRetries(t *testing.T) {
	scripts := fstest.MapFS{
		"flaky/flaky.lua": script(`error("boom")`),
	}
	h, d := newTestHost(t, scripts)
	ctx := context.Background()

	err := h.Require(ctx, "flaky")
	if !errors.Is(err, module.ErrEvaluation) {
		t.Fatalf("want an evaluation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "boom") || !strings.Contains(err.Error(), "flaky/flaky.lua") {
		t.Errorf("error should name the unit and the cause: %v", err)
	}
	if d.fatalCount() != 1 {
		t.Errorf("fatal reports = %d, want 1", d.fatalCount())
	}

	scripts["flaky/flaky.lua"] = script(`provide("flaky", "1.0.1", function(ns) ns.ok = true end)`)
	if err := h.Require(ctx, "flaky"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if v, _, _ := h.Lookup(ctx, "flaky.ok"); v != true {
		t.Errorf("flaky.ok = %v", v)
	}
}

func TestNestedFailureKeepsErrorChain(t *testing.T) {
	scripts := fstest.MapFS{
		"outer/outer.lua": script(`require("inner")`),
		"inner/inner.lua": script(`require("absent")`),
	}
	h, d := newTestHost(t, scripts)

	err := h.Require(context.Background(), "outer")
	var loadErr *module.LoadError
	if !errors.As(err, &loadErr) || loadErr.Name != "outer" {
		t.Fatalf("outer error = %v", err)
	}
	var inner *module.LoadError
	if !errors.As(loadErr.Err, &inner) || inner.Name != "inner" {
		t.Fatalf("inner error = %v", loadErr.Err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("the missing unit should be visible through the chain: %v", err)
	}
	if d.fatalCount() != 1 {
		t.Errorf("fatal reports = %d, want 1", d.fatalCount())
	}
	if len(d.warns) != 2 {
		t.Errorf("warnings = %v, want one per enclosing module", d.warns)
	}
}

func TestProvideWithoutVersionFails(t *testing.T) {
	scripts := fstest.MapFS{
		"nover/nover.lua": script(`provide("nover")`),
	}
	h, d := newTestHost(t, scripts)
	ctx := context.Background()

	err := h.Require(ctx, "nover")
	if !errors.Is(err, module.ErrMissingVersion) {
		t.Fatalf("want ErrMissingVersion, got %v", err)
	}
	if d.fatalCount() != 1 {
		t.Errorf("fatal reports = %d, want 1", d.fatalCount())
	}
	versions, _ := h.Versions(ctx)
	if len(versions) != 0 {
		t.Errorf("nothing should be recorded: %+v", versions)
	}
}

func TestPcallRequire(t *testing.T) {
	h, _ := newTestHost(t, fstest.MapFS{})
	rets, err := h.DoString(context.Background(), "probe", `
local ok, err = pcall(require, "missing")
return ok, tostring(err)
`)
	if err != nil {
		t.Fatalf("DoString failed: %v", err)
	}
	if rets[0] != false {
		t.Errorf("pcall should fail: %v", rets)
	}
	if msg, _ := rets[1].(string); !strings.Contains(msg, "error in requiring missing") {
		t.Errorf("error message = %q", msg)
	}
}

func TestNamespaceGlobals(t *testing.T) {
	h, _ := newTestHost(t, fstest.MapFS{})
	rets, err := h.DoString(context.Background(), "globals", `
local ns = exportPath("BE.a.b")
ns.value = 7
setObjectByName("cfg.debug", true)
BE.a.b.gone = "x"
BE.a.b.gone = nil
return ns == BE.a.b, BE.a.b.value, getObjectByName("cfg.debug"),
  nameToPath("util.strings"), getObjectByName("a.b.gone"), getObjectByName("nope")
`)
	if err != nil {
		t.Fatalf("DoString failed: %v", err)
	}
	want := []any{true, float64(7), true, "util/strings/strings.lua", nil, nil}
	if len(rets) != len(want) {
		t.Fatalf("got %d results: %v", len(rets), rets)
	}
	for i := range want {
		if rets[i] != want[i] {
			t.Errorf("result %d = %v, want %v", i, rets[i], want[i])
		}
	}
}

func TestExportPathThroughValueFails(t *testing.T) {
	h, _ := newTestHost(t, fstest.MapFS{})
	_, err := h.DoString(context.Background(), "clash", `
setObjectByName("a.leaf", 1)
exportPath("a.leaf.child")
`)
	if !errors.Is(err, namespace.ErrNotNamespace) {
		t.Errorf("want ErrNotNamespace, got %v", err)
	}
}

func TestRequireVersion(t *testing.T) {
	scripts := fstest.MapFS{
		"lib/lib.lua": script(`provide("lib", "1.2.0", function(ns) ns.name = "lib" end)`),
		"uses/uses.lua": script(`
local lib = requireVersion("lib", ">= 1.0")
provide("uses", "0.1.0", function(ns)
  ns.libName = lib.name
  ns.libVersion = getVersion("lib")
  ns.host = getVersion()
end)
`),
		"strict/strict.lua": script(`requireVersion("lib", "< 1.0")`),
	}
	h, _ := newTestHost(t, scripts)
	ctx := context.Background()

	if err := h.Require(ctx, "uses"); err != nil {
		t.Fatalf("Require failed: %v", err)
	}
	v, _, _ := h.Lookup(ctx, "uses")
	m, _ := v.(map[string]any)
	if m["libName"] != "lib" || m["libVersion"] != "1.2.0" || m["host"] != config.Version {
		t.Errorf("uses = %v", v)
	}

	if err := h.Require(ctx, "strict"); !errors.Is(err, module.ErrVersionConstraint) {
		t.Errorf("want ErrVersionConstraint, got %v", err)
	}
	if err := h.CheckVersion(ctx, "lib", "^1.2"); err != nil {
		t.Errorf("CheckVersion: %v", err)
	}
}

func TestGoProvidedModuleCallableFromLua(t *testing.T) {
	h, _ := newTestHost(t, fstest.MapFS{})
	err := h.Provide("native.math", "1.0.0", func(ns *namespace.Node) error {
		ns.Put("double", golua.LGFunction(func(L *golua.LState) int {
			L.Push(L.CheckNumber(1) * 2)
			return 1
		}))
		return nil
	})
	if err != nil {
		t.Fatalf("Provide failed: %v", err)
	}
	rets, err := h.DoString(context.Background(), "native", `return BE.native.math.double(21)`)
	if err != nil {
		t.Fatalf("DoString failed: %v", err)
	}
	if rets[0] != float64(42) {
		t.Errorf("double(21) = %v", rets[0])
	}
}

func TestStatusAndModuleForPath(t *testing.T) {
	scripts := fstest.MapFS{
		"time/time.lua": script(`provide("time", "0.2.0")`),
		"comp/comp.lua": script(`require("BE.time"); require("time"); provide("comp", "0.1.0")`),
	}
	h, _ := newTestHost(t, scripts)
	ctx := context.Background()
	if err := h.Require(ctx, "comp"); err != nil {
		t.Fatal(err)
	}

	status, err := h.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(status) != 2 {
		t.Fatalf("status = %+v", status)
	}
	comp := status[0]
	if comp.Name != "comp" || comp.Status != "included" || comp.Version != "0.1.0" {
		t.Errorf("comp status = %+v", comp)
	}
	if len(comp.Required) != 1 || comp.Required[0] != "time" {
		t.Errorf("comp required = %v", comp.Required)
	}
	if len(status[1].Provided) != 1 || status[1].Provided[0] != "time" {
		t.Errorf("time provided = %v", status[1].Provided)
	}

	name, included, err := h.ModuleForPath(ctx, "time/time.lua")
	if err != nil || name != "time" || !included {
		t.Errorf("ModuleForPath(time) = %q, %v, %v", name, included, err)
	}
	name, included, _ = h.ModuleForPath(ctx, "layer/layer.lua")
	if name != "layer" || included {
		t.Errorf("ModuleForPath(layer) = %q, %v", name, included)
	}
	if name, _, _ := h.ModuleForPath(ctx, "README.md"); name != "" {
		t.Errorf("non-source file mapped to %q", name)
	}
}

func TestReloadRerunsFactory(t *testing.T) {
	scripts := fstest.MapFS{
		"counter/counter.lua": script(`
provide("counter", "1.0.0", function(ns) ns.n = (ns.n or 0) + 1 end)
`),
	}
	h, _ := newTestHost(t, scripts)
	ctx := context.Background()

	if err := h.Require(ctx, "counter"); err != nil {
		t.Fatal(err)
	}
	if err := h.Require(ctx, "counter"); err != nil {
		t.Fatal(err)
	}
	if v, _, _ := h.Lookup(ctx, "counter.n"); v != float64(1) {
		t.Errorf("require should evaluate once: n = %v", v)
	}
	if err := h.Reload(ctx, "counter"); err != nil {
		t.Fatal(err)
	}
	if v, _, _ := h.Lookup(ctx, "counter.n"); v != float64(2) {
		t.Errorf("reload should re-run the factory on the same container: n = %v", v)
	}
}

func TestPreload(t *testing.T) {
	scripts := fstest.MapFS{
		"time/time.lua": script(`provide("time", "0.2.0")`),
	}
	cfg := testConfig()
	cfg.Lua.Preload = []string{"time", " "}
	h, err := NewHost(cfg, scripts, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Shutdown()

	if err := h.Preload(context.Background()); err != nil {
		t.Fatalf("Preload failed: %v", err)
	}
	versions, _ := h.Versions(context.Background())
	if len(versions) != 1 || versions[0].Name != "time" {
		t.Errorf("versions = %+v", versions)
	}
}

func TestShutdownRejectsWork(t *testing.T) {
	h, err := NewHost(testConfig(), fstest.MapFS{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	h.Shutdown()
	h.Shutdown()
	if err := h.Require(context.Background(), "time"); !errors.Is(err, ErrClosed) {
		t.Errorf("want ErrClosed, got %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	h, _ := newTestHost(t, fstest.MapFS{"time/time.lua": script(`provide("time", "0.2.0")`)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Require(ctx, "time"); !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
}
