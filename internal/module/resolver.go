// Package module implements require/provide: loading named source units at most
// once, breaking require cycles, rolling back failed loads, and recording the
// version each module provides itself with.
package module

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/zot/modns/internal/namespace"
)

// Evaluator executes the source unit at path. It may call back into Require and
// Provide on the same Resolver before it returns.
type Evaluator interface {
	Evaluate(ctx context.Context, path string) error
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, path string) error

// Evaluate calls f(ctx, path).
func (f EvaluatorFunc) Evaluate(ctx context.Context, path string) error {
	return f(ctx, path)
}

// Diagnostics receives trace messages and fatal load errors.
type Diagnostics interface {
	Trace(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Fatal(err error)
}

type nopDiagnostics struct{}

func (nopDiagnostics) Trace(string, ...any) {}
func (nopDiagnostics) Warn(string, ...any)  {}
func (nopDiagnostics) Fatal(error)          {}

// Factory attaches a module's members to its namespace container.
type Factory func(ns *namespace.Node) error

// frame is one source unit being evaluated.
type frame struct {
	name     string
	path     string
	provided []previousVersion
}

type previousVersion struct {
	name    string
	version string
	existed bool
}

// Resolver loads modules into a namespace tree. It is not safe for concurrent
// use: nested Require and Provide calls happen on the evaluating call stack.
type Resolver struct {
	layout Layout
	state  *State
	tree   *namespace.Tree
	eval   Evaluator
	diag   Diagnostics
	frames []*frame
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithEvaluator sets the source evaluator.
func WithEvaluator(e Evaluator) Option {
	return func(r *Resolver) { r.eval = e }
}

// WithDiagnostics sets the diagnostics sink.
func WithDiagnostics(d Diagnostics) Option {
	return func(r *Resolver) {
		if d != nil {
			r.diag = d
		}
	}
}

// WithTree makes the resolver provide into an existing tree.
func WithTree(t *namespace.Tree) Option {
	return func(r *Resolver) { r.tree = t }
}

// New creates a Resolver with empty state.
func New(layout Layout, opts ...Option) *Resolver {
	r := &Resolver{
		layout: layout,
		state:  NewState(),
		diag:   nopDiagnostics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tree == nil {
		r.tree = namespace.NewTree(layout.Token)
	}
	return r
}

// SetEvaluator replaces the source evaluator.
func (r *Resolver) SetEvaluator(e Evaluator) {
	r.eval = e
}

// Layout returns the name-to-path layout.
func (r *Resolver) Layout() Layout {
	return r.layout
}

// State returns the dependency state.
func (r *Resolver) State() *State {
	return r.state
}

// Tree returns the namespace tree.
func (r *Resolver) Tree() *namespace.Tree {
	return r.tree
}

// Require loads the module name unless it is already included or currently
// being loaded further up the call stack. A failed load is rolled back so a
// later Require retries it, and the error is returned as a *LoadError.
func (r *Resolver) Require(ctx context.Context, name string) error {
	key, err := r.layout.Normalize(name)
	if err != nil {
		return err
	}
	r.diag.Trace("requiring", "module", key)

	switch r.state.Status(key) {
	case Included:
		r.diag.Trace("already included", "module", key)
		return nil
	case Visiting:
		r.diag.Trace("already visited", "module", key, "chain", r.chainTo(key))
		return nil
	}

	if r.eval == nil {
		return fmt.Errorf("require %s: %w", key, ErrNoEvaluator)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("require %s: %w", key, err)
	}
	path, err := r.layout.NameToPath(key)
	if err != nil {
		return err
	}

	// Mark visited before evaluating so a unit that requires itself, directly or
	// through others, short-circuits instead of recursing.
	r.state.visited[key] = true
	f := &frame{name: key, path: path}

	if err := r.evaluate(ctx, f); err != nil {
		r.rollback(f)
		loadErr := &LoadError{Name: key, Path: path, Err: err}
		var inner *LoadError
		if errors.As(err, &inner) {
			r.diag.Warn("dependency failed", "module", key, "dependency", inner.Name)
		} else {
			r.diag.Fatal(loadErr)
		}
		return loadErr
	}

	r.state.included[key] = true
	r.diag.Trace("require successful", "module", key)
	return nil
}

// evaluate runs the unit of f with f pushed on the load chain. A panicking
// evaluator is reported as an error so the load is rolled back like any other
// failure.
func (r *Resolver) evaluate(ctx context.Context, f *frame) (err error) {
	r.frames = append(r.frames, f)
	defer func() {
		r.frames = r.frames[:len(r.frames)-1]
		if p := recover(); p != nil {
			err = fmt.Errorf("evaluation panicked: %v", p)
		}
	}()
	return r.eval.Evaluate(ctx, f.path)
}

// rollback undoes the dependency state of a failed load. Versions recorded by
// the unit's own Provide calls are restored; namespace contents stay.
func (r *Resolver) rollback(f *frame) {
	delete(r.state.visited, f.name)
	for i := len(f.provided) - 1; i >= 0; i-- {
		p := f.provided[i]
		if p.existed {
			r.state.versions[p.name] = p.version
		} else {
			delete(r.state.versions, p.name)
		}
	}
}

// Provide declares the module name: it ensures the namespace path exists, runs
// factory against that container and records version. It does not load anything.
func (r *Resolver) Provide(name, version string, factory Factory) (*namespace.Node, error) {
	key, err := r.layout.Normalize(name)
	if err != nil {
		return nil, err
	}
	if version == "" {
		err := fmt.Errorf("provide %s: %w", key, ErrMissingVersion)
		// inside a load, the enclosing Require reports it
		if r.current() == nil {
			r.diag.Fatal(err)
		}
		return nil, err
	}

	node, err := r.tree.ExportPath(key)
	if err != nil {
		return nil, fmt.Errorf("provide %s: %w", key, err)
	}
	if factory != nil {
		if err := factory(node); err != nil {
			return nil, fmt.Errorf("provide %s: %w", key, err)
		}
	}

	if f := r.current(); f != nil {
		prev, existed := r.state.versions[key]
		f.provided = append(f.provided, previousVersion{name: key, version: prev, existed: existed})
	}
	r.state.versions[key] = version
	r.diag.Trace("provided", "module", key, "version", version)
	return node, nil
}

// ExportPath ensures a namespace path exists and returns its container.
func (r *Resolver) ExportPath(path string) (*namespace.Node, error) {
	return r.tree.ExportPath(path)
}

// NameToPath returns the source unit path of a module.
func (r *Resolver) NameToPath(name string) (string, error) {
	return r.layout.NameToPath(name)
}

// Lookup returns the namespace entry for a dotted name.
func (r *Resolver) Lookup(name string) (any, bool) {
	return r.tree.Lookup(name)
}

// Version returns the version a module was provided with.
func (r *Resolver) Version(name string) (string, bool) {
	key, err := r.layout.Normalize(name)
	if err != nil {
		return "", false
	}
	return r.state.Version(key)
}

// Status returns the load state of a module.
func (r *Resolver) Status(name string) (Status, error) {
	key, err := r.layout.Normalize(name)
	if err != nil {
		return Unseen, err
	}
	return r.state.Status(key), nil
}

// Forget resets a module to unseen so the next Require evaluates it again.
// Namespace contents are kept; the module's factory runs again on reload.
func (r *Resolver) Forget(name string) error {
	key, err := r.layout.Normalize(name)
	if err != nil {
		return err
	}
	if f := r.findFrame(key); f != nil {
		return fmt.Errorf("forget %s: module is being loaded", key)
	}
	r.state.forget(key)
	r.diag.Trace("forgot module", "module", key)
	return nil
}

// CheckVersion reports whether an included module's version satisfies a semver
// constraint such as ">= 0.2, < 1".
func (r *Resolver) CheckVersion(name, constraint string) error {
	key, err := r.layout.Normalize(name)
	if err != nil {
		return err
	}
	if !r.state.Included(key) {
		return fmt.Errorf("%s: %w", key, ErrNotIncluded)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("constraint %q: %w: %v", constraint, ErrInvalidArgument, err)
	}
	version, ok := r.state.Version(key)
	if !ok {
		return fmt.Errorf("%s has no provided version: %w", key, ErrVersionConstraint)
	}
	v, err := semver.NewVersion(strings.TrimPrefix(version, "v"))
	if err != nil {
		return fmt.Errorf("%s version %q is not semantic: %w", key, version, ErrVersionConstraint)
	}
	if !c.Check(v) {
		return fmt.Errorf("%s %s vs %q: %w", key, version, constraint, ErrVersionConstraint)
	}
	return nil
}

// Chain returns the names of the modules currently being evaluated, outermost first.
func (r *Resolver) Chain() []string {
	names := make([]string, len(r.frames))
	for i, f := range r.frames {
		names[i] = f.name
	}
	return names
}

func (r *Resolver) current() *frame {
	if len(r.frames) == 0 {
		return nil
	}
	return r.frames[len(r.frames)-1]
}

func (r *Resolver) findFrame(name string) *frame {
	for _, f := range r.frames {
		if f.name == name {
			return f
		}
	}
	return nil
}

// chainTo formats the cycle that ends by requiring name again.
func (r *Resolver) chainTo(name string) string {
	return strings.Join(append(r.Chain(), name), " -> ")
}
