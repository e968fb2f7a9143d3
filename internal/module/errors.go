package module

import (
	"errors"
	"fmt"

	"github.com/zot/modns/internal/namespace"
)

var (
	// ErrInvalidArgument is returned for empty or malformed module names.
	ErrInvalidArgument = namespace.ErrInvalidArgument
	// ErrMissingVersion is returned when a module is provided without a version.
	ErrMissingVersion = errors.New("module provided without a version")
	// ErrEvaluation marks a source unit that failed to evaluate.
	ErrEvaluation = errors.New("module failed to load")
	// ErrNotIncluded is returned when a query needs a module that is not loaded.
	ErrNotIncluded = errors.New("module is not included")
	// ErrVersionConstraint is returned when a module version does not satisfy a constraint.
	ErrVersionConstraint = errors.New("module version does not satisfy constraint")
	// ErrNoEvaluator is returned by Require when the resolver has nothing to evaluate with.
	ErrNoEvaluator = errors.New("no source evaluator configured")
)

// LoadError reports a source unit whose evaluation faulted. Err is the evaluator's
// error; when the unit failed because one of its own requires failed, Err wraps the
// inner LoadError.
type LoadError struct {
	Name string
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("FATAL ERROR: error in requiring %s (%s): %v", e.Name, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Is makes every LoadError match ErrEvaluation.
func (e *LoadError) Is(target error) bool {
	return target == ErrEvaluation
}
