package solvers

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/google/uuid"

	"github.com/gosolve/gosolve/types/tensors"
)

// PreprocessFn transforms the right-hand-side of an equation system before
// the system is solved. The extra args are the ones configured with
// Solve.PreprocessY.
type PreprocessFn func(y any, args ...any) any

// Solve specifies parameters and stopping criteria for solving a minimization
// problem or a system of equations.
//
// Build one with NewSolve and the fluent setters, then pass it to Minimize,
// SolveNonlinear or SolveLinear:
//
//	solve := solvers.NewSolve("CG", 0, 1e-6).MaxIterations(100).InitialGuess(x0)
//	x := solvers.SolveLinear(f, y, solve)
//
// Method, tolerances and iteration budget are immutable after construction.
// Every Solve carries a globally unique identity token, independent of value
// equality, which keys tape lookups.
type Solve struct {
	method          string
	relTol          *tensors.Tensor
	absTol          *tensors.Tensor
	maxIter         *tensors.Tensor
	x0              any
	suppress        []FailureKind
	preprocessY     PreprocessFn
	preprocessYArgs []any
	gradientSolve   *Solve
	id              string
}

// NewSolve creates a Solve for the given method and tolerances, with a
// default budget of 1000 iterations. Tolerances are scalars or per-batch
// tensors and are coerced to float.
//
// The relative tolerance applies to linear solves only and must be 0 for
// minimization problems. For systems of equations f(x)=y, the final
// tolerance is max(relativeTolerance*norm(y), absoluteTolerance).
func NewSolve(method string, relativeTolerance, absoluteTolerance any) *Solve {
	return &Solve{
		method:  method,
		relTol:  tensors.Wrap(relativeTolerance).ToFloat(),
		absTol:  tensors.Wrap(absoluteTolerance).ToFloat(),
		maxIter: tensors.Wrap(1000),
		id:      uuid.NewString(),
	}
}

// MaxIterations sets the maximum number of iterations to perform before the
// solve fails with NotConverged; scalar or per-batch. It returns the Solve
// for chaining.
func (s *Solve) MaxIterations(maxIterations any) *Solve {
	s.maxIter = tensors.Wrap(maxIterations).ToInt32()
	return s
}

// InitialGuess sets x0, of same structural type and dimensionality as the
// solve result. It must be set to a value compatible with the solution x
// before running a solve. It returns the Solve for chaining.
func (s *Solve) InitialGuess(x0 any) *Solve {
	s.x0 = x0
	return s
}

// Suppress configures the failure kinds for which the solve functions return
// the partial result instead of raising. It returns the Solve for chaining.
func (s *Solve) Suppress(kinds ...FailureKind) *Solve {
	checkSuppressible(kinds)
	s.suppress = slices.Clone(kinds)
	return s
}

// PreprocessY sets a function applied to the right-hand-side vector of an
// equation system before solving, plus extra positional arguments for it.
// This property is propagated to gradient solves by default. It returns the
// Solve for chaining.
func (s *Solve) PreprocessY(fn PreprocessFn, args ...any) *Solve {
	s.preprocessY = fn
	s.preprocessYArgs = args
	return s
}

// WithGradientSolve sets the parameters for the gradient (adjoint) pass
// explicitly. It returns the Solve for chaining.
func (s *Solve) WithGradientSolve(gradientSolve *Solve) *Solve {
	s.gradientSolve = gradientSolve
	return s
}

// Method returns the optimization or solve method to use. Available methods
// depend on the backend performing the solve.
func (s *Solve) Method() string { return s.method }

// RelativeTolerance returns the relative tolerance as a float tensor.
func (s *Solve) RelativeTolerance() *tensors.Tensor { return s.relTol }

// AbsoluteTolerance returns the absolute tolerance as a float tensor.
func (s *Solve) AbsoluteTolerance() *tensors.Tensor { return s.absTol }

// MaxIterationsTensor returns the iteration budget as an int tensor.
func (s *Solve) MaxIterationsTensor() *tensors.Tensor { return s.maxIter }

// X0 returns the configured initial guess.
func (s *Solve) X0() any { return s.x0 }

// ID returns the globally unique identity token of this Solve. It is
// independent of value equality and keys tape lookups.
func (s *Solve) ID() string { return s.id }

// Suppressed reports whether the given failure kind is suppressed.
func (s *Solve) Suppressed(kind FailureKind) bool {
	return slices.Contains(s.suppress, kind)
}

// GradientSolve returns the parameters to use for the gradient pass when an
// implicit gradient is computed. If none were set, a duplicate of this Solve
// is created on first access (same method, tolerances, budget, suppression
// and preprocessing, fresh identity, no initial guess) and cached. The caller
// is responsible for supplying the initial guess before the returned Solve is
// used.
//
// The lazy materialization is a single assignment and not synchronized:
// concurrent first accesses from multiple goroutines must be serialized by
// the caller.
func (s *Solve) GradientSolve() *Solve {
	if s.gradientSolve == nil {
		gs := NewSolve(s.method, s.relTol, s.absTol)
		gs.maxIter = s.maxIter
		gs.suppress = slices.Clone(s.suppress)
		gs.preprocessY = s.preprocessY
		gs.preprocessYArgs = s.preprocessYArgs
		s.gradientSolve = gs
	}
	return s.gradientSolve
}

// copyWith clones the Solve, applies mutate to the clone and returns it. The
// clone keeps the identity token, so results of derived solves (e.g. the
// minimization a nonlinear solve reduces to) are recorded under the original
// identity.
func (s *Solve) copyWith(mutate func(c *Solve)) *Solve {
	c := *s
	mutate(&c)
	return &c
}

// Equal compares method, tolerances, iteration budget, preprocess-hook
// identity, suppression set and x0 -- never the identity token.
//
// Hook identity is the function's code pointer, the strongest notion Go
// offers: two closures created from the same function literal compare equal
// even when they capture different variables.
func (s *Solve) Equal(other *Solve) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.method != other.method ||
		!s.relTol.Equal(other.relTol) ||
		!s.absTol.Equal(other.absTol) ||
		!s.maxIter.Equal(other.maxIter) ||
		funcIdentity(s.preprocessY) != funcIdentity(other.preprocessY) ||
		!slices.Equal(s.suppress, other.suppress) {
		return false
	}
	if s.x0 == nil || other.x0 == nil {
		return s.x0 == other.x0
	}
	return tensors.TreesEqual(s.x0, other.x0)
}

// String implements fmt.Stringer.
func (s *Solve) String() string {
	return fmt.Sprintf("%s with tolerance %s (rel), %s (abs), max_iterations=%s",
		s.method, s.relTol, s.absTol, s.maxIter)
}

// funcIdentity returns the code pointer of a function value, 0 for nil.
func funcIdentity(fn PreprocessFn) uintptr {
	if fn == nil {
		return 0
	}
	return reflect.ValueOf(fn).Pointer()
}
