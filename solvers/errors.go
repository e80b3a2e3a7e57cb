package solvers

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// FailureKind enumerates the convergence-failure taxonomy. Both kinds carry
// the full SolveInfo for inspection and both are suppressible per-kind via
// Solve.Suppress.
type FailureKind int

const (
	// NotConverged: the desired accuracy was not reached within the maximum
	// number of iterations.
	NotConverged FailureKind = iota + 1
	// Diverged: the solve was stopped prematurely and cannot continue. This
	// may indicate that no solution exists. The values of the last estimate
	// x may or may not be finite.
	Diverged
)

// String implements fmt.Stringer.
func (k FailureKind) String() string {
	switch k {
	case NotConverged:
		return "NotConverged"
	case Diverged:
		return "Diverged"
	}
	return "InvalidFailureKind"
}

func (k FailureKind) valid() bool { return k == NotConverged || k == Diverged }

// ConvergenceErr is the error the caller-facing entry points panic with when
// a non-suppressed solve fails to converge or diverges. Recover it with
// exceptions.TryCatch[error] and errors.As.
type ConvergenceErr struct {
	Kind FailureKind
	Info *SolveInfo
}

// Error implements the error interface.
func (e *ConvergenceErr) Error() string {
	return e.Info.Msg
}

// throwConvergence panics with a stack-carrying ConvergenceErr.
func throwConvergence(kind FailureKind, info *SolveInfo) {
	panic(errors.WithStack(&ConvergenceErr{Kind: kind, Info: info}))
}

// checkSuppressible validates a user-supplied suppression set.
func checkSuppressible(kinds []FailureKind) {
	for _, k := range kinds {
		if !k.valid() {
			exceptions.Panicf("solvers: cannot suppress unknown failure kind %d -- only NotConverged and Diverged are suppressible", int(k))
		}
	}
}
