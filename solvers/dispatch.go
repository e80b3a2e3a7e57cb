// Package solvers implements the solver dispatch layer: it lets callers
// express "minimize f(x)" or "solve f(x)=y" over structured, named-dimension
// data, and dispatches the concrete numeric work to a pluggable backend.
//
// The three entry operations are Minimize, SolveNonlinear and SolveLinear.
// Each takes a Solve describing method, tolerances and iteration budget,
// flattens the structured unknown into the backend-native [batch, pattern]
// layout, invokes the backend primitive, and reassembles the structured
// solution. Results are recorded into any active SolveTape; convergence
// failures raise a ConvergenceErr unless suppressed.
//
// SolveLinearVJP additionally returns the adjoint pullback, so a solve can
// participate in outer differentiation without unrolling its iterations: the
// backward pass is a second linear solve with the parameters of
// Solve.GradientSolve.
package solvers

import (
	"sync"

	"github.com/gosolve/gosolve/backends"
	"github.com/gosolve/gosolve/types/dtypes"
	"github.com/gosolve/gosolve/types/shapes"
	"github.com/gosolve/gosolve/types/tensors"
)

var (
	muBackend     sync.Mutex
	activeBackend backends.Backend
)

// Backend returns the backend solves dispatch to, creating the registry
// default on first use.
func Backend() backends.Backend {
	muBackend.Lock()
	defer muBackend.Unlock()
	if activeBackend == nil {
		activeBackend = backends.New()
	}
	return activeBackend
}

// SetBackend overrides the backend solves dispatch to. It returns the
// previous one, which tests and multi-backend hosts should restore.
func SetBackend(b backends.Backend) (previous backends.Backend) {
	muBackend.Lock()
	defer muBackend.Unlock()
	previous = activeBackend
	activeBackend = b
	return
}

// chooseBackend resolves the backend owning the given tensors. All tensors of
// this package are host values, so resolution lands on the configured
// default; backends owning device data would be keyed here.
func chooseBackend(_ ...*tensors.Tensor) backends.Backend {
	return Backend()
}

// asNative reshapes a tensor into the backend-native layout given by the
// dimension groups, force-expanding missing axes so backends always see dense
// rectangular batches.
func asNative(backend backends.Backend, t *tensors.Tensor, groups ...shapes.Shape) backends.Buffer {
	data, dims := tensors.ReshapedNative(t, groups, true)
	return backend.AsTensor(data, dims)
}

// fromNative wraps a backend buffer back into a tensor shaped by the given
// dimension groups. Nil buffers (deferred or untracked fields) map to nil.
func fromNative(backend backends.Backend, b backends.Buffer, dtype dtypes.DType, groups ...shapes.Shape) *tensors.Tensor {
	if b == nil {
		return nil
	}
	return tensors.ReshapedTensor(dtype, backend.Flat(b), groups)
}
