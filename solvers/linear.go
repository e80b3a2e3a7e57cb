package solvers

import (
	"time"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gosolve/gosolve/backends"
	"github.com/gosolve/gosolve/types/dtypes"
	"github.com/gosolve/gosolve/types/shapes"
	"github.com/gosolve/gosolve/types/tensors"
)

// LinearFn is a linear function of its first argument. The remaining
// arguments are auxiliary: they are passed through and not solved for.
type LinearFn func(x any, args ...any) any

// LinearFunction is implemented by compiled linear functions that expose a
// precompiled explicit representation, typically produced by a
// linearity-tracing compiler. When the backend supports native matrix solves
// the dispatcher extracts the matrix and constant bias once and runs a matrix
// solve against y-bias instead of probing the function.
type LinearFunction interface {
	// Apply evaluates the function, used on the matrix-free fallback path.
	Apply(x any, args ...any) any

	// MatrixAndBias returns the explicit matrix -- dual dimensions matching
	// the input pattern dimensions, non-dual matching the output pattern
	// dimensions -- and the constant bias (nil when the function is purely
	// linear).
	MatrixAndBias(x0 any, args ...any) (matrix *tensors.Tensor, bias any)
}

// SolveLinear solves the system of linear equations f(x) = y and returns x.
// The following method identifiers are supported by the reference backend:
//
//   - "auto": automatically choose a solver
//   - "CG": conjugate gradient, only for symmetric and positive definite operators
//   - "biCGstab": biconjugate gradient stabilized, first order
//   - "direct": dense factorization, explicit matrices only
//
// Accelerated backends may accept further identifiers, e.g. "CG-adaptive",
// "biCG" or "biCGstab(2)".
//
// f is a LinearFn or a LinearFunction; with a LinearFunction and a backend
// supporting native matrix solves, an optimized matrix representation is used
// to solve the system. The used implementation can be obtained from
// SolveInfo.Method via a SolveTape.
//
// The gradient of this operation performs another linear solve with the
// parameters specified by Solve.GradientSolve; see SolveLinearVJP.
//
// It panics with a ConvergenceErr wrapping NotConverged or Diverged unless
// the kind is suppressed in solve.
func SolveLinear(f any, y any, solve *Solve, args ...any) any {
	x, _ := solveLinearWithGrad(f, y, solve, args)
	return x
}

// Pullback computes the gradient with respect to the solve's right-hand side
// y, given the upstream gradient with respect to the solution x.
type Pullback func(dx any) any

// SolveLinearVJP is SolveLinear plus the adjoint pullback: outer
// differentiation through the solve should call the pullback instead of
// differentiating through the solver iterations. The pullback re-runs the
// same kind of linear solve -- with the same matrix when the forward pass
// was a matrix solve -- against dx, using the parameters of
// solve.GradientSolve(); its initial guess defaults to a zero-filled
// structure matching solve.X0(). Applying this mechanism recursively yields
// higher-order gradients.
func SolveLinearVJP(f any, y any, solve *Solve, args ...any) (any, Pullback) {
	return solveLinearWithGrad(f, y, solve, args)
}

func solveLinearWithGrad(f any, y any, solve *Solve, args []any) (any, Pullback) {
	yTensors, _ := tensors.Disassemble(y)
	if solve.X0() == nil {
		exceptions.Panicf("solvers.SolveLinear: solve has no initial guess, set one with InitialGuess")
	}
	x0Tensors, _ := tensors.Disassemble(solve.X0())
	if len(yTensors) != 1 || len(x0Tensors) != 1 {
		exceptions.Panicf("solvers.SolveLinear: only single-tensor linear solves are currently supported, got %d unknown and %d target tensors",
			len(x0Tensors), len(yTensors))
	}
	backend := chooseBackend(yTensors[0], x0Tensors[0])
	preferExplicit := backend.Supports(backends.CapabilityMatrixSolve)

	if lf, ok := f.(LinearFunction); ok && preferExplicit {
		matrix, bias := lf.MatrixAndBias(solve.X0(), args...)
		patternDimsIn := matrix.Shape().Dual().Names()
		patternDimsOut := matrix.Shape().NonDual().Names()
		backendMatrix := asNative(backend, matrix, matrix.Shape().NonDual(), matrix.Shape().Dual())
		forward := func(target any, s *Solve, isBackprop bool) any {
			// Must return exactly x so the gradient isn't computed w.r.t.
			// other quantities.
			return linearSolveForward(target, s, backendMatrix, patternDimsIn, patternDimsOut, backend, isBackprop)
		}
		target := y
		if bias != nil {
			target = tensors.SubTrees(y, bias)
		}
		return attachGradientSolve(forward, target, solve)
	}

	// Matrix-free solve.
	apply := asApplyAny(f)
	forward := func(target any, s *Solve, isBackprop bool) any {
		_, yTensor := singleTensor(target, "target")
		x0Rebuild, x0Tensor := singleTensor(s.X0(), "initial guess")
		batchDims := shapes.Merge(yTensor.Shape().Batch(), x0Tensor.Shape().Batch())
		batchVol := batchDims.Size()

		nativeLinF := backends.ApplyFn(func(xNative backends.Buffer, batchIndex int) backends.Buffer {
			tiled := false
			if batchIndex >= 0 && batchVol > 1 {
				// Single-map probe: tile the one row across the batch and
				// return the probed row below.
				width := backend.Dims(xNative)
				xNative = backend.Tile(backend.AsTensor(backend.Flat(xNative), append([]int{1}, width...)),
					append([]int{batchVol}, onesLikeInts(width)...))
				tiled = true
			}
			batched := len(backend.Dims(xNative)) >= 2
			var xT *tensors.Tensor
			if batched {
				xT = tensors.ReshapedTensor(x0Tensor.DType(), backend.Flat(xNative),
					[]shapes.Shape{batchDims, x0Tensor.Shape().NonBatch()})
			} else {
				xT = tensors.ReshapedTensor(x0Tensor.DType(), backend.Flat(xNative),
					[]shapes.Shape{x0Tensor.Shape().NonBatch()})
			}
			out := apply(x0Rebuild([]*tensors.Tensor{xT}), args...)
			_, outTensor := singleTensor(out, "linear function output")
			var outNative backends.Buffer
			if batched {
				outNative = asNative(backend, outTensor, batchDims, outTensor.Shape().NonBatch())
			} else {
				outNative = asNative(backend, outTensor, outTensor.Shape().NonBatch())
			}
			if tiled {
				row := rowOf(backend, outNative, batchIndex)
				return row
			}
			return outNative
		})
		return linearSolveForward(target, s, nativeLinF,
			x0Tensor.Shape().NonBatch().Names(), yTensor.Shape().NonBatch().Names(), backend, isBackprop)
	}
	return attachGradientSolve(forward, y, solve)
}

// linearSolveForward is the shared linear-solve core for the matrix and
// matrix-free paths. op is a backend-native matrix Buffer or a
// backends.ApplyFn.
func linearSolveForward(y any, solve *Solve, op any, patternDimsIn, patternDimsOut []string, backend backends.Backend, isBackprop bool) any {
	klog.V(1).Infof("solvers: performing linear solve %s with backend %s", solve, backend.Name())
	if solve.preprocessY != nil {
		y = solve.preprocessY(y, solve.preprocessYArgs...)
	}
	yRebuild, yTensor := singleTensor(y, "target")
	x0Rebuild, x0Tensor := singleTensor(solve.X0(), "initial guess")
	yTensor = yTensor.ToFloat()
	x0Tensor = x0Tensor.ToFloat()

	// Pattern dimensions are the structurally meaningful axes of the
	// operator; they may differ in rank between input and output. Batch is
	// everything else, merged across both sides.
	patternIn := x0Tensor.Shape().Only(patternDimsIn...)
	patternOut := yTensor.Shape().Only(patternDimsOut...)
	batchDims := shapes.Merge(yTensor.Shape().Without(patternOut), x0Tensor.Shape().Without(patternIn))

	x0Native := asNative(backend, x0Tensor, batchDims, patternIn)
	yNative := asNative(backend, yTensor, batchDims, patternOut)
	rtol := asNative(backend, solve.RelativeTolerance(), batchDims)
	atol := asNative(backend, solve.AbsoluteTolerance(), batchDims)
	maxi := asNative(backend, solve.MaxIterationsTensor().ToFloat(), batchDims)
	tapes, recordTrajectories := snapshotActiveTapes()

	start := time.Now()
	rets := backend.LinearSolve(solve.Method(), op, yNative, x0Native, rtol, atol, maxi, recordTrajectories)
	elapsed := time.Since(start)
	if len(rets) == 0 {
		exceptions.Panicf("solvers.SolveLinear: backend %q returned no result", backend.Name())
	}

	last := rets[len(rets)-1]
	converged := fromNative(backend, last.Converged, dtypes.Bool, batchDims)
	diverged := fromNative(backend, last.Diverged, dtypes.Bool, batchDims)
	iterations := fromNative(backend, last.Iterations, dtypes.Int32, batchDims)
	xTensor := fromNative(backend, last.X, x0Tensor.DType(), batchDims, patternIn)
	x := x0Rebuild([]*tensors.Tensor{xTensor})
	var info *SolveInfo
	if !recordTrajectories {
		functionEvaluations := fromNative(backend, last.FunctionEvaluations, dtypes.Int32, batchDims)
		var residual any
		if last.Residual != nil {
			residual = yRebuild([]*tensors.Tensor{fromNative(backend, last.Residual, dtypes.Float64, batchDims, patternOut)})
		} else if len(tapes) > 0 {
			// The backend did not track the residual but a tape wants one:
			// reconstruct it by reapplying the operator to the final iterate.
			residualNative := backend.Sub(backend.Linear(op, last.X), yNative)
			residual = yRebuild([]*tensors.Tensor{fromNative(backend, residualNative, dtypes.Float64, batchDims, patternOut)})
		}
		info = newSolveInfo(solve, x, residual, iterations, functionEvaluations, converged, diverged, last.Method, last.Message, elapsed)
	} else {
		trajectoryDim := shapes.Trajectory(len(rets))
		xs := make([]*tensors.Tensor, len(rets))
		residuals := make([]*tensors.Tensor, len(rets))
		functionEvaluations := make([]*tensors.Tensor, len(rets))
		for ii, ret := range rets {
			xs[ii] = fromNative(backend, ret.X, x0Tensor.DType(), batchDims, patternIn)
			residuals[ii] = fromNative(backend, ret.Residual, dtypes.Float64, batchDims, patternOut)
			functionEvaluations[ii] = fromNative(backend, ret.FunctionEvaluations, dtypes.Int32, batchDims)
		}
		xTrajectory := x0Rebuild([]*tensors.Tensor{tensors.Stack(xs, trajectoryDim)})
		var residual any
		if residuals[len(residuals)-1] != nil {
			residual = yRebuild([]*tensors.Tensor{tensors.Stack(residuals, trajectoryDim)})
		}
		var evals *tensors.Tensor
		if functionEvaluations[len(functionEvaluations)-1] != nil {
			evals = tensors.Stack(functionEvaluations, trajectoryDim)
		}
		info = newSolveInfo(solve, xTrajectory, residual, iterations,
			evals, converged, diverged, last.Method, last.Message, elapsed)
	}
	recordToTapes(solve, recordTrajectories, info)
	// Backward passes on backends whose differentiation deduplicates
	// repeated composition only warn: they may legitimately reuse a forward
	// solve's tolerances under looser numerical conditions.
	onlyWarn := isBackprop && backend.Supports(backends.CapabilityDedupBackprop)
	info.convergenceCheck(onlyWarn)
	return x
}

// singleTensor disassembles a structure required to hold exactly one tensor.
func singleTensor(value any, what string) (tensors.Rebuild, *tensors.Tensor) {
	ts, rebuild := tensors.Disassemble(value)
	if len(ts) != 1 {
		exceptions.Panicf("solvers.SolveLinear: %s must hold exactly one tensor, got %d", what, len(ts))
	}
	return rebuild, ts[0]
}

// asApplyAny adapts the accepted linear-function forms to one call shape.
func asApplyAny(f any) func(x any, args ...any) any {
	switch fn := f.(type) {
	case LinearFunction:
		return fn.Apply
	case LinearFn:
		return fn
	case func(x any, args ...any) any:
		return fn
	case func(x any) any:
		return func(x any, _ ...any) any { return fn(x) }
	}
	exceptions.Panicf("solvers.SolveLinear: unsupported linear function type %T -- use LinearFn, func(any) any or implement LinearFunction", f)
	return nil
}

func onesLikeInts(dims []int) []int {
	out := make([]int, len(dims))
	for ii := range out {
		out[ii] = 1
	}
	return out
}

// rowOf extracts one batch row of a [batch, n] buffer.
func rowOf(backend backends.Backend, b backends.Buffer, batchIndex int) backends.Buffer {
	dims := backend.Dims(b)
	flat := backend.Flat(b)
	n := dims[len(dims)-1]
	return backend.AsTensor(flat[batchIndex*n:(batchIndex+1)*n], []int{n})
}
