package solvers

import (
	"reflect"
	"runtime"
	"time"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gosolve/gosolve/backends"
	"github.com/gosolve/gosolve/types/dtypes"
	"github.com/gosolve/gosolve/types/shapes"
	"github.com/gosolve/gosolve/types/tensors"
)

// ObjectiveFn maps the structured unknown to a structured output whose first
// tensor is the objective: a float with batch dimensions only.
type ObjectiveFn func(x any) any

// Minimize finds a minimum of the scalar function f(x). The method of solve
// determines which optimizer is used; the reference backend supports "GD", a
// gradient descent with adaptive step size.
//
// The first tensor of f's output must be a scalar float per batch element --
// reduce all non-batch dimensions, e.g. with tensors.L2Loss.
//
// To obtain additional information about the performed solve, use a
// SolveTape.
//
// Returns the solution, the minimum point x. It panics with a ConvergenceErr
// wrapping NotConverged if the desired accuracy was not reached within the
// maximum number of iterations, or Diverged if the optimization failed
// prematurely -- unless the kind is suppressed in solve.
func Minimize(f ObjectiveFn, solve *Solve) any {
	if solve.RelativeTolerance().Any() {
		exceptions.Panicf("solvers.Minimize: relative tolerance must be zero for minimization, got %s", solve.RelativeTolerance())
	}
	if solve.preprocessY != nil {
		exceptions.Panicf("solvers.Minimize: PreprocessY is not allowed for minimization")
	}
	if solve.X0() == nil {
		exceptions.Panicf("solvers.Minimize: solve has no initial guess, set one with InitialGuess")
	}
	x0Tensors, rebuild := tensors.Disassemble(solve.X0())
	for ii, t := range x0Tensors {
		x0Tensors[ii] = t.ToFloat()
	}
	backend := chooseBackend(x0Tensors...)

	// Canonical flat representation: every component reshaped to
	// [batch, component-non-batch] and concatenated along the last axis.
	batchShapes := make([]shapes.Shape, len(x0Tensors))
	for ii, t := range x0Tensors {
		batchShapes[ii] = t.Shape().Batch()
	}
	batchDims := shapes.Merge(batchShapes...)
	natives := make([]backends.Buffer, len(x0Tensors))
	widths := make([]int, len(x0Tensors))
	for ii, t := range x0Tensors {
		natives[ii] = asNative(backend, t, batchDims, t.Shape().NonBatch())
		widths[ii] = t.Shape().NonBatch().Size()
	}
	x0Flat := backend.Concat(natives, -1)

	unflatten := func(xFlat backends.Buffer) any {
		flat := backend.Flat(xFlat)
		batchVol := batchDims.Size()
		total := len(flat) / batchVol
		parts := make([]*tensors.Tensor, len(x0Tensors))
		offset := 0
		for ii, t := range x0Tensors {
			w := widths[ii]
			sub := make([]float64, batchVol*w)
			for bi := 0; bi < batchVol; bi++ {
				copy(sub[bi*w:(bi+1)*w], flat[bi*total+offset:bi*total+offset+w])
			}
			parts[ii] = tensors.ReshapedTensor(t.DType(), sub, []shapes.Shape{batchDims, t.Shape().NonBatch()})
			offset += w
		}
		return rebuild(parts)
	}

	objective := func(xFlat backends.Buffer) (float64, backends.Buffer) {
		x := unflatten(xFlat)
		y := f(x)
		yTensors, _ := tensors.Disassemble(y)
		loss := yTensors[0]
		if !loss.Shape().NonBatch().IsScalar() {
			exceptions.Panicf("solvers.Minimize: failed to minimize %q because it returned a non-scalar output %s -- reduce all non-batch dimensions, e.g. using tensors.L2Loss",
				funcName(f), loss.Shape())
		}
		for _, d := range loss.Shape().Batch().Dims {
			if !batchDims.Has(d.Name) {
				exceptions.Panicf("solvers.Minimize: failed to minimize %q because its output loss %s has more batch dimensions than the initial guess %s",
					funcName(f), loss.Shape(), batchDims)
			}
		}
		lossData, lossDims := tensors.ReshapedNative(loss.ToFloat(), []shapes.Shape{batchDims}, true)
		return loss.Sum(), backend.AsTensor(lossData, lossDims)
	}

	atol := asNative(backend, solve.AbsoluteTolerance(), batchDims)
	maxi := asNative(backend, solve.MaxIterationsTensor().ToFloat(), batchDims)
	_, recordTrajectories := snapshotActiveTapes()
	klog.V(1).Infof("solvers: performing minimization %s with backend %s", solve, backend.Name())
	start := time.Now()
	rets := backend.Minimize(solve.Method(), objective, x0Flat, atol, maxi, recordTrajectories)
	elapsed := time.Since(start)
	if len(rets) == 0 {
		exceptions.Panicf("solvers.Minimize: backend %q returned no result", backend.Name())
	}

	last := rets[len(rets)-1]
	x := unflatten(last.X)
	converged := fromNative(backend, last.Converged, dtypes.Bool, batchDims)
	diverged := fromNative(backend, last.Diverged, dtypes.Bool, batchDims)
	iterations := fromNative(backend, last.Iterations, dtypes.Int32, batchDims)
	var info *SolveInfo
	if !recordTrajectories {
		residual := fromNative(backend, last.Residual, dtypes.Float64, batchDims)
		functionEvaluations := fromNative(backend, last.FunctionEvaluations, dtypes.Int32, batchDims)
		info = newSolveInfo(solve, x, residual, iterations, functionEvaluations, converged, diverged, last.Method, last.Message, elapsed)
	} else {
		trajectoryDim := shapes.Trajectory(len(rets))
		xs := make([]any, len(rets))
		residuals := make([]*tensors.Tensor, len(rets))
		functionEvaluations := make([]*tensors.Tensor, len(rets))
		for ii, ret := range rets {
			xs[ii] = unflatten(ret.X)
			residuals[ii] = fromNative(backend, ret.Residual, dtypes.Float64, batchDims)
			functionEvaluations[ii] = fromNative(backend, ret.FunctionEvaluations, dtypes.Int32, batchDims)
		}
		xTrajectory := tensors.StackTrees(xs, trajectoryDim)
		var residual, evals *tensors.Tensor
		if residuals[len(residuals)-1] != nil {
			residual = tensors.Stack(residuals, trajectoryDim)
		}
		if functionEvaluations[len(functionEvaluations)-1] != nil {
			evals = tensors.Stack(functionEvaluations, trajectoryDim)
		}
		info = newSolveInfo(solve, xTrajectory, residual, iterations,
			evals, converged, diverged, last.Method, last.Message, elapsed)
	}
	recordToTapes(solve, recordTrajectories, info)
	info.convergenceCheck(false)
	return x
}

// SolveNonlinear solves the non-linear equation f(x) = y by minimizing the
// squared norm of the residual. See Minimize for the failure semantics; to
// obtain additional information about the performed solve, use a SolveTape.
func SolveNonlinear(f func(x any) any, y any, solve *Solve) any {
	if solve.preprocessY != nil {
		y = solve.preprocessY(y, solve.preprocessYArgs...)
	}
	minFunc := func(x any) any {
		return tensors.L2Loss(tensors.SubTrees(f(x), y))
	}
	relToAbs := solve.RelativeTolerance().Mul(tensors.L2Loss(y))
	minSolve := solve.copyWith(func(c *Solve) {
		c.absTol = relToAbs.ToFloat()
		c.relTol = tensors.Wrap(0.0)
		c.preprocessY = nil
		c.preprocessYArgs = nil
	})
	return Minimize(minFunc, minSolve)
}

func funcName(f any) string {
	if fn := runtime.FuncForPC(reflect.ValueOf(f).Pointer()); fn != nil {
		return fn.Name()
	}
	return "f"
}
