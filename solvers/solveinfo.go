package solvers

import (
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/gosolve/gosolve/types/shapes"
	"github.com/gosolve/gosolve/types/tensors"
)

// SolveInfo stores information about the solution or trajectory of a solve.
//
// When representing the full optimization trajectory, all tracked quantities
// carry an additional leading "trajectory" batch dimension.
type SolveInfo struct {
	// Solve holds the parameters specified for the solve.
	Solve *Solve
	// X is the solution estimate, same structural type as the initial guess.
	X any
	// Residual is the residual vector for systems of equations, or the
	// function value for minimization problems. May be nil when the backend
	// did not track it and no tape requested it.
	Residual any
	// Iterations performed to reach this state.
	Iterations *tensors.Tensor
	// FunctionEvaluations counts how often the function (or its gradient)
	// was called.
	FunctionEvaluations *tensors.Tensor
	// Converged signals, per batch, whether the residual is within the
	// specified tolerance. Nil when the backend deferred the flag.
	Converged *tensors.Tensor
	// Diverged signals, per batch, whether the solve has diverged at this
	// point. Nil when the backend deferred the flag.
	Diverged *tensors.Tensor
	// Method and implementation that were used, as reported by the backend.
	Method string
	// Msg is the termination message.
	Msg string
	// SolveTime is the time spent in the backend solve call.
	SolveTime time.Duration
}

// newSolveInfo builds a SolveInfo, synthesizing the termination message when
// none was supplied and the convergence flags are concretely available.
// Deferred (nil) flags leave the message blank to avoid forcing evaluation.
func newSolveInfo(solve *Solve, x, residual any, iterations, functionEvaluations, converged, diverged *tensors.Tensor, method, msg string, solveTime time.Duration) *SolveInfo {
	info := &SolveInfo{
		Solve:               solve,
		X:                   x,
		Residual:            residual,
		Iterations:          iterations,
		FunctionEvaluations: functionEvaluations,
		Converged:           converged,
		Diverged:            diverged,
		Method:              method,
		Msg:                 msg,
		SolveTime:           solveTime,
	}
	if msg == "" && converged != nil && diverged != nil {
		info.Msg = info.synthesizeMsg()
	}
	return info
}

func (info *SolveInfo) synthesizeMsg() string {
	iterations := "?"
	if info.Iterations != nil {
		iterations = info.Iterations.String()
	}
	if info.Diverged.Any() {
		return fmt.Sprintf("Solve diverged within %s iterations using %s.", iterations, info.Method)
	}
	if !info.Converged.IndexDim(shapes.TrajectoryName, -1).All() {
		return fmt.Sprintf("Solve did not converge to rel=%s, abs=%s within %s iterations using %s. Max residual: %s",
			info.Solve.RelativeTolerance(), info.Solve.AbsoluteTolerance(), info.Solve.MaxIterationsTensor(),
			info.Method, info.maxResidual())
	}
	return fmt.Sprintf("Converged within %s iterations.", iterations)
}

func (info *SolveInfo) maxResidual() string {
	if info.Residual == nil {
		return "?"
	}
	ts, _ := tensors.Disassemble(info.Residual)
	maxes := make([]string, len(ts))
	for ii, t := range ts {
		maxes[ii] = fmt.Sprintf("%g", t.IndexDim(shapes.TrajectoryName, -1).Max())
	}
	if len(maxes) == 1 {
		return maxes[0]
	}
	return fmt.Sprintf("%v", maxes)
}

// String implements fmt.Stringer, returning the termination message.
func (info *SolveInfo) String() string { return info.Msg }

// Snapshot projects all trajectory-carrying fields at the given index
// (negative counts from the end) into a non-trajectory SolveInfo, preserving
// the solve parameters, method, message and solve time. Fields without a
// trajectory axis
// pass through unchanged.
func (info *SolveInfo) Snapshot(index int) *SolveInfo {
	project := func(value any) any {
		if value == nil {
			return nil
		}
		return tensors.MapTree(value, func(t *tensors.Tensor) *tensors.Tensor {
			return t.IndexDim(shapes.TrajectoryName, index)
		})
	}
	projectTensor := func(t *tensors.Tensor) *tensors.Tensor {
		if t == nil {
			return nil
		}
		return t.IndexDim(shapes.TrajectoryName, index)
	}
	return &SolveInfo{
		Solve:               info.Solve,
		X:                   project(info.X),
		Residual:            project(info.Residual),
		Iterations:          projectTensor(info.Iterations),
		FunctionEvaluations: projectTensor(info.FunctionEvaluations),
		Converged:           projectTensor(info.Converged),
		Diverged:            projectTensor(info.Diverged),
		Method:              info.Method,
		Msg:                 info.Msg,
		SolveTime:           info.SolveTime,
	}
}

// convergenceCheck enforces the convergence policy: diverged or
// not-converged results raise their ConvergenceErr unless the corresponding
// kind is suppressed, or unless onlyWarn downgrades the failure to a warning.
// The check is skipped entirely when the flags were deferred by the backend;
// it then happens whenever they materialize.
func (info *SolveInfo) convergenceCheck(onlyWarn bool) {
	if info.Converged == nil || info.Diverged == nil {
		return
	}
	if info.Diverged.Any() {
		if !info.Solve.Suppressed(Diverged) {
			if onlyWarn {
				klog.Warningf("solvers: %s", info.Msg)
			} else {
				throwConvergence(Diverged, info)
			}
		}
	}
	if !info.Converged.IndexDim(shapes.TrajectoryName, -1).All() {
		if !info.Solve.Suppressed(NotConverged) {
			if onlyWarn {
				klog.Warningf("solvers: %s", info.Msg)
			} else {
				throwConvergence(NotConverged, info)
			}
		}
	}
}
