package simplego

import (
	"math"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gosolve/gosolve/backends"
)

// Step-size bounds for the adaptive gradient descent.
const (
	gdInitialStep = 1.0
	gdGrowth      = 1.2
	gdShrink      = 0.5
	gdMinStep     = 1e-14
)

// Minimize runs an adaptive-step gradient descent ("GD"): gradients come from
// central differences, accepted steps grow the per-batch step size, rejected
// ones halve it. A batch element converges when its loss falls at or below
// atol, when an accepted step improves the loss by at most atol, or when the
// step size collapses at a stationary point.
func (bk *goBackend) Minimize(method string, objective backends.Objective, x0B, atolB, maxiB backends.Buffer, recordTrajectory bool) []backends.SolveResult {
	if method != "GD" && method != "auto" {
		exceptions.Panicf("simplego.Minimize: unknown method %q (supported: \"GD\")", method)
	}
	x0 := buf(x0B)
	if len(x0.dims) != 2 {
		exceptions.Panicf("simplego.Minimize: expected a [batch, n] initial guess, got dims %v", x0.dims)
	}
	batch, n := x0.dims[0], x0.dims[1]
	atol := buf(atolB).data
	maxi := make([]int, batch)
	for bi, v := range buf(maxiB).data {
		maxi[bi] = int(v)
	}
	klog.V(1).Infof("simplego.Minimize: method=GD batch=%d n=%d", batch, n)

	s := newBatchState(batch, n)
	x := x0.clone()
	eval := func(candidate *buffer) []float64 {
		_, perBatch := objective(candidate)
		losses := buf(perBatch).data
		for bi := 0; bi < batch; bi++ {
			if s.active[bi] {
				s.funcEvals[bi]++
			}
		}
		return losses
	}
	loss := eval(x)
	step := make([]float64, batch)
	for bi := 0; bi < batch; bi++ {
		step[bi] = gdInitialStep
		if !isFinite(loss[bi]) {
			s.diverged[bi] = true
			s.active[bi] = false
		} else if loss[bi] <= atol[bi] {
			s.converged[bi] = true
			s.active[bi] = false
		}
	}

	lossBuffer := func() *buffer {
		return &buffer{dims: []int{batch}, data: append([]float64(nil), loss...)}
	}
	var trajectory []backends.SolveResult
	record := func() {
		trajectory = append(trajectory, s.result(x, lossBuffer(), "GD", ""))
	}
	if recordTrajectory {
		record()
	}

	grad := newBuffer(batch, n)
	for s.anyActive() {
		// Central-difference gradient, one coordinate at a time across the
		// whole batch (batch elements are independent by definition).
		for j := 0; j < n; j++ {
			probe := x.clone()
			for bi := 0; bi < batch; bi++ {
				probe.row(bi)[j] += diffStep(x.row(bi)[j])
			}
			plus := eval(probe)
			for bi := 0; bi < batch; bi++ {
				probe.row(bi)[j] = x.row(bi)[j] - diffStep(x.row(bi)[j])
			}
			minus := eval(probe)
			for bi := 0; bi < batch; bi++ {
				grad.row(bi)[j] = (plus[bi] - minus[bi]) / (2 * diffStep(x.row(bi)[j]))
			}
		}
		// Per-batch candidate step.
		candidate := x.clone()
		for bi := 0; bi < batch; bi++ {
			if !s.active[bi] {
				continue
			}
			cr, gr := candidate.row(bi), grad.row(bi)
			for j := 0; j < n; j++ {
				cr[j] -= step[bi] * gr[j]
			}
		}
		candidateLoss := eval(candidate)
		for bi := 0; bi < batch; bi++ {
			if !s.active[bi] {
				continue
			}
			switch {
			case !isFinite(candidateLoss[bi]):
				s.diverged[bi] = true
				s.active[bi] = false
			case candidateLoss[bi] < loss[bi]:
				improvement := loss[bi] - candidateLoss[bi]
				copy(x.row(bi), candidate.row(bi))
				loss[bi] = candidateLoss[bi]
				s.iterations[bi]++
				step[bi] *= gdGrowth
				if loss[bi] <= atol[bi] || improvement <= atol[bi] {
					s.converged[bi] = true
					s.active[bi] = false
				} else if s.iterations[bi] >= maxi[bi] {
					s.active[bi] = false
				}
			default:
				step[bi] *= gdShrink
				if step[bi]*maxAbs(grad.row(bi)) < gdMinStep {
					// Stationary: no descent direction at working precision.
					s.converged[bi] = true
					s.active[bi] = false
				}
			}
		}
		if recordTrajectory {
			record()
		}
	}
	if !recordTrajectory {
		record()
	}
	trajectory[len(trajectory)-1].Message = methodMessage("GD", s)
	return trajectory
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func diffStep(v float64) float64 {
	return 1e-6 * math.Max(1, math.Abs(v))
}

func maxAbs(vs []float64) float64 {
	var m float64
	for _, v := range vs {
		if a := math.Abs(v); a > m {
			m = a
		}
	}
	return m
}
