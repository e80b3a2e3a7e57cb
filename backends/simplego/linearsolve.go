package simplego

import (
	"math"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gosolve/gosolve/backends"
)

// LinearSolve solves op(x) = y for each batch element independently, in
// lockstep: one operator application per iteration covers the whole batch,
// and rows that converged, diverged or ran out of budget are frozen.
//
// Supported methods: "auto" (resolves to "CG"), "CG", "biCGstab" and
// "direct" (explicit matrices only).
func (bk *goBackend) LinearSolve(method string, op any, yB, x0B, rtolB, atolB, maxiB backends.Buffer, recordTrajectory bool) []backends.SolveResult {
	y, x0 := buf(yB), buf(x0B)
	if len(y.dims) != 2 || len(x0.dims) != 2 {
		exceptions.Panicf("simplego.LinearSolve: expected [batch, pattern] inputs, got y dims %v, x0 dims %v", y.dims, x0.dims)
	}
	if y.dims[1] != x0.dims[1] {
		exceptions.Panicf("simplego.LinearSolve: only square systems are supported, got %d equations for %d unknowns", y.dims[1], x0.dims[1])
	}
	batch := y.dims[0]
	rtol, atol := buf(rtolB).data, buf(atolB).data
	tol2 := make([]float64, batch)
	for bi := 0; bi < batch; bi++ {
		t := math.Max(rtol[bi]*norm2(y.row(bi)), atol[bi])
		tol2[bi] = t * t
	}
	maxi := make([]int, batch)
	for bi, v := range buf(maxiB).data {
		maxi[bi] = int(v)
	}

	resolved := method
	if resolved == "auto" {
		resolved = "CG"
	}
	klog.V(1).Infof("simplego.LinearSolve: method=%s (requested %s) batch=%d n=%d", resolved, method, batch, y.dims[1])

	apply := func(x *buffer) *buffer {
		return buf(bk.Linear(op, x)).clone()
	}
	switch resolved {
	case "CG":
		return bk.cg(apply, y, x0, tol2, maxi, recordTrajectory, resolved)
	case "biCGstab":
		return bk.bicgstab(apply, y, x0, tol2, maxi, recordTrajectory, resolved)
	case "direct":
		if _, isFn := op.(backends.ApplyFn); isFn {
			exceptions.Panicf("simplego.LinearSolve: method \"direct\" requires an explicit matrix, got a matrix-free operator")
		}
		return bk.direct(buf(op), y, x0, tol2, recordTrajectory)
	}
	exceptions.Panicf("simplego.LinearSolve: unknown method %q", method)
	return nil
}

// negated returns -b, used to report residuals with the op(x) - y convention
// while the methods internally track r = y - op(x).
func negated(b *buffer) *buffer {
	out := newBuffer(b.dims...)
	for ii, v := range b.data {
		out.data[ii] = -v
	}
	return out
}

// freezeOrContinue updates the termination flags for row bi given its current
// squared residual norm, and returns whether the row stays active.
func freezeOrContinue(s *batchState, bi int, x, r []float64, rr, tol2 float64, maxIter int) bool {
	if !allFinite(x) || !allFinite(r) || math.IsNaN(rr) || math.IsInf(rr, 0) {
		s.diverged[bi] = true
		s.active[bi] = false
		return false
	}
	if rr <= tol2 {
		s.converged[bi] = true
		s.active[bi] = false
		return false
	}
	if s.iterations[bi] >= maxIter {
		s.active[bi] = false
		return false
	}
	return true
}

func (bk *goBackend) cg(apply func(*buffer) *buffer, y, x0 *buffer, tol2 []float64, maxi []int, trj bool, method string) []backends.SolveResult {
	batch, n := y.dims[0], y.dims[1]
	s := newBatchState(batch, n)
	x := x0.clone()
	ax := apply(x)
	r := newBuffer(batch, n)
	p := newBuffer(batch, n)
	rr := make([]float64, batch)
	for bi := 0; bi < batch; bi++ {
		for j := 0; j < n; j++ {
			r.row(bi)[j] = y.row(bi)[j] - ax.row(bi)[j]
		}
		copy(p.row(bi), r.row(bi))
		rr[bi] = dot(r.row(bi), r.row(bi))
		s.funcEvals[bi] = 1
		freezeOrContinue(s, bi, x.row(bi), r.row(bi), rr[bi], tol2[bi], maxi[bi])
	}
	var trajectory []backends.SolveResult
	record := func() {
		trajectory = append(trajectory, s.result(x, negated(r), method, ""))
	}
	if trj {
		record()
	}
	for s.anyActive() {
		ap := apply(p)
		for bi := 0; bi < batch; bi++ {
			if !s.active[bi] {
				continue
			}
			xr, rRow, pRow, apRow := x.row(bi), r.row(bi), p.row(bi), ap.row(bi)
			s.funcEvals[bi]++
			s.iterations[bi]++
			pap := dot(pRow, apRow)
			if pap == 0 {
				// Residual is in the null space of the operator; cannot improve.
				s.active[bi] = false
				s.converged[bi] = rr[bi] <= tol2[bi]
				continue
			}
			alpha := rr[bi] / pap
			for j := 0; j < n; j++ {
				xr[j] += alpha * pRow[j]
				rRow[j] -= alpha * apRow[j]
			}
			rr2 := dot(rRow, rRow)
			beta := rr2 / rr[bi]
			for j := 0; j < n; j++ {
				pRow[j] = rRow[j] + beta*pRow[j]
			}
			rr[bi] = rr2
			freezeOrContinue(s, bi, xr, rRow, rr[bi], tol2[bi], maxi[bi])
		}
		if trj {
			record()
		}
	}
	if !trj {
		record()
	}
	trajectory[len(trajectory)-1].Message = methodMessage(method, s)
	return trajectory
}

func (bk *goBackend) bicgstab(apply func(*buffer) *buffer, y, x0 *buffer, tol2 []float64, maxi []int, trj bool, method string) []backends.SolveResult {
	batch, n := y.dims[0], y.dims[1]
	s := newBatchState(batch, n)
	x := x0.clone()
	ax := apply(x)
	r := newBuffer(batch, n)
	rHat := newBuffer(batch, n)
	p := newBuffer(batch, n)
	v := newBuffer(batch, n)
	rho := make([]float64, batch)
	alpha := make([]float64, batch)
	omega := make([]float64, batch)
	rr := make([]float64, batch)
	for bi := 0; bi < batch; bi++ {
		for j := 0; j < n; j++ {
			r.row(bi)[j] = y.row(bi)[j] - ax.row(bi)[j]
		}
		copy(rHat.row(bi), r.row(bi))
		rho[bi], alpha[bi], omega[bi] = 1, 1, 1
		rr[bi] = dot(r.row(bi), r.row(bi))
		s.funcEvals[bi] = 1
		freezeOrContinue(s, bi, x.row(bi), r.row(bi), rr[bi], tol2[bi], maxi[bi])
	}
	var trajectory []backends.SolveResult
	record := func() {
		trajectory = append(trajectory, s.result(x, negated(r), method, ""))
	}
	if trj {
		record()
	}
	sVec := newBuffer(batch, n)
	for s.anyActive() {
		// First operator application of the iteration: v = A p.
		for bi := 0; bi < batch; bi++ {
			if !s.active[bi] {
				continue
			}
			rhoNew := dot(rHat.row(bi), r.row(bi))
			if rhoNew == 0 {
				s.active[bi] = false
				s.converged[bi] = rr[bi] <= tol2[bi]
				continue
			}
			beta := (rhoNew / rho[bi]) * (alpha[bi] / omega[bi])
			rho[bi] = rhoNew
			pRow, rRow, vRow := p.row(bi), r.row(bi), v.row(bi)
			for j := 0; j < n; j++ {
				pRow[j] = rRow[j] + beta*(pRow[j]-omega[bi]*vRow[j])
			}
		}
		vNew := apply(p)
		for bi := 0; bi < batch; bi++ {
			if !s.active[bi] {
				continue
			}
			copy(v.row(bi), vNew.row(bi))
			s.funcEvals[bi]++
			denom := dot(rHat.row(bi), v.row(bi))
			if denom == 0 {
				s.diverged[bi] = true
				s.active[bi] = false
				continue
			}
			alpha[bi] = rho[bi] / denom
			sRow, rRow, vRow := sVec.row(bi), r.row(bi), v.row(bi)
			for j := 0; j < n; j++ {
				sRow[j] = rRow[j] - alpha[bi]*vRow[j]
			}
		}
		// Second operator application: t = A s.
		tVec := apply(sVec)
		for bi := 0; bi < batch; bi++ {
			if !s.active[bi] {
				continue
			}
			s.funcEvals[bi]++
			s.iterations[bi]++
			tRow, sRow, xr, rRow, pRow := tVec.row(bi), sVec.row(bi), x.row(bi), r.row(bi), p.row(bi)
			tt := dot(tRow, tRow)
			if tt == 0 {
				omega[bi] = 0
			} else {
				omega[bi] = dot(tRow, sRow) / tt
			}
			for j := 0; j < n; j++ {
				xr[j] += alpha[bi]*pRow[j] + omega[bi]*sRow[j]
				rRow[j] = sRow[j] - omega[bi]*tRow[j]
			}
			rr[bi] = dot(rRow, rRow)
			if freezeOrContinue(s, bi, xr, rRow, rr[bi], tol2[bi], maxi[bi]) && omega[bi] == 0 {
				s.diverged[bi] = true
				s.active[bi] = false
			}
		}
		if trj {
			record()
		}
	}
	if !trj {
		record()
	}
	trajectory[len(trajectory)-1].Message = methodMessage(method, s)
	return trajectory
}

// direct solves with Gaussian elimination and partial pivoting, one batch row
// at a time. A vanishing pivot marks the row diverged (singular system).
func (bk *goBackend) direct(m, y, x0 *buffer, tol2 []float64, trj bool) []backends.SolveResult {
	batch, n := y.dims[0], y.dims[1]
	if len(m.dims) != 2 || m.dims[0] != n || m.dims[1] != n {
		exceptions.Panicf(`simplego.LinearSolve: method "direct" requires a square [%d, %d] matrix, got dims %v`, n, n, m.dims)
	}
	s := newBatchState(batch, n)
	x := x0.clone()
	var trajectory []backends.SolveResult
	if trj {
		ax0 := bk.matVec(m, x0)
		r0 := newBuffer(batch, n)
		for bi := 0; bi < batch; bi++ {
			for j := 0; j < n; j++ {
				r0.row(bi)[j] = ax0.row(bi)[j] - y.row(bi)[j]
			}
			s.funcEvals[bi] = 1
		}
		trajectory = append(trajectory, s.result(x0, r0, "direct", ""))
	}
	for bi := 0; bi < batch; bi++ {
		s.iterations[bi] = 1
		s.funcEvals[bi]++
		s.active[bi] = false
		// Augmented copy [A | y].
		aug := make([][]float64, n)
		for i := 0; i < n; i++ {
			aug[i] = append(append([]float64(nil), m.data[i*n:(i+1)*n]...), y.row(bi)[i])
		}
		singular := false
		for col := 0; col < n && !singular; col++ {
			pivot := col
			for i := col + 1; i < n; i++ {
				if math.Abs(aug[i][col]) > math.Abs(aug[pivot][col]) {
					pivot = i
				}
			}
			aug[col], aug[pivot] = aug[pivot], aug[col]
			if aug[col][col] == 0 {
				singular = true
				break
			}
			for i := col + 1; i < n; i++ {
				f := aug[i][col] / aug[col][col]
				for j := col; j <= n; j++ {
					aug[i][j] -= f * aug[col][j]
				}
			}
		}
		if singular {
			s.diverged[bi] = true
			continue
		}
		xr := x.row(bi)
		for i := n - 1; i >= 0; i-- {
			sum := aug[i][n]
			for j := i + 1; j < n; j++ {
				sum -= aug[i][j] * xr[j]
			}
			xr[i] = sum / aug[i][i]
		}
		if !allFinite(xr) {
			s.diverged[bi] = true
		}
	}
	ax := bk.matVec(m, x)
	r := newBuffer(batch, n)
	for bi := 0; bi < batch; bi++ {
		rr := 0.0
		for j := 0; j < n; j++ {
			rj := ax.row(bi)[j] - y.row(bi)[j]
			r.row(bi)[j] = rj
			rr += rj * rj
		}
		s.converged[bi] = !s.diverged[bi] && rr <= tol2[bi]
	}
	trajectory = append(trajectory, s.result(x, r, "direct", methodMessage("direct", s)))
	return trajectory
}
