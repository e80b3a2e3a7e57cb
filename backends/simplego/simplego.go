// Package simplego implements a simple, portable pure-Go solver backend.
//
// It is not fast, but it has no external dependencies and implements the
// method identifiers common to all backends: "auto", "CG", "biCGstab" and
// "direct" for linear solves, and the adaptive-step gradient descent "GD"
// for minimization. It serves the same role relative to accelerated backends
// that a reference implementation serves relative to optimized ones: a
// baseline that always works.
package simplego

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"

	"github.com/gosolve/gosolve/backends"
)

// BackendName to be used in GOSOLVE_BACKEND to specify this backend.
const BackendName = "go"

// Registers New() as the constructor for the "go" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new simplego Backend.
// There are no configurations, the string is simply ignored.
func New(_ string) backends.Backend {
	return &goBackend{}
}

type goBackend struct{}

// buffer is the native Buffer of this backend: dense row-major float64.
type buffer struct {
	dims []int
	data []float64
}

func (b *buffer) size() int {
	size := 1
	for _, d := range b.dims {
		size *= d
	}
	return size
}

func newBuffer(dims ...int) *buffer {
	b := &buffer{dims: dims}
	b.data = make([]float64, b.size())
	return b
}

func (b *buffer) clone() *buffer {
	c := &buffer{dims: append([]int(nil), b.dims...)}
	c.data = append([]float64(nil), b.data...)
	return c
}

func buf(b backends.Buffer) *buffer {
	bb, ok := b.(*buffer)
	if !ok {
		exceptions.Panicf("simplego: buffer of type %T does not belong to this backend", b)
	}
	return bb
}

// rows interprets a buffer as [batch, n] and returns row bi.
func (b *buffer) row(bi int) []float64 {
	n := b.dims[len(b.dims)-1]
	return b.data[bi*n : (bi+1)*n]
}

func (*goBackend) Name() string { return BackendName }

func (*goBackend) Description() string {
	return "simplego: a portable pure-Go solver backend (CG, biCGstab, direct, GD)"
}

func (*goBackend) Supports(c backends.Capability) bool {
	switch c {
	case backends.CapabilityMinimize, backends.CapabilityLinearSolve, backends.CapabilityMatrixSolve:
		return true
	}
	return false
}

func (*goBackend) AsTensor(data []float64, dims []int) backends.Buffer {
	b := &buffer{dims: append([]int(nil), dims...)}
	b.data = append([]float64(nil), data...)
	if len(b.data) != b.size() {
		exceptions.Panicf("simplego.AsTensor: %d values for dims %v", len(data), dims)
	}
	return b
}

func (*goBackend) Flat(b backends.Buffer) []float64 {
	return append([]float64(nil), buf(b).data...)
}

func (*goBackend) Dims(b backends.Buffer) []int {
	return append([]int(nil), buf(b).dims...)
}

func (*goBackend) Concat(bufs []backends.Buffer, axis int) backends.Buffer {
	if len(bufs) == 0 {
		exceptions.Panicf("simplego.Concat: no buffers")
	}
	first := buf(bufs[0])
	rank := len(first.dims)
	if axis < 0 {
		axis += rank
	}
	if axis != rank-1 {
		exceptions.Panicf("simplego.Concat: only last-axis concatenation is supported, got axis %d of rank %d", axis, rank)
	}
	outer := 1
	for _, d := range first.dims[:rank-1] {
		outer *= d
	}
	widths := make([]int, len(bufs))
	total := 0
	for ii, bb := range bufs {
		widths[ii] = buf(bb).dims[rank-1]
		total += widths[ii]
	}
	dims := append([]int(nil), first.dims...)
	dims[rank-1] = total
	out := newBuffer(dims...)
	for o := 0; o < outer; o++ {
		at := o * total
		for ii, bb := range bufs {
			w := widths[ii]
			copy(out.data[at:at+w], buf(bb).data[o*w:(o+1)*w])
			at += w
		}
	}
	return out
}

func (*goBackend) Sub(a, b backends.Buffer) backends.Buffer {
	aa, bb := buf(a), buf(b)
	if aa.size() != bb.size() {
		exceptions.Panicf("simplego.Sub: mismatched buffer sizes %v vs %v", aa.dims, bb.dims)
	}
	out := &buffer{dims: append([]int(nil), aa.dims...)}
	out.data = make([]float64, len(aa.data))
	for ii := range out.data {
		out.data[ii] = aa.data[ii] - bb.data[ii]
	}
	return out
}

func (*goBackend) Tile(b backends.Buffer, multiples []int) backends.Buffer {
	bb := buf(b)
	if len(multiples) != len(bb.dims) {
		exceptions.Panicf("simplego.Tile: %d multiples for rank %d", len(multiples), len(bb.dims))
	}
	cur := bb
	for axis := len(bb.dims) - 1; axis >= 0; axis-- {
		m := multiples[axis]
		if m == 1 {
			continue
		}
		dims := append([]int(nil), cur.dims...)
		dims[axis] *= m
		out := newBuffer(dims...)
		inner := 1
		for _, d := range cur.dims[axis:] {
			inner *= d
		}
		outer := cur.size() / inner
		for o := 0; o < outer; o++ {
			src := cur.data[o*inner : (o+1)*inner]
			for r := 0; r < m; r++ {
				copy(out.data[(o*m+r)*inner:(o*m+r+1)*inner], src)
			}
		}
		cur = out
	}
	return cur
}

// Linear applies a linear operator (matrix buffer or ApplyFn) to x.
func (bk *goBackend) Linear(op any, x backends.Buffer) backends.Buffer {
	switch opT := op.(type) {
	case backends.ApplyFn:
		return opT(x, -1)
	case backends.Buffer:
		return bk.matVec(buf(opT), buf(x))
	}
	exceptions.Panicf("simplego.Linear: unsupported operator type %T", op)
	return nil
}

// matVec computes y[bi] = M·x[bi] for a [nOut, nIn] matrix and [batch, nIn]
// input.
func (*goBackend) matVec(m, x *buffer) *buffer {
	if len(m.dims) != 2 {
		exceptions.Panicf("simplego: expected a rank-2 matrix, got dims %v", m.dims)
	}
	nOut, nIn := m.dims[0], m.dims[1]
	batch := x.dims[0]
	if x.dims[len(x.dims)-1] != nIn {
		exceptions.Panicf("simplego: matrix %v incompatible with input dims %v", m.dims, x.dims)
	}
	y := newBuffer(batch, nOut)
	for bi := 0; bi < batch; bi++ {
		xRow, yRow := x.row(bi), y.row(bi)
		for i := 0; i < nOut; i++ {
			var sum float64
			mRow := m.data[i*nIn : (i+1)*nIn]
			for j, mv := range mRow {
				sum += mv * xRow[j]
			}
			yRow[i] = sum
		}
	}
	return y
}

func (*goBackend) Finalize() {}

func allFinite(vs []float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func boolsToFloats(bs []bool) []float64 {
	out := make([]float64, len(bs))
	for ii, b := range bs {
		if b {
			out[ii] = 1
		}
	}
	return out
}

func intsToFloats(is []int) []float64 {
	out := make([]float64, len(is))
	for ii, v := range is {
		out[ii] = float64(v)
	}
	return out
}

func dot(a, b []float64) float64 {
	var sum float64
	for ii, v := range a {
		sum += v * b[ii]
	}
	return sum
}

func norm2(a []float64) float64 { return math.Sqrt(dot(a, a)) }

// batchState is the shared bookkeeping of the iterative methods: per-batch
// iteration counts, evaluation counts and termination flags.
type batchState struct {
	batch, n   int
	iterations []int
	funcEvals  []int
	converged  []bool
	diverged   []bool
	active     []bool
}

func newBatchState(batch, n int) *batchState {
	s := &batchState{
		batch:      batch,
		n:          n,
		iterations: make([]int, batch),
		funcEvals:  make([]int, batch),
		converged:  make([]bool, batch),
		diverged:   make([]bool, batch),
		active:     make([]bool, batch),
	}
	for bi := range s.active {
		s.active[bi] = true
	}
	return s
}

func (s *batchState) anyActive() bool {
	for _, a := range s.active {
		if a {
			return true
		}
	}
	return false
}

// result snapshots the current state into a SolveResult. x and residual are
// copied so later iterations don't mutate recorded trajectories.
func (s *batchState) result(x, residual *buffer, method, msg string) backends.SolveResult {
	res := backends.SolveResult{
		X:                   x.clone(),
		Iterations:          &buffer{dims: []int{s.batch}, data: intsToFloats(s.iterations)},
		FunctionEvaluations: &buffer{dims: []int{s.batch}, data: intsToFloats(s.funcEvals)},
		Converged:           &buffer{dims: []int{s.batch}, data: boolsToFloats(s.converged)},
		Diverged:            &buffer{dims: []int{s.batch}, data: boolsToFloats(s.diverged)},
		Method:              method,
		Message:             msg,
	}
	if residual != nil {
		res.Residual = residual.clone()
	}
	return res
}

func methodMessage(method string, s *batchState) string {
	nConv := 0
	for _, c := range s.converged {
		if c {
			nConv++
		}
	}
	return fmt.Sprintf("%s: %d of %d batch elements converged", method, nConv, s.batch)
}
