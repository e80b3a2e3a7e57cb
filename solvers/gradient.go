package solvers

import (
	"github.com/gosolve/gosolve/types/dtypes"
	"github.com/gosolve/gosolve/types/shapes"
	"github.com/gosolve/gosolve/types/tensors"
)

// attachGradientSolve wraps a forward linear solve so the whole
// multi-iteration solve behaves as a single differentiable primitive: the
// forward pass runs normally, and the returned pullback performs a second,
// adjoint linear solve instead of differentiating through the solver
// iterations.
//
// Given the upstream gradient dx with respect to the solution, the pullback
// re-runs the same solve kind -- the forward closure captures the operator,
// so a matrix solve reuses the same matrix -- against dx under the gradient
// spec, marked as a backward-pass invocation. The result is the gradient
// with respect to the right-hand side. Gradients with respect to other
// captured arguments compose through the adjoint solve itself, so recursive
// application yields higher-order gradients.
func attachGradientSolve(forward func(y any, s *Solve, isBackprop bool) any, y any, solve *Solve) (any, Pullback) {
	x := forward(y, solve, false)
	pullback := func(dx any) any {
		gradSolve := solve.GradientSolve()
		x0 := gradSolve.X0()
		if x0 == nil {
			x0 = tensors.ZerosLike(solve.X0())
		}
		gs := gradSolve.copyWith(func(c *Solve) { c.x0 = x0 })
		return forward(dx, gs, true)
	}
	return x, pullback
}

// matrixFunction is the ready-made LinearFunction over an explicit matrix
// plus optional constant bias: f(x) = matrix·x + bias.
type matrixFunction struct {
	matrix *tensors.Tensor
	bias   any
}

// NewMatrixFunction builds a LinearFunction from an explicit matrix and an
// optional bias (nil for purely linear). The matrix's dual dimensions name
// the input pattern dimensions and its non-dual dimensions the output ones.
func NewMatrixFunction(matrix *tensors.Tensor, bias any) LinearFunction {
	return &matrixFunction{matrix: matrix, bias: bias}
}

// Apply evaluates matrix·x + bias in tensor space, matching the matrix's
// dual dimensions against x by name.
func (m *matrixFunction) Apply(x any, _ ...any) any {
	xRebuild, xT := singleTensor(x, "matrix function input")
	xT = xT.ToFloat()
	dual := m.matrix.Shape().Dual()
	nonDual := m.matrix.Shape().NonDual()
	batch := xT.Shape().Without(dual)
	mData, mDims := tensors.ReshapedNative(m.matrix.ToFloat(), []shapes.Shape{nonDual, dual}, true)
	xData, xDims := tensors.ReshapedNative(xT, []shapes.Shape{batch, dual}, true)
	nOut, nIn := mDims[0], mDims[1]
	out := make([]float64, xDims[0]*nOut)
	for bi := 0; bi < xDims[0]; bi++ {
		xRow := xData[bi*nIn : (bi+1)*nIn]
		for i := 0; i < nOut; i++ {
			var sum float64
			for j, mv := range mData[i*nIn : (i+1)*nIn] {
				sum += mv * xRow[j]
			}
			out[bi*nOut+i] = sum
		}
	}
	outT := tensors.ReshapedTensor(dtypes.Float64, out, []shapes.Shape{batch, nonDual})
	if m.bias != nil {
		_, biasT := singleTensor(m.bias, "matrix function bias")
		outT = outT.Add(biasT.ToFloat())
	}
	return xRebuild([]*tensors.Tensor{outT})
}

// MatrixAndBias implements LinearFunction.
func (m *matrixFunction) MatrixAndBias(_ any, _ ...any) (*tensors.Tensor, any) {
	return m.matrix, m.bias
}
