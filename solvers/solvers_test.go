package solvers_test

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/gosolve/gosolve/backends/simplego"
	"github.com/gosolve/gosolve/solvers"
	"github.com/gosolve/gosolve/types/dtypes"
	"github.com/gosolve/gosolve/types/shapes"
	"github.com/gosolve/gosolve/types/tensors"
)

// useGoBackend points the dispatcher at a fresh reference backend and
// restores the previous one when the test finishes.
func useGoBackend(t *testing.T) {
	previous := solvers.SetBackend(simplego.New(""))
	t.Cleanup(func() { solvers.SetBackend(previous) })
}

// double is the matrix-free operator f(x) = 2x.
func double(x any, _ ...any) any {
	return tensors.MapTree(x, func(t *tensors.Tensor) *tensors.Tensor { return t.Scale(2) })
}

// applySPD is the matrix-free operator for A = [[4, 1], [1, 3]].
func applySPD(x any, _ ...any) any {
	xt := x.(*tensors.Tensor)
	d := xt.Data()
	return tensors.FromFlat(dtypes.Float64, []float64{4*d[0] + d[1], d[0] + 3*d[1]}, xt.Shape())
}

func vecX(values ...float64) *tensors.Tensor {
	return tensors.Vector(shapes.Pattern("x", len(values)), values...)
}

func TestSolveLinearMatrixFree(t *testing.T) {
	useGoBackend(t)
	solve := solvers.NewSolve("CG", 0, 1e-9).InitialGuess(vecX(0, 0))
	tape := solvers.NewSolveTape(false)
	var x any
	tape.Scope(func() {
		x = solvers.SolveLinear(solvers.LinearFn(double), vecX(4, 6), solve)
	})
	require.Equal(t, []float64{2, 3}, x.(*tensors.Tensor).Data())

	info := tape.ForSolve(solve)
	require.Equal(t, "CG", info.Method)
	require.True(t, info.Converged.All())
	require.False(t, info.Diverged.Any())
	require.Equal(t, 1.0, info.Iterations.Value())
	require.Contains(t, info.Msg, "converged")
	require.NotNil(t, info.Residual)
	require.True(t, tensors.TreesEqual(info.X, x))
}

func TestSolveLinearBatched(t *testing.T) {
	useGoBackend(t)
	// Two right-hand sides against the same operator; the initial guess has
	// no batch dimension and broadcasts.
	y := tensors.FromFlat(dtypes.Float64, []float64{4, 6, 8, 10},
		shapes.Make(shapes.Batch("b", 2), shapes.Pattern("x", 2)))
	solve := solvers.NewSolve("CG", 0, 1e-9).InitialGuess(vecX(0, 0))
	x := solvers.SolveLinear(solvers.LinearFn(double), y, solve).(*tensors.Tensor)
	require.Equal(t, []string{"b", "x"}, x.Shape().Names())
	require.Equal(t, []float64{2, 3, 4, 5}, x.Data())
}

func TestSolveLinearExplicitMatrix(t *testing.T) {
	useGoBackend(t)
	matrix := tensors.FromFlat(dtypes.Float64, []float64{0, 2, 3, 0},
		shapes.Make(shapes.Pattern("x", 2), shapes.Dual("xin", 2)))
	f := solvers.NewMatrixFunction(matrix, nil)
	solve := solvers.NewSolve("direct", 0, 1e-12).
		InitialGuess(tensors.Zeros(dtypes.Float64, shapes.Make(shapes.Pattern("xin", 2))))
	tape := solvers.NewSolveTape(false)
	var x any
	tape.Scope(func() {
		x = solvers.SolveLinear(f, vecX(4, 9), solve)
	})
	require.Equal(t, []float64{3, 2}, x.(*tensors.Tensor).Data())
	require.Equal(t, "direct", tape.ForSolve(solve).Method)
}

func TestSolveLinearMatrixWithBias(t *testing.T) {
	useGoBackend(t)
	// f(x) = 2x + 1: the solve runs against y - bias.
	matrix := tensors.FromFlat(dtypes.Float64, []float64{2, 0, 0, 2},
		shapes.Make(shapes.Pattern("x", 2), shapes.Dual("xin", 2)))
	bias := vecX(1, 1)
	f := solvers.NewMatrixFunction(matrix, bias)
	solve := solvers.NewSolve("CG", 0, 1e-9).
		InitialGuess(tensors.Zeros(dtypes.Float64, shapes.Make(shapes.Pattern("xin", 2))))
	x := solvers.SolveLinear(f, vecX(5, 7), solve).(*tensors.Tensor)
	require.InDelta(t, 2.0, x.Data()[0], 1e-8)
	require.InDelta(t, 3.0, x.Data()[1], 1e-8)

	// Apply reproduces matrix·x + bias for the matrix-free fallback; the
	// input carries the matrix's dual dimension.
	applied := f.Apply(tensors.FromFlat(dtypes.Float64, []float64{2, 3},
		shapes.Make(shapes.Pattern("xin", 2)))).(*tensors.Tensor)
	require.Equal(t, []float64{5, 7}, applied.Data())
}

func TestMinimize(t *testing.T) {
	useGoBackend(t)
	target := tensors.Scalar(dtypes.Float64, 3)
	f := func(x any) any {
		return tensors.L2Loss(tensors.SubTrees(x, target))
	}
	solve := solvers.NewSolve("GD", 0, 1e-10).InitialGuess(tensors.Scalar(dtypes.Float64, 0))
	tape := solvers.NewSolveTape(false)
	var x any
	tape.Scope(func() {
		x = solvers.Minimize(f, solve)
	})
	require.InDelta(t, 3.0, x.(*tensors.Tensor).Value(), 1e-6)

	info := tape.ForSolve(solve)
	require.True(t, info.Converged.All())
	require.Equal(t, "GD", info.Method)
	require.NotNil(t, info.FunctionEvaluations)
	require.Greater(t, info.FunctionEvaluations.Value(), 0.0)
}

func TestMinimizeMultiComponent(t *testing.T) {
	useGoBackend(t)
	// A structured unknown with components of different widths sharing one
	// batch dimension: the flat representation interleaves per batch row.
	target := map[string]*tensors.Tensor{
		"pressure": tensors.Vector(shapes.Batch("b", 2), 2.0, -1.0),
		"velocity": tensors.FromFlat(dtypes.Float64, []float64{0.5, 1.5, -0.5, 2},
			shapes.Make(shapes.Batch("b", 2), shapes.Pattern("x", 2))),
	}
	f := func(x any) any {
		return tensors.L2Loss(tensors.SubTrees(x, target))
	}
	solve := solvers.NewSolve("GD", 0, 1e-9).InitialGuess(tensors.OnesLike(target))
	x := solvers.Minimize(f, solve).(map[string]*tensors.Tensor)

	require.Equal(t, []string{"b"}, x["pressure"].Shape().Names())
	require.Equal(t, []string{"b", "x"}, x["velocity"].Shape().Names())
	for i, want := range []float64{2, -1} {
		require.InDelta(t, want, x["pressure"].Data()[i], 1e-3)
	}
	for i, want := range []float64{0.5, 1.5, -0.5, 2} {
		require.InDelta(t, want, x["velocity"].Data()[i], 1e-3)
	}
}

func TestMinimizeValidation(t *testing.T) {
	useGoBackend(t)
	f := func(x any) any { return tensors.L2Loss(x) }

	// Relative tolerances are a linear-solve concept.
	err := exceptions.TryCatch[error](func() {
		solvers.Minimize(f, solvers.NewSolve("GD", 1e-3, 1e-9).InitialGuess(tensors.Scalar(dtypes.Float64, 0)))
	})
	require.ErrorContains(t, err, "relative tolerance")

	// No initial guess.
	err = exceptions.TryCatch[error](func() {
		solvers.Minimize(f, solvers.NewSolve("GD", 0, 1e-9))
	})
	require.ErrorContains(t, err, "initial guess")

	// Non-scalar objective output.
	vecLoss := func(x any) any { return x }
	err = exceptions.TryCatch[error](func() {
		solvers.Minimize(vecLoss, solvers.NewSolve("GD", 0, 1e-9).InitialGuess(vecX(1, 2)))
	})
	require.ErrorContains(t, err, "non-scalar")
}

func TestSolveNonlinear(t *testing.T) {
	useGoBackend(t)
	y := tensors.Scalar(dtypes.Float64, 8)
	solve := solvers.NewSolve("GD", 1e-3, 0).InitialGuess(tensors.Scalar(dtypes.Float64, 0))
	tape := solvers.NewSolveTape(false)
	var x any
	tape.Scope(func() {
		x = solvers.SolveNonlinear(func(x any) any { return double(x) }, y, solve)
	})
	require.InDelta(t, 4.0, x.(*tensors.Tensor).Value(), 0.2)

	// The reduction to minimization records under the original solve identity.
	info := tape.ForSolve(solve)
	require.True(t, info.Converged.All())
}

func TestSolveNonlinearPreprocessY(t *testing.T) {
	useGoBackend(t)
	shift := func(y any, args ...any) any {
		return tensors.MapTree(y, func(t *tensors.Tensor) *tensors.Tensor {
			return t.Add(args[0].(*tensors.Tensor))
		})
	}
	// y is preprocessed to 8 before solving 2x = y.
	solve := solvers.NewSolve("GD", 1e-3, 0).
		InitialGuess(tensors.Scalar(dtypes.Float64, 0)).
		PreprocessY(shift, tensors.Scalar(dtypes.Float64, 2))
	x := solvers.SolveNonlinear(func(x any) any { return double(x) }, tensors.Scalar(dtypes.Float64, 6), solve)
	require.InDelta(t, 4.0, x.(*tensors.Tensor).Value(), 0.2)
}

func TestNotConvergedRaises(t *testing.T) {
	useGoBackend(t)
	solve := solvers.NewSolve("CG", 0, 1e-12).MaxIterations(1).InitialGuess(vecX(0, 0))
	err := exceptions.TryCatch[error](func() {
		solvers.SolveLinear(solvers.LinearFn(applySPD), vecX(1, 2), solve)
	})
	require.Error(t, err)
	var convErr *solvers.ConvergenceErr
	require.True(t, errors.As(err, &convErr))
	require.Equal(t, solvers.NotConverged, convErr.Kind)
	// The failure carries the partial iterate.
	partial := convErr.Info.X.(*tensors.Tensor)
	require.InDelta(t, 0.25, partial.Data()[0], 1e-8)
	require.InDelta(t, 0.5, partial.Data()[1], 1e-8)
}

func TestNotConvergedSuppressed(t *testing.T) {
	useGoBackend(t)
	solve := solvers.NewSolve("CG", 0, 1e-12).MaxIterations(1).
		InitialGuess(vecX(0, 0)).
		Suppress(solvers.NotConverged)
	x := solvers.SolveLinear(solvers.LinearFn(applySPD), vecX(1, 2), solve).(*tensors.Tensor)
	require.InDelta(t, 0.25, x.Data()[0], 1e-8)
	require.InDelta(t, 0.5, x.Data()[1], 1e-8)
}

func TestSuppressValidation(t *testing.T) {
	err := exceptions.TryCatch[error](func() {
		solvers.NewSolve("CG", 0, 1e-9).Suppress(solvers.FailureKind(42))
	})
	require.ErrorContains(t, err, "unknown failure kind")
}

func TestNestedTapesAndSnapshot(t *testing.T) {
	useGoBackend(t)
	solve := solvers.NewSolve("CG", 0, 1e-10).InitialGuess(vecX(0, 0))
	outer := solvers.NewSolveTape(false)
	inner := solvers.NewSolveTape(true)
	var x any
	outer.Scope(func() {
		inner.Scope(func() {
			x = solvers.SolveLinear(solvers.LinearFn(applySPD), vecX(1, 2), solve)
		})
	})
	require.Equal(t, 1, outer.Len())
	require.Equal(t, 1, inner.Len())

	trajectory := inner.Get(0)
	xt := trajectory.X.(*tensors.Tensor)
	require.True(t, xt.HasDim(shapes.TrajectoryName))
	steps := xt.Shape().Dim(shapes.TrajectoryName).Size
	require.GreaterOrEqual(t, steps, 2)
	// The first trajectory entry is the initial guess.
	require.Equal(t, []float64{0, 0}, xt.IndexDim(shapes.TrajectoryName, 0).Data())

	// The snapshot-mode tape holds the final state of the same solve.
	final := outer.Get(0)
	require.False(t, final.X.(*tensors.Tensor).HasDim(shapes.TrajectoryName))
	require.True(t, tensors.TreesEqual(final.X, trajectory.Snapshot(-1).X))
	require.True(t, tensors.TreesEqual(final.X, x))
	require.True(t, final.Iterations.Equal(trajectory.Iterations))
}

func TestTapeDuplicateWarning(t *testing.T) {
	useGoBackend(t)
	solve := solvers.NewSolve("CG", 0, 1e-9).InitialGuess(vecX(0, 0))
	tape := solvers.NewSolveTape(false)
	tape.Scope(func() {
		solvers.SolveLinear(solvers.LinearFn(double), vecX(4, 6), solve)
		solvers.SolveLinear(solvers.LinearFn(double), vecX(8, 10), solve)
	})
	require.Equal(t, 2, tape.Len())
	require.Len(t, tape.Warnings(), 1)
	require.Contains(t, tape.Warnings()[0], "two results for the same solve settings")
	// Keyed lookup resolves to the first recording.
	require.Equal(t, []float64{2, 3}, tape.ForSolve(solve).X.(*tensors.Tensor).Data())
	require.Equal(t, []float64{4, 5}, tape.Get(1).X.(*tensors.Tensor).Data())
}

func TestTapeForSolveMissing(t *testing.T) {
	tape := solvers.NewSolveTape(false)
	never := solvers.NewSolve("CG", 0, 1e-9)
	require.Panics(t, func() { tape.ForSolve(never) })
}

func TestSolveEqualIgnoresIdentity(t *testing.T) {
	a := solvers.NewSolve("CG", 0, 1e-9).MaxIterations(50).InitialGuess(vecX(0, 0))
	b := solvers.NewSolve("CG", 0, 1e-9).MaxIterations(50).InitialGuess(vecX(0, 0))
	require.True(t, a.Equal(b))
	require.NotEqual(t, a.ID(), b.ID())

	require.False(t, a.Equal(solvers.NewSolve("CG", 0, 1e-6).MaxIterations(50).InitialGuess(vecX(0, 0))))
	require.False(t, a.Equal(solvers.NewSolve("biCGstab", 0, 1e-9).MaxIterations(50).InitialGuess(vecX(0, 0))))
	require.False(t, a.Equal(b.InitialGuess(vecX(1, 1))))

	// Preprocess hooks compare by code pointer: closures minted from the
	// same literal are one hook, a different literal is a different hook.
	mkScale := func(factor float64) solvers.PreprocessFn {
		return func(y any, _ ...any) any {
			return tensors.MapTree(y, func(v *tensors.Tensor) *tensors.Tensor { return v.Scale(factor) })
		}
	}
	require.True(t, a.PreprocessY(mkScale(2)).Equal(b.PreprocessY(mkScale(3))))
	other := func(y any, _ ...any) any { return y }
	require.False(t, a.PreprocessY(mkScale(2)).Equal(b.PreprocessY(other)))
}

func TestGradientSolveDefaults(t *testing.T) {
	s := solvers.NewSolve("CG", 0, 1e-9).MaxIterations(7).Suppress(solvers.NotConverged)
	gs := s.GradientSolve()
	require.Same(t, gs, s.GradientSolve()) // cached
	require.NotEqual(t, s.ID(), gs.ID())
	require.Equal(t, "CG", gs.Method())
	require.True(t, gs.MaxIterationsTensor().Equal(s.MaxIterationsTensor()))
	require.True(t, gs.Suppressed(solvers.NotConverged))
	require.Nil(t, gs.X0())

	// An explicit gradient solve wins over the lazy duplicate.
	custom := solvers.NewSolve("biCGstab", 0, 1e-6)
	s2 := solvers.NewSolve("CG", 0, 1e-9).WithGradientSolve(custom)
	require.Same(t, custom, s2.GradientSolve())
}

func TestSolveLinearVJP(t *testing.T) {
	useGoBackend(t)
	// f(x) = diag(2, 4) x. The pullback solves the same system against dx.
	diag := solvers.LinearFn(func(x any, _ ...any) any {
		xt := x.(*tensors.Tensor)
		d := xt.Data()
		return tensors.FromFlat(dtypes.Float64, []float64{2 * d[0], 4 * d[1]}, xt.Shape())
	})
	solve := solvers.NewSolve("CG", 0, 1e-12).InitialGuess(vecX(0, 0))
	x, pullback := solvers.SolveLinearVJP(diag, vecX(2, 4), solve)
	require.InDelta(t, 1.0, x.(*tensors.Tensor).Data()[0], 1e-8)
	require.InDelta(t, 1.0, x.(*tensors.Tensor).Data()[1], 1e-8)

	dy := pullback(vecX(1, 0)).(*tensors.Tensor)
	require.InDelta(t, 0.5, dy.Data()[0], 1e-8)
	require.InDelta(t, 0.0, dy.Data()[1], 1e-8)

	// Numerically: d x_i / d y_j of x = A^{-1} y is A^{-1}[i, j]; a second
	// pullback direction reads the other column.
	dy2 := pullback(vecX(0, 1)).(*tensors.Tensor)
	require.InDelta(t, 0.0, dy2.Data()[0], 1e-8)
	require.InDelta(t, 0.25, dy2.Data()[1], 1e-8)

	// Finite-difference cross-check of d x_0 / d y_0.
	const eps = 1e-6
	perturbed := solvers.SolveLinear(diag, vecX(2+eps, 4),
		solvers.NewSolve("CG", 0, 1e-12).InitialGuess(vecX(0, 0))).(*tensors.Tensor)
	fd := (perturbed.Data()[0] - x.(*tensors.Tensor).Data()[0]) / eps
	require.InDelta(t, dy.Data()[0], fd, 1e-4)
}

func TestSolveLinearVJPMatrixPath(t *testing.T) {
	useGoBackend(t)
	matrix := tensors.FromFlat(dtypes.Float64, []float64{4, 1, 1, 3},
		shapes.Make(shapes.Pattern("x", 2), shapes.Dual("xin", 2)))
	f := solvers.NewMatrixFunction(matrix, nil)
	solve := solvers.NewSolve("direct", 0, 1e-12).
		InitialGuess(tensors.Zeros(dtypes.Float64, shapes.Make(shapes.Pattern("xin", 2))))
	x, pullback := solvers.SolveLinearVJP(f, vecX(1, 2), solve)
	xt := x.(*tensors.Tensor)
	require.InDelta(t, 1.0/11.0, xt.Data()[0], 1e-10)
	require.InDelta(t, 7.0/11.0, xt.Data()[1], 1e-10)

	// A^{-1} = [[3, -1], [-1, 4]] / 11; the pullback reuses the same matrix.
	dy := pullback(vecX(1, 0)).(*tensors.Tensor)
	require.InDelta(t, 3.0/11.0, dy.Data()[0], 1e-10)
	require.InDelta(t, -1.0/11.0, dy.Data()[1], 1e-10)
}
