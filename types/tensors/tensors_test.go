package tensors_test

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/require"

	"github.com/gosolve/gosolve/types/dtypes"
	"github.com/gosolve/gosolve/types/shapes"
	"github.com/gosolve/gosolve/types/tensors"
)

func TestWrap(t *testing.T) {
	require.Equal(t, dtypes.Float64, tensors.Wrap(1.5).DType())
	require.Equal(t, dtypes.Int32, tensors.Wrap(3).DType())
	require.Equal(t, dtypes.Bool, tensors.Wrap(true).DType())
	require.Equal(t, 1.5, tensors.Wrap(1.5).Value())

	existing := tensors.Vector(shapes.Pattern("x", 2), 1.0, 2.0)
	require.Same(t, existing, tensors.Wrap(existing))

	err := exceptions.TryCatch[error](func() { tensors.Wrap("nope") })
	require.Error(t, err)
}

func TestQuantization(t *testing.T) {
	// Float16 cannot represent 1/3 exactly; Float64 keeps it.
	v := 1.0 / 3.0
	f16 := tensors.Scalar(dtypes.Float16, v)
	require.NotEqual(t, v, f16.Value())
	require.InDelta(t, v, f16.Value(), 1e-3)
	require.Equal(t, v, tensors.Scalar(dtypes.Float64, v).Value())
	require.Equal(t, 2.0, tensors.Scalar(dtypes.Int32, 2.7).Value())
}

func TestBroadcastBinaryOps(t *testing.T) {
	a := tensors.FromFlat(dtypes.Float64, []float64{1, 2, 3, 4, 5, 6},
		shapes.Make(shapes.Batch("b", 2), shapes.Pattern("x", 3)))
	perBatch := tensors.FromFlat(dtypes.Float64, []float64{10, 20}, shapes.Make(shapes.Batch("b", 2)))
	sum := a.Add(perBatch)
	require.True(t, sum.Shape().Equal(a.Shape()))
	require.Equal(t, []float64{11, 12, 13, 24, 25, 26}, sum.Data())

	scalar := tensors.Scalar(dtypes.Float64, 1)
	require.Equal(t, []float64{0, 1, 2, 3, 4, 5}, a.Sub(scalar).Data())
	require.Equal(t, []float64{2, 4, 6, 8, 10, 12}, a.Scale(2).Data())
}

func TestIndexDim(t *testing.T) {
	trj := tensors.FromFlat(dtypes.Float64, []float64{1, 2, 3, 4, 5, 6},
		shapes.Make(shapes.Trajectory(3), shapes.Pattern("x", 2)))
	first := trj.IndexDim(shapes.TrajectoryName, 0)
	last := trj.IndexDim(shapes.TrajectoryName, -1)
	require.Equal(t, []float64{1, 2}, first.Data())
	require.Equal(t, []float64{5, 6}, last.Data())
	require.True(t, first.Shape().Equal(shapes.Make(shapes.Pattern("x", 2))))

	// Absent dimension: projection is a no-op.
	plain := tensors.Vector(shapes.Pattern("x", 2), 1.0, 2.0)
	require.Same(t, plain, plain.IndexDim(shapes.TrajectoryName, -1))
}

func TestStack(t *testing.T) {
	a := tensors.Vector(shapes.Pattern("x", 2), 1.0, 2.0)
	b := tensors.Vector(shapes.Pattern("x", 2), 3.0, 4.0)
	stacked := tensors.Stack([]*tensors.Tensor{a, b}, shapes.Trajectory(2))
	require.Equal(t, []float64{1, 2, 3, 4}, stacked.Data())
	require.Equal(t, []string{shapes.TrajectoryName, "x"}, stacked.Shape().Names())
	require.True(t, stacked.IndexDim(shapes.TrajectoryName, 1).Equal(b))
}

func TestExpandTo(t *testing.T) {
	perBatch := tensors.FromFlat(dtypes.Float64, []float64{1, 2}, shapes.Make(shapes.Batch("b", 2)))
	target := shapes.Make(shapes.Batch("b", 2), shapes.Pattern("x", 3))
	require.Equal(t, []float64{1, 1, 1, 2, 2, 2}, perBatch.ExpandTo(target))

	// Dropping a sized dimension is refused.
	err := exceptions.TryCatch[error](func() {
		perBatch.ExpandTo(shapes.Make(shapes.Pattern("x", 3)))
	})
	require.Error(t, err)
}

func TestReshapedNativeRoundTrip(t *testing.T) {
	shape := shapes.Make(shapes.Batch("b", 2), shapes.Pattern("x", 2), shapes.Pattern("y", 3))
	original := tensors.FromFlat(dtypes.Float64, seq(12), shape)
	groups := []shapes.Shape{shape.Batch(), shape.NonBatch()}
	data, dims := tensors.ReshapedNative(original, groups, true)
	require.Equal(t, []int{2, 6}, dims)
	back := tensors.ReshapedTensor(dtypes.Float64, data, groups)
	require.True(t, back.Equal(original))
}

func TestL2Loss(t *testing.T) {
	v := tensors.FromFlat(dtypes.Float64, []float64{3, 4, 0, 2},
		shapes.Make(shapes.Batch("b", 2), shapes.Pattern("x", 2)))
	loss := tensors.L2Loss(v)
	require.Equal(t, []string{"b"}, loss.Shape().Names())
	require.Equal(t, []float64{12.5, 2}, loss.Data())

	// Trees add their per-tensor losses.
	both := tensors.L2Loss([]*tensors.Tensor{v, v})
	require.Equal(t, []float64{25, 4}, both.Data())

	// Without batch dimensions the loss collapses to a scalar half-norm.
	flat := tensors.Vector(shapes.Pattern("x", 2), 3.0, 4.0)
	scalarLoss := tensors.L2Loss(flat)
	require.True(t, scalarLoss.Shape().IsScalar())
	require.Equal(t, []float64{12.5}, scalarLoss.Data())
	require.Equal(t, 12.5, flat.L2())
}

func TestZerosAndOnesLike(t *testing.T) {
	m := map[string]*tensors.Tensor{
		"pressure": tensors.Vector(shapes.Batch("b", 2), 5.0, 7.0),
		"velocity": tensors.FromFlat(dtypes.Float64, seq(4),
			shapes.Make(shapes.Batch("b", 2), shapes.Pattern("x", 2))),
	}
	zeros := tensors.ZerosLike(m).(map[string]*tensors.Tensor)
	require.Equal(t, []float64{0, 0}, zeros["pressure"].Data())
	require.True(t, zeros["velocity"].Shape().Equal(m["velocity"].Shape()))

	ones := tensors.OnesLike(m).(map[string]*tensors.Tensor)
	require.Equal(t, []float64{1, 1}, ones["pressure"].Data())
	require.Equal(t, []float64{1, 1, 1, 1}, ones["velocity"].Data())
}

func TestDisassembleRebuild(t *testing.T) {
	a := tensors.Vector(shapes.Pattern("x", 2), 1.0, 2.0)
	b := tensors.Vector(shapes.Pattern("x", 2), 3.0, 4.0)

	m := map[string]*tensors.Tensor{"velocity": a, "pressure": b}
	ts, rebuild := tensors.Disassemble(m)
	require.Len(t, ts, 2)
	require.Same(t, b, ts[0]) // keys are ordered: "pressure" < "velocity"
	require.Same(t, a, ts[1])
	back := rebuild(ts).(map[string]*tensors.Tensor)
	require.Same(t, a, back["velocity"])

	// Structure type is preserved through MapTree.
	doubled := tensors.MapTree(m, func(t *tensors.Tensor) *tensors.Tensor { return t.Scale(2) })
	require.Equal(t, []float64{2, 4}, doubled.(map[string]*tensors.Tensor)["velocity"].Data())
}

func TestStackTrees(t *testing.T) {
	step0 := []*tensors.Tensor{tensors.Vector(shapes.Pattern("x", 2), 1.0, 2.0)}
	step1 := []*tensors.Tensor{tensors.Vector(shapes.Pattern("x", 2), 3.0, 4.0)}
	stacked := tensors.StackTrees([]any{step0, step1}, shapes.Trajectory(2)).([]*tensors.Tensor)
	require.Len(t, stacked, 1)
	require.Equal(t, []float64{1, 2, 3, 4}, stacked[0].Data())
}

func TestTreesEqual(t *testing.T) {
	a := tensors.Vector(shapes.Pattern("x", 2), 1.0, 2.0)
	require.True(t, tensors.TreesEqual(a, a))
	require.True(t, tensors.TreesEqual([]*tensors.Tensor{a}, []*tensors.Tensor{a}))
	require.False(t, tensors.TreesEqual(a, a.Scale(2)))
	require.False(t, tensors.TreesEqual(a, []*tensors.Tensor{a, a}))
}

func seq(n int) []float64 {
	out := make([]float64, n)
	for ii := range out {
		out[ii] = float64(ii)
	}
	return out
}
