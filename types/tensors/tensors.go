// Package tensors implements the named-dimension tensor values moved across
// the solver dispatch boundary, the reshaping to and from backend-native
// layouts, and the tree (dis)assembly of nested user structures into flat
// tensor lists.
//
// Storage is row-major float64 for every dtype; narrower dtypes (Float16,
// Float32, Int32, Bool) quantize on write through dtypes.Round. This keeps
// the dispatch layer simple while preserving cast semantics at the backend
// boundary.
package tensors

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"golang.org/x/exp/constraints"

	"github.com/gosolve/gosolve/types/dtypes"
	"github.com/gosolve/gosolve/types/shapes"
)

// Tensor is an immutable named-dimension value. Use FromFlat, Scalar, Vector
// or Wrap to create one.
type Tensor struct {
	shape shapes.Shape
	dtype dtypes.DType
	data  []float64
}

// FromFlat wraps row-major data (ordered per shape.Dims) into a Tensor.
// The data is quantized to dtype and not aliased.
func FromFlat(dtype dtypes.DType, data []float64, shape shapes.Shape) *Tensor {
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlat: got %d values for shape %s (size %d)", len(data), shape, shape.Size())
	}
	quantized := make([]float64, len(data))
	for ii, v := range data {
		quantized[ii] = dtype.Round(v)
	}
	return &Tensor{shape: shape, dtype: dtype, data: quantized}
}

// Scalar creates a dimensionless Tensor.
func Scalar(dtype dtypes.DType, value float64) *Tensor {
	return FromFlat(dtype, []float64{value}, shapes.Scalar())
}

// Vector creates a rank-1 Tensor along the given dimension.
func Vector[T constraints.Integer | constraints.Float](dim shapes.Dim, values ...T) *Tensor {
	data := make([]float64, len(values))
	for ii, v := range values {
		data[ii] = float64(v)
	}
	dtype := dtypes.Float64
	var zero T
	switch any(zero).(type) {
	case float32:
		dtype = dtypes.Float32
	case int, int32, int64:
		dtype = dtypes.Int32
	}
	return FromFlat(dtype, data, shapes.Make(dim))
}

// Zeros creates a zero-filled Tensor.
func Zeros(dtype dtypes.DType, shape shapes.Shape) *Tensor {
	return &Tensor{shape: shape, dtype: dtype, data: make([]float64, shape.Size())}
}

// Ones creates a one-filled Tensor.
func Ones(dtype dtypes.DType, shape shapes.Shape) *Tensor {
	data := make([]float64, shape.Size())
	for ii := range data {
		data[ii] = 1
	}
	return FromFlat(dtype, data, shape)
}

// Wrap coerces a Go scalar or a *Tensor into a *Tensor. Anything else panics.
func Wrap(value any) *Tensor {
	switch v := value.(type) {
	case *Tensor:
		return v
	case bool:
		if v {
			return Scalar(dtypes.Bool, 1)
		}
		return Scalar(dtypes.Bool, 0)
	case int:
		return Scalar(dtypes.Int32, float64(v))
	case int32:
		return Scalar(dtypes.Int32, float64(v))
	case int64:
		return Scalar(dtypes.Int32, float64(v))
	case float32:
		return Scalar(dtypes.Float32, float64(v))
	case float64:
		return Scalar(dtypes.Float64, v)
	}
	exceptions.Panicf("tensors.Wrap: cannot wrap value of type %T", value)
	return nil
}

// Shape returns the tensor shape.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the element type.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Data returns the underlying row-major values. Callers must not mutate it.
func (t *Tensor) Data() []float64 { return t.data }

// Value returns the value of a scalar tensor.
func (t *Tensor) Value() float64 {
	if !t.shape.IsScalar() {
		exceptions.Panicf("Tensor.Value: tensor has shape %s, not a scalar", t.shape)
	}
	return t.data[0]
}

// ToFloat returns t if it is already floating point, otherwise a Float64 cast.
func (t *Tensor) ToFloat() *Tensor {
	if t.dtype.IsFloat() {
		return t
	}
	return FromFlat(dtypes.Float64, t.data, t.shape)
}

// ToInt32 casts to Int32.
func (t *Tensor) ToInt32() *Tensor {
	if t.dtype == dtypes.Int32 {
		return t
	}
	return FromFlat(dtypes.Int32, t.data, t.shape)
}

// Equal reports element-wise equality of dtype, shape and data.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.dtype == other.dtype && t.shape.Equal(other.shape) && slices.Equal(t.data, other.data)
}

// Any reports whether any element is non-zero (true).
func (t *Tensor) Any() bool {
	for _, v := range t.data {
		if v != 0 {
			return true
		}
	}
	return false
}

// All reports whether every element is non-zero (true).
func (t *Tensor) All() bool {
	for _, v := range t.data {
		if v == 0 {
			return false
		}
	}
	return true
}

// AllFinite reports whether no element is NaN or ±Inf.
func (t *Tensor) AllFinite() bool {
	for _, v := range t.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Max returns the largest element.
func (t *Tensor) Max() float64 {
	max := math.Inf(-1)
	for _, v := range t.data {
		if v > max {
			max = v
		}
	}
	return max
}

// Sum returns the sum of all elements.
func (t *Tensor) Sum() float64 {
	var sum float64
	for _, v := range t.data {
		sum += v
	}
	return sum
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t.shape.IsScalar() {
		return fmt.Sprintf("%v", t.data[0])
	}
	if t.shape.Size() <= 8 {
		return fmt.Sprintf("%s %s %v", t.shape, t.dtype, t.data)
	}
	return fmt.Sprintf("%s %s [%d values]", t.shape, t.dtype, len(t.data))
}

// IndexDim slices one position along the named dimension, dropping that axis.
// Negative indices count from the end. If the dimension is absent the tensor
// is returned unchanged, so trajectory projections are no-ops on fields that
// never recorded one.
func (t *Tensor) IndexDim(name string, index int) *Tensor {
	axis := t.shape.IndexOf(name)
	if axis < 0 {
		return t
	}
	dim := t.shape.Dims[axis]
	if index < 0 {
		index += dim.Size
	}
	if index < 0 || index >= dim.Size {
		exceptions.Panicf("Tensor.IndexDim: index %d out of range for %s in %s", index, name, t.shape)
	}
	outer := 1
	for _, d := range t.shape.Dims[:axis] {
		outer *= d.Size
	}
	inner := 1
	for _, d := range t.shape.Dims[axis+1:] {
		inner *= d.Size
	}
	out := make([]float64, outer*inner)
	for o := 0; o < outer; o++ {
		src := (o*dim.Size + index) * inner
		copy(out[o*inner:(o+1)*inner], t.data[src:src+inner])
	}
	newDims := slices.Delete(slices.Clone(t.shape.Dims), axis, axis+1)
	return &Tensor{shape: shapes.Shape{Dims: newDims}, dtype: t.dtype, data: out}
}

// HasDim reports whether the named dimension is present.
func (t *Tensor) HasDim(name string) bool { return t.shape.Has(name) }

// Stack joins equally shaped tensors along a new leading dimension.
func Stack(ts []*Tensor, dim shapes.Dim) *Tensor {
	if len(ts) == 0 {
		exceptions.Panicf("tensors.Stack: no tensors given")
	}
	if dim.Size != len(ts) {
		dim.Size = len(ts)
	}
	first := ts[0]
	data := make([]float64, 0, dim.Size*first.shape.Size())
	for _, t := range ts {
		if !t.shape.Equal(first.shape) {
			exceptions.Panicf("tensors.Stack: mismatched shapes %s vs %s", first.shape, t.shape)
		}
		data = append(data, t.data...)
	}
	return FromFlat(first.dtype, data, shapes.Concat(shapes.Make(dim), first.shape))
}

func binaryOp(a, b *Tensor, op func(x, y float64) float64) *Tensor {
	merged := shapes.Merge(a.shape, b.shape)
	da := a.ExpandTo(merged)
	db := b.ExpandTo(merged)
	out := make([]float64, len(da))
	for ii := range out {
		out[ii] = op(da[ii], db[ii])
	}
	dtype := a.dtype
	if b.dtype != a.dtype {
		dtype = dtypes.Float64
	}
	return FromFlat(dtype, out, merged)
}

// Add returns the element-wise sum, broadcasting by dimension name.
func (t *Tensor) Add(other *Tensor) *Tensor {
	return binaryOp(t, other, func(x, y float64) float64 { return x + y })
}

// Sub returns the element-wise difference, broadcasting by dimension name.
func (t *Tensor) Sub(other *Tensor) *Tensor {
	return binaryOp(t, other, func(x, y float64) float64 { return x - y })
}

// Mul returns the element-wise product, broadcasting by dimension name.
func (t *Tensor) Mul(other *Tensor) *Tensor {
	return binaryOp(t, other, func(x, y float64) float64 { return x * y })
}

// Scale returns the tensor multiplied by a constant.
func (t *Tensor) Scale(c float64) *Tensor {
	out := make([]float64, len(t.data))
	for ii, v := range t.data {
		out[ii] = v * c
	}
	return FromFlat(t.dtype, out, t.shape)
}

// L2 returns half the sum of squared elements, the squared-norm loss
// convention used when reducing f(x)=y systems to minimization.
func (t *Tensor) L2() float64 {
	var sum float64
	for _, v := range t.data {
		sum += v * v
	}
	return sum / 2
}

// L2Loss reduces a structured value to its per-batch squared-norm loss: for
// every tensor, half the sum of squares over the non-batch dimensions, the
// per-tensor losses added with name-aligned broadcasting. The result carries
// only batch dimensions.
func L2Loss(value any) *Tensor {
	ts, _ := Disassemble(value)
	loss := Scalar(dtypes.Float64, 0)
	for _, t := range ts {
		tf := t.ToFloat()
		batch := tf.Shape().Batch()
		if batch.IsScalar() {
			loss = loss.Add(Scalar(dtypes.Float64, tf.L2()))
			continue
		}
		data, dims := ReshapedNative(tf, []shapes.Shape{batch, tf.Shape().NonBatch()}, true)
		rows, width := dims[0], dims[1]
		per := make([]float64, rows)
		for bi := 0; bi < rows; bi++ {
			var sum float64
			for _, v := range data[bi*width : (bi+1)*width] {
				sum += v * v
			}
			per[bi] = sum / 2
		}
		loss = loss.Add(FromFlat(dtypes.Float64, per, batch))
	}
	return loss
}
