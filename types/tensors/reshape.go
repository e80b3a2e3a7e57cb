package tensors

import (
	"github.com/gomlx/exceptions"

	"github.com/gosolve/gosolve/types/dtypes"
	"github.com/gosolve/gosolve/types/shapes"
)

// ExpandTo lays the tensor data out row-major per the target shape,
// broadcasting dimensions absent from the tensor. Every tensor dimension of
// size > 1 must appear in the target (with matching size), otherwise this
// panics: reshaping never drops data.
func (t *Tensor) ExpandTo(target shapes.Shape) []float64 {
	rank := target.Rank()
	// Strides of t per target axis; 0 marks a broadcast axis.
	srcStrides := make([]int, rank)
	tStrides := make([]int, t.shape.Rank())
	stride := 1
	for axis := t.shape.Rank() - 1; axis >= 0; axis-- {
		tStrides[axis] = stride
		stride *= t.shape.Dims[axis].Size
	}
	for _, d := range t.shape.Dims {
		if !target.Has(d.Name) && d.Size > 1 {
			exceptions.Panicf("Tensor.ExpandTo: dimension %q of %s missing from target %s", d.Name, t.shape, target)
		}
	}
	for axis, d := range target.Dims {
		srcAxis := t.shape.IndexOf(d.Name)
		if srcAxis < 0 {
			continue // broadcast
		}
		if t.shape.Dims[srcAxis].Size != d.Size {
			exceptions.Panicf("Tensor.ExpandTo: dimension %q has size %d in %s but %d in target %s",
				d.Name, t.shape.Dims[srcAxis].Size, t.shape, d.Size, target)
		}
		srcStrides[axis] = tStrides[srcAxis]
	}
	out := make([]float64, target.Size())
	counters := make([]int, rank)
	srcIdx := 0
	for ii := range out {
		out[ii] = t.data[srcIdx]
		for axis := rank - 1; axis >= 0; axis-- {
			counters[axis]++
			srcIdx += srcStrides[axis]
			if counters[axis] < target.Dims[axis].Size {
				break
			}
			counters[axis] = 0
			srcIdx -= srcStrides[axis] * target.Dims[axis].Size
		}
	}
	return out
}

// ReshapedNative flattens the tensor into the backend-native layout defined
// by the dimension groups: the result is row-major over the concatenated
// group dimensions and its native dims are the per-group volumes. With
// forceExpand, dimensions missing from the tensor are materialized by
// broadcast, so backends always see dense rectangular batches.
func ReshapedNative(t *Tensor, groups []shapes.Shape, forceExpand bool) (data []float64, dims []int) {
	var all []shapes.Dim
	dims = make([]int, len(groups))
	for ii, g := range groups {
		all = append(all, g.Dims...)
		dims[ii] = g.Size()
	}
	target := shapes.Shape{Dims: all}
	if !forceExpand {
		for _, d := range all {
			if !t.Shape().Has(d.Name) {
				exceptions.Panicf("tensors.ReshapedNative: %s is missing dimension %q and force-expand is off", t.Shape(), d.Name)
			}
		}
	}
	return t.ExpandTo(target), dims
}

// ReshapedTensor is the inverse of ReshapedNative: it wraps flat native data
// back into a tensor whose shape is the concatenation of the group
// dimensions.
func ReshapedTensor(dtype dtypes.DType, data []float64, groups []shapes.Shape) *Tensor {
	var all []shapes.Dim
	for _, g := range groups {
		all = append(all, g.Dims...)
	}
	return FromFlat(dtype, data, shapes.Shape{Dims: all})
}
