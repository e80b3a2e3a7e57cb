package tensors

import (
	"sort"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gosolve/gosolve/types/shapes"
)

// Container lets arbitrary user structures participate in solves: the
// dispatcher flattens them with TreeTensors and rebuilds results with
// TreeAssemble. TreeAssemble must accept exactly len(TreeTensors()) tensors.
type Container interface {
	TreeTensors() []*Tensor
	TreeAssemble(ts []*Tensor) any
}

// Rebuild reassembles a structured value from the tensors of a disassembled
// tree. See Disassemble.
type Rebuild func(ts []*Tensor) any

// Disassemble flattens a structured value into its tensor components plus a
// rebuild function. Supported structures: nil, *Tensor, []*Tensor,
// map[string]*Tensor (ordered by key) and Container implementations.
func Disassemble(value any) ([]*Tensor, Rebuild) {
	switch v := value.(type) {
	case nil:
		return nil, func([]*Tensor) any { return nil }
	case *Tensor:
		return []*Tensor{v}, func(ts []*Tensor) any {
			checkArity(ts, 1)
			return ts[0]
		}
	case []*Tensor:
		n := len(v)
		return append([]*Tensor(nil), v...), func(ts []*Tensor) any {
			checkArity(ts, n)
			return append([]*Tensor(nil), ts...)
		}
	case map[string]*Tensor:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ts := make([]*Tensor, len(keys))
		for ii, k := range keys {
			ts[ii] = v[k]
		}
		return ts, func(ts []*Tensor) any {
			checkArity(ts, len(keys))
			m := make(map[string]*Tensor, len(keys))
			for ii, k := range keys {
				m[k] = ts[ii]
			}
			return m
		}
	case Container:
		ts := v.TreeTensors()
		n := len(ts)
		return ts, func(ts []*Tensor) any {
			checkArity(ts, n)
			return v.TreeAssemble(ts)
		}
	}
	exceptions.Panicf("tensors.Disassemble: unsupported structure type %T -- use *Tensor, []*Tensor, map[string]*Tensor or implement tensors.Container", value)
	return nil, nil
}

func checkArity(ts []*Tensor, want int) {
	if len(ts) != want {
		exceptions.Panicf("tensors: tree rebuild got %d tensors, structure requires %d", len(ts), want)
	}
}

// MapTree applies fn to every tensor of a structured value, rebuilding the
// same structure.
func MapTree(value any, fn func(*Tensor) *Tensor) any {
	ts, rebuild := Disassemble(value)
	out := make([]*Tensor, len(ts))
	for ii, t := range ts {
		out[ii] = fn(t)
	}
	return rebuild(out)
}

// ZerosLike returns the same structure with every tensor zero-filled.
func ZerosLike(value any) any {
	return MapTree(value, func(t *Tensor) *Tensor { return Zeros(t.DType(), t.Shape()) })
}

// OnesLike returns the same structure with every tensor one-filled.
func OnesLike(value any) any {
	return MapTree(value, func(t *Tensor) *Tensor { return Ones(t.DType(), t.Shape()) })
}

// SubTrees subtracts two structurally identical values tensor by tensor.
func SubTrees(a, b any) any {
	bs, _ := Disassemble(b)
	as, rebuild := Disassemble(a)
	if len(as) != len(bs) {
		exceptions.Panicf("tensors.SubTrees: mismatched structures with %d vs %d tensors", len(as), len(bs))
	}
	out := make([]*Tensor, len(as))
	for ii := range as {
		out[ii] = as[ii].Sub(bs[ii])
	}
	return rebuild(out)
}

// StackTrees stacks structurally identical values along a new dimension,
// rebuilding with the first value's structure.
func StackTrees(values []any, dim shapes.Dim) any {
	if len(values) == 0 {
		exceptions.Panicf("tensors.StackTrees: no values given")
	}
	first, rebuild := Disassemble(values[0])
	perValue := make([][]*Tensor, len(values))
	perValue[0] = first
	for jj := 1; jj < len(values); jj++ {
		ts, _ := Disassemble(values[jj])
		if len(ts) != len(first) {
			exceptions.Panicf("tensors.StackTrees: value %d has %d tensors, first has %d", jj, len(ts), len(first))
		}
		perValue[jj] = ts
	}
	stacked := make([]*Tensor, len(first))
	column := make([]*Tensor, len(values))
	for ii := range first {
		for jj := range values {
			column[jj] = perValue[jj][ii]
		}
		stacked[ii] = Stack(column, dim)
	}
	if klog.V(2).Enabled() {
		klog.Infof("tensors.StackTrees: stacked %d steps x %d tensors along %q", len(values), len(first), dim.Name)
	}
	return rebuild(stacked)
}

// TreesEqual compares two structured values tensor by tensor.
func TreesEqual(a, b any) bool {
	as, _ := Disassemble(a)
	bs, _ := Disassemble(b)
	if len(as) != len(bs) {
		return false
	}
	for ii := range as {
		if !as[ii].Equal(bs[ii]) {
			return false
		}
	}
	return true
}
