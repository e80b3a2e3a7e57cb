// Package shapes defines the named-dimension shape algebra used by the
// solver dispatch layer.
//
// A Shape is an ordered list of named dimensions (Dim), each carrying a kind:
//
//   - Batch: an axis over which the same solve replicates independently.
//   - Pattern: a non-batch axis a linear operator structurally acts over
//     (also called a channel axis).
//   - Dual: the input-side copy of a pattern axis on an explicit matrix, so
//     a matrix mapping x("vec") to y("vec") has dims [Pattern(vec), Dual(vec)].
//
// Dimension names are the join keys of all shape arithmetic: Merge unifies
// shapes by name, Only/Without select by name, and reshaping to backend
// native layouts groups dims by name (see types/tensors).
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// DimKind classifies a dimension. See the package documentation.
type DimKind int

const (
	BatchKind DimKind = iota
	PatternKind
	DualKind
)

// String implements fmt.Stringer.
func (k DimKind) String() string {
	switch k {
	case BatchKind:
		return "batch"
	case PatternKind:
		return "pattern"
	case DualKind:
		return "dual"
	}
	return "invalid"
}

// Dim is one named dimension of a Shape.
type Dim struct {
	Name string
	Size int
	Kind DimKind
}

// Batch creates a batch dimension.
func Batch(name string, size int) Dim { return Dim{Name: name, Size: size, Kind: BatchKind} }

// Pattern creates a pattern (channel) dimension.
func Pattern(name string, size int) Dim { return Dim{Name: name, Size: size, Kind: PatternKind} }

// Dual creates a dual dimension, the matrix input-side pairing of a pattern
// dimension with the same name.
func Dual(name string, size int) Dim { return Dim{Name: name, Size: size, Kind: DualKind} }

// TrajectoryName is the reserved name of the leading batch dimension added to
// every field of a solve result when trajectory recording is requested.
const TrajectoryName = "trajectory"

// Trajectory creates the reserved trajectory batch dimension.
func Trajectory(size int) Dim { return Batch(TrajectoryName, size) }

// Shape is an ordered collection of named dimensions. The zero value is a
// valid scalar shape. Shapes are value types; none of the methods mutate.
type Shape struct {
	Dims []Dim
}

// Make builds a Shape from dims. It panics on non-positive sizes, empty or
// duplicated names.
func Make(dims ...Dim) Shape {
	s := Shape{Dims: slices.Clone(dims)}
	seen := make(map[string]bool, len(dims))
	for _, d := range dims {
		if d.Size <= 0 {
			exceptions.Panicf("shapes.Make(%s): dimension %q must have size > 0, got %d", s, d.Name, d.Size)
		}
		if d.Name == "" {
			exceptions.Panicf("shapes.Make: dimensions must be named")
		}
		if seen[d.Name] {
			exceptions.Panicf("shapes.Make(%s): duplicate dimension name %q", s, d.Name)
		}
		seen[d.Name] = true
	}
	return s
}

// Scalar returns the empty shape.
func Scalar() Shape { return Shape{} }

// Rank returns the number of dimensions.
func (s Shape) Rank() int { return len(s.Dims) }

// IsScalar reports whether the shape has no dimensions.
func (s Shape) IsScalar() bool { return len(s.Dims) == 0 }

// Size returns the total number of elements, 1 for a scalar.
func (s Shape) Size() int {
	size := 1
	for _, d := range s.Dims {
		size *= d.Size
	}
	return size
}

// Names returns the dimension names in order.
func (s Shape) Names() []string {
	names := make([]string, len(s.Dims))
	for ii, d := range s.Dims {
		names[ii] = d.Name
	}
	return names
}

// IndexOf returns the axis of the named dimension, or -1 if absent.
func (s Shape) IndexOf(name string) int {
	for ii, d := range s.Dims {
		if d.Name == name {
			return ii
		}
	}
	return -1
}

// Has reports whether the named dimension is present.
func (s Shape) Has(name string) bool { return s.IndexOf(name) >= 0 }

// Dim returns the named dimension. It panics if absent.
func (s Shape) Dim(name string) Dim {
	idx := s.IndexOf(name)
	if idx < 0 {
		exceptions.Panicf("shape %s has no dimension named %q", s, name)
	}
	return s.Dims[idx]
}

func (s Shape) filter(keep func(Dim) bool) Shape {
	var dims []Dim
	for _, d := range s.Dims {
		if keep(d) {
			dims = append(dims, d)
		}
	}
	return Shape{Dims: dims}
}

// Batch returns the sub-shape of batch dimensions, in order.
func (s Shape) Batch() Shape {
	return s.filter(func(d Dim) bool { return d.Kind == BatchKind })
}

// NonBatch returns the sub-shape of non-batch dimensions, in order.
func (s Shape) NonBatch() Shape {
	return s.filter(func(d Dim) bool { return d.Kind != BatchKind })
}

// Dual returns the sub-shape of dual dimensions, in order.
func (s Shape) Dual() Shape {
	return s.filter(func(d Dim) bool { return d.Kind == DualKind })
}

// NonDual returns the sub-shape of non-dual dimensions, in order.
func (s Shape) NonDual() Shape {
	return s.filter(func(d Dim) bool { return d.Kind != DualKind })
}

// Only returns the sub-shape of dimensions whose names are listed, preserving
// the receiver's order.
func (s Shape) Only(names ...string) Shape {
	return s.filter(func(d Dim) bool { return slices.Contains(names, d.Name) })
}

// Without returns the sub-shape of dimensions not present in other, matching
// by name.
func (s Shape) Without(other Shape) Shape {
	return s.filter(func(d Dim) bool { return !other.Has(d.Name) })
}

// Equal reports whether both shapes hold the same dimensions in the same
// order.
func (s Shape) Equal(other Shape) bool {
	return slices.Equal(s.Dims, other.Dims)
}

// String implements fmt.Stringer, e.g. "[b:batch=4, vec:pattern=3]".
func (s Shape) String() string {
	if s.IsScalar() {
		return "[scalar]"
	}
	parts := make([]string, len(s.Dims))
	for ii, d := range s.Dims {
		parts[ii] = fmt.Sprintf("%s:%s=%d", d.Name, d.Kind, d.Size)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Merge unifies shapes by dimension name, in first-seen order. Dimensions
// sharing a name must agree on size and kind, otherwise Merge panics.
func Merge(ss ...Shape) Shape {
	var merged Shape
	for _, s := range ss {
		for _, d := range s.Dims {
			idx := merged.IndexOf(d.Name)
			if idx < 0 {
				merged.Dims = append(merged.Dims, d)
				continue
			}
			if merged.Dims[idx] != d {
				exceptions.Panicf("shapes.Merge: incompatible dimensions %q: %v vs %v", d.Name, merged.Dims[idx], d)
			}
		}
	}
	return merged
}

// Concat appends the dimensions of all shapes into one shape, panicking on
// duplicate names.
func Concat(ss ...Shape) Shape {
	var dims []Dim
	for _, s := range ss {
		dims = append(dims, s.Dims...)
	}
	return Make(dims...)
}
