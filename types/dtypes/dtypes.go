// Package dtypes enumerates the element types supported by the solver tensors
// and provides the cast rules used when values cross the backend boundary.
//
// Float16 rounding uses the github.com/x448/float16 implementation.
package dtypes

import (
	"github.com/gomlx/exceptions"
	"github.com/x448/float16"
)

// DType indicates the type of the unit element of a Tensor.
type DType int

const (
	InvalidDType DType = iota
	Bool
	Int32
	Float16
	Float32
	Float64
)

// String implements fmt.Stringer.
func (dt DType) String() string {
	switch dt {
	case Bool:
		return "bool"
	case Int32:
		return "int32"
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	}
	return "invalid"
}

// IsFloat returns whether dt is one of the floating point types.
func (dt DType) IsFloat() bool {
	return dt == Float16 || dt == Float32 || dt == Float64
}

// Round quantizes v to the precision of dt. Values of wider types pass
// through unchanged; Int32 truncates toward zero, Bool maps to 0 or 1.
func (dt DType) Round(v float64) float64 {
	switch dt {
	case Bool:
		if v != 0 {
			return 1
		}
		return 0
	case Int32:
		return float64(int32(v))
	case Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	case Float32:
		return float64(float32(v))
	case Float64:
		return v
	}
	exceptions.Panicf("dtypes: cannot round value for %s", dt)
	return 0
}

// FromGoValue returns the DType matching a Go scalar type, or InvalidDType
// if the type is not supported.
func FromGoValue(v any) DType {
	switch v.(type) {
	case bool:
		return Bool
	case int, int32, int64:
		return Int32
	case float32:
		return Float32
	case float64:
		return Float64
	case float16.Float16:
		return Float16
	}
	return InvalidDType
}
