// internal/feature/dtype.go
package feature

import (
	"fmt"
	"strings"

	"github.com/x448/float16"
)

// DType is the element type of a tensor feature.
type DType int

// Supported element types. The zero value is invalid so an unset Spec is detectable.
const (
	InvalidDType DType = iota
	Float16
	Float32
	Float64
	Int32
	Int64
	Uint8
)

// Size returns the byte size of one element, or 0 for an invalid dtype.
func (d DType) Size() int {
	switch d {
	case Uint8:
		return 1
	case Float16:
		return 2
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	default:
		return 0
	}
}

// Valid reports whether d is one of the supported element types.
func (d DType) Valid() bool {
	return d.Size() > 0
}

// IsFloat reports whether d is a floating point type.
func (d DType) IsFloat() bool {
	return d == Float16 || d == Float32 || d == Float64
}

func (d DType) String() string {
	switch d {
	case Float16:
		return "f16"
	case Float32:
		return "f32"
	case Float64:
		return "f64"
	case Int32:
		return "i32"
	case Int64:
		return "i64"
	case Uint8:
		return "u8"
	default:
		return "invalid"
	}
}

// ParseDType parses the short names produced by DType.String, plus the
// long Go spellings ("float32", "int64", ...).
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f16", "float16", "half":
		return Float16, nil
	case "f32", "float32", "float":
		return Float32, nil
	case "f64", "float64", "double":
		return Float64, nil
	case "i32", "int32":
		return Int32, nil
	case "i64", "int64":
		return Int64, nil
	case "u8", "uint8":
		return Uint8, nil
	}
	return InvalidDType, fmt.Errorf("unknown dtype %q", s)
}

// Element is the set of Go types a tensor can be built from or extracted into.
type Element interface {
	float16.Float16 | float32 | float64 | int32 | int64 | uint8
}

// DTypeOf returns the DType matching the Go element type T.
func DTypeOf[T Element]() DType {
	var zero T
	switch any(zero).(type) {
	case float16.Float16:
		return Float16
	case float32:
		return Float32
	case float64:
		return Float64
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	}
	return InvalidDType
}
