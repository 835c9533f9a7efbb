// internal/feature/extract.go
package feature

import "slices"

// Array is a typed, row-major copy of a tensor.
type Array[T Element] struct {
	Shape []int64
	Data  []T
}

// Len returns the number of elements.
func (a *Array[T]) Len() int {
	return len(a.Data)
}

// At returns the element at the given multi-dimensional index.
// It panics when the index is out of range, like slice indexing.
func (a *Array[T]) At(idx ...int64) T {
	if len(idx) != len(a.Shape) {
		panic("feature: index rank does not match array rank")
	}
	off := int64(0)
	for i, x := range idx {
		if x < 0 || x >= a.Shape[i] {
			panic("feature: index out of range")
		}
		off = off*a.Shape[i] + x
	}
	return a.Data[off]
}

// Extract copies a tensor value into a typed array. T must match the
// value's declared dtype exactly; use ToFloat32 or Convert for widening.
func Extract[T Element](v *Value) (*Array[T], error) {
	if v == nil {
		return nil, extractErrorf(NotATensor, "nil value")
	}
	if v.kind == KindPixelBuffer {
		return nil, extractErrorf(NeedsDecode, "%s must be decoded with DecodePixels first", v)
	}
	want := DTypeOf[T]()
	if want != v.dtype {
		return nil, extractErrorf(DtypeMismatch, "requested %s, value holds %s", want, v.dtype)
	}
	if len(v.data)%want.Size() != 0 {
		return nil, extractErrorf(DtypeMismatch, "%d bytes is not a whole number of %s elements", len(v.data), want)
	}
	return &Array[T]{Shape: slices.Clone(v.shape), Data: decode[T](v.data)}, nil
}

// ExtractShaped is Extract with the result viewed under shape, which must
// hold the same number of elements.
func ExtractShaped[T Element](v *Value, shape ...int64) (*Array[T], error) {
	a, err := Extract[T](v)
	if err != nil {
		return nil, err
	}
	n, err := checkShape(shape, v.DType().Size())
	if err != nil || n != a.Len() {
		return nil, extractErrorf(ExtractShapeMismatch, "cannot view %d elements as %v", a.Len(), shape)
	}
	a.Shape = slices.Clone(shape)
	return a, nil
}

// ToFloat32 extracts any numeric tensor as float32, converting elements
// where needed (float16 outputs are the common case).
func ToFloat32(v *Value) (*Array[float32], error) {
	if v == nil {
		return nil, extractErrorf(NotATensor, "nil value")
	}
	if v.kind == KindPixelBuffer {
		return nil, extractErrorf(NeedsDecode, "%s must be decoded with DecodePixels first", v)
	}
	n := v.NumElements()
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = float32(getFloat(v.data, v.dtype, i))
	}
	return &Array[float32]{Shape: slices.Clone(v.shape), Data: out}, nil
}
