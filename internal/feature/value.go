// internal/feature/value.go
package feature

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/x448/float16"
)

// Kind tags which variant a Value holds.
type Kind int

const (
	KindTensor Kind = iota + 1
	KindPixelBuffer
)

func (k Kind) String() string {
	switch k {
	case KindTensor:
		return "tensor"
	case KindPixelBuffer:
		return "pixel_buffer"
	default:
		return "invalid"
	}
}

// Value is one input or output feature. It is either a dense tensor
// (shape, dtype, little-endian element bytes) or a packed pixel buffer
// (width, height, format, bytes). Callers branch on Kind.
//
// A Value never changes after construction. Constructors copy the caller's
// data and accessors hand out copies.
type Value struct {
	kind Kind

	// KindTensor
	dtype DType
	shape []int64

	// KindPixelBuffer
	width  int
	height int
	format PixelFormat

	data []byte
}

// NewTensor builds a tensor value from typed Go data laid out row-major.
func NewTensor[T Element](shape []int64, data []T) (*Value, error) {
	dtype := DTypeOf[T]()
	n, err := checkShape(shape, dtype.Size())
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, featureErrorf(ShapeMismatch, "", "shape %v holds %d elements, got %d", shape, n, len(data))
	}
	return newTensor(dtype, shape, encode(data)), nil
}

// NewTensorBytes builds a tensor value from raw little-endian element bytes.
func NewTensorBytes(dtype DType, shape []int64, data []byte) (*Value, error) {
	if !dtype.Valid() {
		return nil, featureErrorf(UnsupportedDtype, "", "invalid dtype %d", int(dtype))
	}
	n, err := checkShape(shape, dtype.Size())
	if err != nil {
		return nil, err
	}
	if want := n * dtype.Size(); want != len(data) {
		return nil, featureErrorf(ShapeMismatch, "", "shape %v of %s needs %d bytes, got %d", shape, dtype, want, len(data))
	}
	return newTensor(dtype, shape, bytes.Clone(data)), nil
}

// Zeros returns a zero-filled tensor.
func Zeros(dtype DType, shape []int64) (*Value, error) {
	if !dtype.Valid() {
		return nil, featureErrorf(UnsupportedDtype, "", "invalid dtype %d", int(dtype))
	}
	n, err := checkShape(shape, dtype.Size())
	if err != nil {
		return nil, err
	}
	return newTensor(dtype, shape, make([]byte, n*dtype.Size())), nil
}

// newTensor takes ownership of data; callers have validated its length.
func newTensor(dtype DType, shape []int64, data []byte) *Value {
	return &Value{
		kind:  KindTensor,
		dtype: dtype,
		shape: slices.Clone(shape),
		data:  data,
	}
}

// NewPixelBuffer builds a pixel buffer value. Dimensions must be positive
// and data must hold exactly width*height packed pixels.
func NewPixelBuffer(width, height int, format PixelFormat, data []byte) (*Value, error) {
	bpp := format.BytesPerPixel()
	if bpp == 0 {
		return nil, featureErrorf(MalformedPixelBuffer, "", "invalid pixel format %d", int(format))
	}
	if width <= 0 || height <= 0 {
		return nil, featureErrorf(MalformedPixelBuffer, "", "dimensions must be positive, got %dx%d", width, height)
	}
	if width > math.MaxInt/height/bpp {
		return nil, featureErrorf(MalformedPixelBuffer, "", "%dx%d image is too large", width, height)
	}
	if want := width * height * bpp; want != len(data) {
		return nil, featureErrorf(MalformedPixelBuffer, "", "%dx%d %s needs %d bytes, got %d", width, height, format, want, len(data))
	}
	return &Value{
		kind:   KindPixelBuffer,
		width:  width,
		height: height,
		format: format,
		data:   bytes.Clone(data),
	}, nil
}

// Kind returns which variant v holds.
func (v *Value) Kind() Kind { return v.kind }

// DType returns the element type of a tensor (InvalidDType for pixel buffers).
func (v *Value) DType() DType { return v.dtype }

// Shape returns a copy of the tensor shape. For a pixel buffer it reports
// [height, width, bytesPerPixel].
func (v *Value) Shape() []int64 {
	if v.kind == KindPixelBuffer {
		return []int64{int64(v.height), int64(v.width), int64(v.format.BytesPerPixel())}
	}
	return slices.Clone(v.shape)
}

// NumElements returns the number of tensor elements (pixels for a pixel buffer).
func (v *Value) NumElements() int {
	if v.kind == KindPixelBuffer {
		return v.width * v.height
	}
	n, _ := checkShape(v.shape, v.dtype.Size())
	return n
}

// Width of a pixel buffer.
func (v *Value) Width() int { return v.width }

// Height of a pixel buffer.
func (v *Value) Height() int { return v.height }

// PixelFormat of a pixel buffer.
func (v *Value) PixelFormat() PixelFormat { return v.format }

// Bytes returns a copy of the underlying buffer.
func (v *Value) Bytes() []byte { return bytes.Clone(v.data) }

// ByteLen returns the size of the underlying buffer without copying it.
func (v *Value) ByteLen() int { return len(v.data) }

// Equal reports whether both values hold the same variant, metadata and bytes.
func (v *Value) Equal(o *Value) bool {
	if v == nil || o == nil {
		return v == o
	}
	return v.kind == o.kind &&
		v.dtype == o.dtype &&
		slices.Equal(v.shape, o.shape) &&
		v.width == o.width && v.height == o.height && v.format == o.format &&
		bytes.Equal(v.data, o.data)
}

// Reshape returns a tensor sharing v's bytes under a new shape with the
// same element count.
func (v *Value) Reshape(shape []int64) (*Value, error) {
	if v.kind != KindTensor {
		return nil, featureErrorf(ShapeMismatch, "", "cannot reshape a %s", v.kind)
	}
	n, err := checkShape(shape, v.dtype.Size())
	if err != nil {
		return nil, err
	}
	if n != v.NumElements() {
		return nil, featureErrorf(ShapeMismatch, "", "cannot reshape %v (%d elements) to %v (%d elements)", v.shape, v.NumElements(), shape, n)
	}
	// data is never written after construction, so sharing it is safe.
	return &Value{kind: KindTensor, dtype: v.dtype, shape: slices.Clone(shape), data: v.data}, nil
}

func (v *Value) String() string {
	switch v.kind {
	case KindTensor:
		return fmt.Sprintf("tensor<%s%v>", v.dtype, v.shape)
	case KindPixelBuffer:
		return fmt.Sprintf("pixel_buffer<%s %dx%d>", v.format, v.width, v.height)
	default:
		return "invalid"
	}
}

// checkShape validates every dimension is non-negative and returns the
// element count. The byte size of elemSize-byte elements must fit in an int.
func checkShape(shape []int64, elemSize int) (int, error) {
	if elemSize < 1 {
		elemSize = 1
	}
	limit := math.MaxInt / elemSize
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, featureErrorf(ShapeMismatch, "", "negative dimension in shape %v", shape)
		}
		if d > int64(limit) || (d > 0 && n > limit/int(d)) {
			return 0, featureErrorf(ShapeMismatch, "", "shape %v is too large", shape)
		}
		n *= int(d)
	}
	return n, nil
}

// encode serialises typed elements as little-endian bytes.
func encode[T Element](data []T) []byte {
	size := DTypeOf[T]().Size()
	out := make([]byte, len(data)*size)
	switch d := any(data).(type) {
	case []float16.Float16:
		for i, x := range d {
			binary.LittleEndian.PutUint16(out[i*2:], x.Bits())
		}
	case []float32:
		for i, x := range d {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(x))
		}
	case []float64:
		for i, x := range d {
			binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(x))
		}
	case []int32:
		for i, x := range d {
			binary.LittleEndian.PutUint32(out[i*4:], uint32(x))
		}
	case []int64:
		for i, x := range d {
			binary.LittleEndian.PutUint64(out[i*8:], uint64(x))
		}
	case []uint8:
		copy(out, d)
	}
	return out
}

// decode is the inverse of encode. len(data) must be a multiple of the element size.
func decode[T Element](data []byte) []T {
	size := DTypeOf[T]().Size()
	out := make([]T, len(data)/size)
	switch d := any(out).(type) {
	case []float16.Float16:
		for i := range d {
			d[i] = float16.Frombits(binary.LittleEndian.Uint16(data[i*2:]))
		}
	case []float32:
		for i := range d {
			d[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	case []float64:
		for i := range d {
			d[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
		}
	case []int32:
		for i := range d {
			d[i] = int32(binary.LittleEndian.Uint32(data[i*4:]))
		}
	case []int64:
		for i := range d {
			d[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
		}
	case []uint8:
		copy(d, data)
	}
	return out
}
