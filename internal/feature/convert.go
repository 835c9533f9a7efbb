package feature

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// Convert returns v with its elements converted to dtype. Integer to
// integer and any widening or float-to-float conversion is allowed;
// float to integer is rejected because it silently truncates. Narrowing
// integer conversions wrap like Go conversions.
func Convert(v *Value, to DType) (*Value, error) {
	if v == nil || v.kind != KindTensor {
		return nil, featureErrorf(UnsupportedDtype, "", "only tensors can be converted")
	}
	if !to.Valid() {
		return nil, featureErrorf(UnsupportedDtype, "", "invalid target dtype %d", int(to))
	}
	if v.dtype == to {
		return v, nil
	}
	if v.dtype.IsFloat() && !to.IsFloat() {
		return nil, featureErrorf(UnsupportedDtype, "", "refusing to convert %s to %s", v.dtype, to)
	}

	n := v.NumElements()
	out := make([]byte, n*to.Size())
	if !v.dtype.IsFloat() && !to.IsFloat() {
		for i := 0; i < n; i++ {
			putInt(out, to, i, getInt(v.data, v.dtype, i))
		}
	} else {
		for i := 0; i < n; i++ {
			putFloat(out, to, i, getFloat(v.data, v.dtype, i))
		}
	}
	return newTensor(to, v.shape, out), nil
}

func getFloat(data []byte, dtype DType, i int) float64 {
	switch dtype {
	case Float16:
		return float64(float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32())
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
	default:
		return float64(getInt(data, dtype, i))
	}
}

func getInt(data []byte, dtype DType, i int) int64 {
	switch dtype {
	case Int32:
		return int64(int32(binary.LittleEndian.Uint32(data[i*4:])))
	case Int64:
		return int64(binary.LittleEndian.Uint64(data[i*8:]))
	case Uint8:
		return int64(data[i])
	}
	return 0
}

func putFloat(out []byte, dtype DType, i int, f float64) {
	switch dtype {
	case Float16:
		binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(float32(f)).Bits())
	case Float32:
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(float32(f)))
	case Float64:
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(f))
	}
}

func putInt(out []byte, dtype DType, i int, n int64) {
	switch dtype {
	case Int32:
		binary.LittleEndian.PutUint32(out[i*4:], uint32(int32(n)))
	case Int64:
		binary.LittleEndian.PutUint64(out[i*8:], uint64(n))
	case Uint8:
		out[i] = uint8(n)
	}
}

// Layout is the axis order a pixel buffer is decoded into.
type Layout int

const (
	// NCHW produces [1, channels, height, width].
	NCHW Layout = iota
	// NHWC produces [1, height, width, channels].
	NHWC
)

func (l Layout) String() string {
	if l == NHWC {
		return "NHWC"
	}
	return "NCHW"
}

// DecodePixels converts a pixel buffer into a tensor of the given dtype.
// Color formats decode to three channels in RGB order with alpha dropped;
// Gray8 decodes to one channel. Values keep their 0-255 range.
func DecodePixels(v *Value, layout Layout, dtype DType) (*Value, error) {
	if v == nil || v.kind != KindPixelBuffer {
		return nil, extractErrorf(NotATensor, "decode needs a pixel buffer")
	}
	if !dtype.Valid() {
		return nil, extractErrorf(DtypeMismatch, "invalid target dtype %d", int(dtype))
	}
	c, h, w := v.format.Channels(), v.height, v.width
	plane := h * w
	out := make([]byte, c*plane*dtype.Size())
	put := func(idx int, x byte) {
		if dtype.IsFloat() {
			putFloat(out, dtype, idx, float64(x))
		} else {
			putInt(out, dtype, idx, int64(x))
		}
	}
	for p := 0; p < plane; p++ {
		r, g, b := v.format.rgb(v.data, p)
		px := [3]byte{r, g, b}
		for ch := 0; ch < c; ch++ {
			if layout == NHWC {
				put(p*c+ch, px[ch])
			} else {
				put(ch*plane+p, px[ch])
			}
		}
	}
	shape := []int64{1, int64(c), int64(h), int64(w)}
	if layout == NHWC {
		shape = []int64{1, int64(h), int64(w), int64(c)}
	}
	return newTensor(dtype, shape, out), nil
}
