package feature

import (
	"fmt"
	"strings"
)

// PixelFormat describes the byte layout of a packed pixel buffer.
type PixelFormat int

const (
	InvalidPixelFormat PixelFormat = iota
	// BGRA32 is the 32-bit BGRA layout CoreML uses for camera frames.
	BGRA32
	RGBA32
	ARGB32
	Gray8
)

// BytesPerPixel returns the packed size of one pixel, or 0 when invalid.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case BGRA32, RGBA32, ARGB32:
		return 4
	case Gray8:
		return 1
	default:
		return 0
	}
}

// Channels returns the number of color channels a decode produces
// (alpha is dropped).
func (f PixelFormat) Channels() int {
	if f == Gray8 {
		return 1
	}
	if f.BytesPerPixel() == 4 {
		return 3
	}
	return 0
}

func (f PixelFormat) String() string {
	switch f {
	case BGRA32:
		return "BGRA32"
	case RGBA32:
		return "RGBA32"
	case ARGB32:
		return "ARGB32"
	case Gray8:
		return "Gray8"
	default:
		return "invalid"
	}
}

// ParsePixelFormat is the inverse of PixelFormat.String (case-insensitive).
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BGRA32", "BGRA":
		return BGRA32, nil
	case "RGBA32", "RGBA":
		return RGBA32, nil
	case "ARGB32", "ARGB":
		return ARGB32, nil
	case "GRAY8", "GRAY", "GRAYSCALE":
		return Gray8, nil
	}
	return InvalidPixelFormat, fmt.Errorf("unknown pixel format %q", s)
}

// rgb returns the red, green and blue components of pixel i in data.
// Gray8 repeats the single component.
func (f PixelFormat) rgb(data []byte, i int) (r, g, b byte) {
	switch f {
	case BGRA32:
		p := data[i*4:]
		return p[2], p[1], p[0]
	case RGBA32:
		p := data[i*4:]
		return p[0], p[1], p[2]
	case ARGB32:
		p := data[i*4:]
		return p[1], p[2], p[3]
	case Gray8:
		v := data[i]
		return v, v, v
	}
	return 0, 0, 0
}

// putRGB writes pixel i of a four-byte format with an opaque alpha.
func (f PixelFormat) putRGB(data []byte, i int, r, g, b byte) {
	p := data[i*4 : i*4+4]
	switch f {
	case BGRA32:
		p[0], p[1], p[2], p[3] = b, g, r, 0xff
	case RGBA32:
		p[0], p[1], p[2], p[3] = r, g, b, 0xff
	case ARGB32:
		p[0], p[1], p[2], p[3] = 0xff, r, g, b
	}
}

// reorderPixels converts a four-byte color buffer to another four-byte
// color layout. Alpha is not carried over.
func reorderPixels(v *Value, to PixelFormat) *Value {
	n := v.width * v.height
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		r, g, b := v.format.rgb(v.data, i)
		to.putRGB(out, i, r, g, b)
	}
	return &Value{kind: KindPixelBuffer, width: v.width, height: v.height, format: to, data: out}
}
