package feature

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestExtract_DtypeMismatch(t *testing.T) {
	v, err := NewTensor([]int64{2}, []float32{1, 2})
	require.NoError(t, err)

	_, err = Extract[int32](v)
	var ee *ExtractError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, DtypeMismatch, ee.Kind)

	// Extraction is read-only and repeatable.
	for i := 0; i < 3; i++ {
		out, err := Extract[float32](v)
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 2}, out.Data)
	}
}

func TestExtract_PixelBufferNeedsDecode(t *testing.T) {
	v, err := NewPixelBuffer(1, 1, RGBA32, []byte{10, 20, 30, 255})
	require.NoError(t, err)

	_, err = Extract[uint8](v)
	var ee *ExtractError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, NeedsDecode, ee.Kind)

	_, err = ToFloat32(v)
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, NeedsDecode, ee.Kind)
}

func TestExtractShaped(t *testing.T) {
	v, err := NewTensor([]int64{6}, []int64{0, 1, 2, 3, 4, 5})
	require.NoError(t, err)

	a, err := ExtractShaped[int64](v, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2}, a.Shape)
	assert.Equal(t, int64(3), a.At(1, 1))

	_, err = ExtractShaped[int64](v, 4, 2)
	var ee *ExtractError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, ExtractShapeMismatch, ee.Kind)
}

func TestToFloat32_WidensFloat16(t *testing.T) {
	v, err := NewTensor([]int64{3}, []float16.Float16{
		float16.Fromfloat32(1), float16.Fromfloat32(0.25), float16.Fromfloat32(-8),
	})
	require.NoError(t, err)

	out, err := ToFloat32(v)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0.25, -8}, out.Data)
}

func TestConvert(t *testing.T) {
	ints, err := NewTensor([]int64{3}, []int32{-3, 0, 300})
	require.NoError(t, err)

	f, err := Convert(ints, Float32)
	require.NoError(t, err)
	fs, err := Extract[float32](f)
	require.NoError(t, err)
	assert.Equal(t, []float32{-3, 0, 300}, fs.Data)

	wide, err := Convert(ints, Int64)
	require.NoError(t, err)
	ws, err := Extract[int64](wide)
	require.NoError(t, err)
	assert.Equal(t, []int64{-3, 0, 300}, ws.Data)

	_, err = Convert(f, Int32)
	var fe *FeatureError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, UnsupportedDtype, fe.Kind)

	same, err := Convert(f, Float32)
	require.NoError(t, err)
	assert.Same(t, f, same)
}

func TestDecodePixels(t *testing.T) {
	// 2x1 BGRA: pixel0 = (r=3,g=2,b=1), pixel1 = (r=6,g=5,b=4)
	v, err := NewPixelBuffer(2, 1, BGRA32, []byte{1, 2, 3, 255, 4, 5, 6, 255})
	require.NoError(t, err)

	nchw, err := DecodePixels(v, NCHW, Float32)
	require.NoError(t, err)
	a, err := Extract[float32](nchw)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 1, 2}, a.Shape)
	assert.Equal(t, []float32{3, 6, 2, 5, 1, 4}, a.Data)

	nhwc, err := DecodePixels(v, NHWC, Uint8)
	require.NoError(t, err)
	b, err := Extract[uint8](nhwc)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1, 2, 3}, b.Shape)
	assert.Equal(t, []uint8{3, 2, 1, 6, 5, 4}, b.Data)

	gray, err := NewPixelBuffer(2, 1, Gray8, []byte{7, 9})
	require.NoError(t, err)
	g, err := DecodePixels(gray, NCHW, Float32)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1, 1, 2}, g.Shape())
}
