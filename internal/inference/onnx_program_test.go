// internal/inference/onnx_program_test.go
package inference

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SyedDaiam9101/model-runner/internal/feature"
)

func f32Spec(name string, shape ...int64) feature.Spec {
	return feature.Spec{Name: name, Kind: feature.KindTensor, DType: feature.Float32, Shape: shape}
}

func f32(t *testing.T, shape []int64, data ...float32) *feature.Value {
	t.Helper()
	v, err := feature.NewTensor(shape, data)
	require.NoError(t, err)
	return v
}

func floats(t *testing.T, v *feature.Value) []float32 {
	t.Helper()
	arr, err := feature.Extract[float32](v)
	require.NoError(t, err)
	return arr.Data
}

// echoRun returns a run func mirroring input i as output i and recording
// the shapes of every call.
func echoRun(p *onnxProgram, calls *[][]int64) func([]*feature.Value) (*feature.Set, error) {
	return func(ins []*feature.Value) (*feature.Set, error) {
		*calls = append(*calls, ins[0].Shape())
		set := feature.NewSet()
		for i, spec := range p.desc.Outputs {
			set.Put(spec.Name, ins[i])
		}
		return set, nil
	}
}

func TestONNXProgram_NewStateZeroFills(t *testing.T) {
	p := &onnxProgram{
		desc: feature.Description{
			Inputs:  []feature.Spec{f32Spec("x", 1, 1), f32Spec("h_in", -1, 2, -1)},
			Outputs: []feature.Spec{f32Spec("h_out", -1, 2, -1)},
		},
		bindings: map[string]string{"h_out": "h_in"},
	}
	state, err := p.NewState()
	require.NoError(t, err)
	st := state.(*onnxState)
	require.Contains(t, st.values, "h_in")
	assert.Equal(t, []int64{1, 2, 0}, st.values["h_in"].Shape())

	p.bindings = nil
	state, err = p.NewState()
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestONNXProgram_StateFeedsBack(t *testing.T) {
	p := &onnxProgram{
		desc: feature.Description{
			Inputs:  []feature.Spec{f32Spec("x", 1, 1), f32Spec("h_in", 1, 1)},
			Outputs: []feature.Spec{f32Spec("y", 1, 1), f32Spec("h_out", 1, 1)},
		},
		bindings: map[string]string{"h_out": "h_in"},
	}
	var seen []float32
	p.run = func(ins []*feature.Value) (*feature.Set, error) {
		x, h := floats(t, ins[0])[0], floats(t, ins[1])[0]
		seen = append(seen, h)
		set := feature.NewSet()
		set.Put("y", f32(t, []int64{1, 1}, x+h))
		set.Put("h_out", f32(t, []int64{1, 1}, h+x))
		return set, nil
	}

	state, err := p.NewState()
	require.NoError(t, err)

	in := feature.NewSet()
	in.Put("x", f32(t, []int64{1, 1}, 2))
	for _, want := range []float32{2, 4, 6} {
		out, err := p.Predict(in, state)
		require.NoError(t, err)
		y, ok := out.Get("y")
		require.True(t, ok)
		assert.Equal(t, []float32{want}, floats(t, y))
	}
	assert.Equal(t, []float32{0, 2, 4}, seen)

	// an explicit value takes precedence over the carried state
	in.Put("h_in", f32(t, []int64{1, 1}, 10))
	out, err := p.Predict(in, state)
	require.NoError(t, err)
	y, _ := out.Get("y")
	assert.Equal(t, []float32{12}, floats(t, y))

	// without a state the bound input is required
	_, err = p.Predict(feature.NewSet(), nil)
	assert.Error(t, err)
}

func TestONNXProgram_PredictBatchStacksUnevenRows(t *testing.T) {
	p := &onnxProgram{
		desc: feature.Description{
			Inputs:  []feature.Spec{f32Spec("x", -1, 2)},
			Outputs: []feature.Spec{f32Spec("y", -1, 2)},
		},
	}
	var calls [][]int64
	p.run = echoRun(p, &calls)

	ints, err := feature.NewTensor([]int64{2, 2}, []int32{3, 4, 5, 6})
	require.NoError(t, err)
	row0, row1 := feature.NewSet(), feature.NewSet()
	row0.Put("x", f32(t, []int64{1, 2}, 1, 2))
	row1.Put("x", ints)

	out, err := p.PredictBatch([]*feature.Set{row0, row1})
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{3, 2}}, calls)
	require.Len(t, out, 2)

	y0, _ := out[0].Get("y")
	y1, _ := out[1].Get("y")
	assert.Equal(t, []int64{1, 2}, y0.Shape())
	assert.Equal(t, []float32{1, 2}, floats(t, y0))
	assert.Equal(t, []int64{2, 2}, y1.Shape())
	assert.Equal(t, []float32{3, 4, 5, 6}, floats(t, y1))
}

func TestONNXProgram_PredictBatchTailMismatchRunsRows(t *testing.T) {
	p := &onnxProgram{
		desc: feature.Description{
			Inputs:  []feature.Spec{f32Spec("x", -1, -1)},
			Outputs: []feature.Spec{f32Spec("y", -1, -1)},
		},
	}
	var calls [][]int64
	p.run = echoRun(p, &calls)

	row0, row1 := feature.NewSet(), feature.NewSet()
	row0.Put("x", f32(t, []int64{1, 2}, 1, 2))
	row1.Put("x", f32(t, []int64{1, 3}, 3, 4, 5))

	out, err := p.PredictBatch([]*feature.Set{row0, row1})
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{1, 2}, {1, 3}}, calls)
	y1, _ := out[1].Get("y")
	assert.Equal(t, []float32{3, 4, 5}, floats(t, y1))
}

func TestONNXProgram_PredictBatchOutputSizeMismatchRunsRows(t *testing.T) {
	p := &onnxProgram{
		desc: feature.Description{
			Inputs:  []feature.Spec{f32Spec("x", -1, 2)},
			Outputs: []feature.Spec{f32Spec("y", -1, 2)},
		},
	}
	calls := 0
	p.run = func(ins []*feature.Value) (*feature.Set, error) {
		calls++
		// always one entry, whatever was stacked
		set := feature.NewSet()
		set.Put("y", f32(t, []int64{1, 2}, float32(calls), 0))
		return set, nil
	}

	row := feature.NewSet()
	row.Put("x", f32(t, []int64{1, 2}, 1, 2))
	out, err := p.PredictBatch([]*feature.Set{row, row})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	y0, _ := out[0].Get("y")
	y1, _ := out[1].Get("y")
	assert.Equal(t, []float32{2, 0}, floats(t, y0))
	assert.Equal(t, []float32{3, 0}, floats(t, y1))
}

func TestONNXProgram_PredictBatchZeroFillsStateInputs(t *testing.T) {
	p := &onnxProgram{
		desc: feature.Description{
			Inputs:  []feature.Spec{f32Spec("x", 1, 1), f32Spec("h_in", 1, 1)},
			Outputs: []feature.Spec{f32Spec("y", 1, 1), f32Spec("h_out", 1, 1)},
		},
		bindings: map[string]string{"h_out": "h_in"},
	}
	var calls [][]int64
	p.run = echoRun(p, &calls)

	row := feature.NewSet()
	row.Put("x", f32(t, []int64{1, 1}, 7))
	out, err := p.PredictBatch([]*feature.Set{row})
	require.NoError(t, err)
	h, _ := out[0].Get("h_out")
	assert.Equal(t, []float32{0}, floats(t, h))

	_, err = p.PredictBatch([]*feature.Set{row, feature.NewSet()})
	assert.ErrorContains(t, err, `row 1: input "x" not provided`)
}

func TestStackRows(t *testing.T) {
	specs := []feature.Spec{f32Spec("a", -1, 2), f32Spec("b", -1)}
	table := [][]*feature.Value{
		{f32(t, []int64{1, 2}, 1, 2), f32(t, []int64{1}, 9)},
		{f32(t, []int64{2, 2}, 3, 4, 5, 6), f32(t, []int64{2}, 8, 7)},
	}
	stacked, counts, err := stackRows(specs, table)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, counts)
	assert.Equal(t, []int64{3, 2}, stacked[0].Shape())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, floats(t, stacked[0]))
	assert.Equal(t, []float32{9, 8, 7}, floats(t, stacked[1]))

	// row 1 disagrees on its leading size across inputs
	table[1][1] = f32(t, []int64{1}, 8)
	_, _, err = stackRows(specs, table)
	assert.True(t, errors.Is(err, errNotStackable))

	// scalars have no leading dimension
	_, _, err = stackRows(specs[:1], [][]*feature.Value{{f32(t, nil, 1)}})
	assert.True(t, errors.Is(err, errNotStackable))
}

func TestSplitRows(t *testing.T) {
	outs := feature.NewSet()
	outs.Put("y", f32(t, []int64{3, 1}, 1, 2, 3))
	rows, err := splitRows(outs, []int64{2, 1})
	require.NoError(t, err)
	y0, _ := rows[0].Get("y")
	y1, _ := rows[1].Get("y")
	assert.Equal(t, []float32{1, 2}, floats(t, y0))
	assert.Equal(t, []int64{1, 1}, y1.Shape())

	outs.Put("y", f32(t, []int64{4, 1}, 1, 2, 3, 4))
	_, err = splitRows(outs, []int64{2, 1})
	assert.True(t, errors.Is(err, errNotStackable))

	_, err = splitRows(outs, []int64{0, 0})
	assert.True(t, errors.Is(err, errNotStackable))
}

func TestOutputShape(t *testing.T) {
	half := func(shape ...int64) feature.Spec {
		return feature.Spec{Name: "y", Kind: feature.KindTensor, DType: feature.Float16, Shape: shape}
	}

	got, err := outputShape(half(-1, 3), 4)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 3}, got)

	got, err = outputShape(half(2, 3), 4)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, got)

	got, err = outputShape(half(), 1)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = outputShape(half(1, -1), 1)
	assert.ErrorContains(t, err, "needs a static shape")

	_, err = outputShape(half(-1, 3), 0)
	assert.Error(t, err)

	_, err = outputShape(half(1<<32, 1<<32), 1)
	assert.Error(t, err)
}

func TestONNXProgram_ClosedRejectsPredictions(t *testing.T) {
	p := &onnxProgram{desc: feature.Description{Inputs: []feature.Spec{f32Spec("x", 1)}}}
	var calls [][]int64
	p.run = echoRun(p, &calls)
	require.NoError(t, p.Close())

	_, err := p.Predict(feature.NewSet(), nil)
	assert.True(t, errors.Is(err, errProgramClosed))
	_, err = p.PredictBatch([]*feature.Set{feature.NewSet()})
	assert.True(t, errors.Is(err, errProgramClosed))
	assert.Empty(t, calls)
}
