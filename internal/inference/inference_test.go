// internal/inference/inference_test.go
package inference

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/SyedDaiam9101/model-runner/internal/feature"
	"github.com/SyedDaiam9101/model-runner/internal/resolver"
)

func inputSet(t *testing.T, vals ...float32) *feature.Set {
	t.Helper()
	v, err := feature.NewTensor([]int64{1, int64(len(vals))}, vals)
	require.NoError(t, err)
	s := feature.NewSet()
	s.Put("input", v)
	return s
}

func TestMockExecutor_Echo(t *testing.T) {
	mock := NewMock()
	prog, err := mock.Load(resolver.Artifact{Path: "unused"}, DefaultModelOptions())
	require.NoError(t, err)
	defer prog.Close()

	in := inputSet(t, 0.1, 0.2, 0.3, 0.4)
	out, err := prog.Predict(in, nil)
	require.NoError(t, err)

	got, ok := out.Get("input")
	require.True(t, ok)
	want, _ := in.Get("input")
	assert.True(t, got.Equal(want))
	assert.Equal(t, 1, mock.CallCount)
	assert.Equal(t, 1, mock.LoadCount)
}

func TestMockExecutor_PredictError(t *testing.T) {
	mock := NewMock()
	prog, err := mock.Load(resolver.Artifact{Path: "unused"}, DefaultModelOptions())
	require.NoError(t, err)

	mock.SetError("test error")
	_, err = prog.Predict(inputSet(t, 1, 2, 3, 4), nil)
	require.Error(t, err)
	assert.Equal(t, "test error", err.Error())

	mock.ClearError()
	_, err = prog.Predict(inputSet(t, 1, 2, 3, 4), nil)
	assert.NoError(t, err)
}

func TestMockExecutor_CannedOutputs(t *testing.T) {
	action, err := feature.NewTensor([]int64{1, 5}, []float32{1, 2, 3, 4, 5})
	require.NoError(t, err)
	outputs := feature.NewSet()
	outputs.Put("action", action)

	mock := NewMockWithOutputs(NewMock().Desc, outputs)
	prog, err := mock.Load(resolver.Artifact{Path: "unused"}, DefaultModelOptions())
	require.NoError(t, err)

	rows := []*feature.Set{inputSet(t, 1, 2, 3, 4), inputSet(t, 5, 6, 7, 8)}
	res, err := prog.PredictBatch(rows)
	require.NoError(t, err)
	require.Len(t, res, 2)
	for _, r := range res {
		got, ok := r.Get("action")
		require.True(t, ok)
		assert.True(t, got.Equal(action))
	}
	assert.Equal(t, 1, mock.BatchCallCount)
	assert.Equal(t, 2, mock.LastBatchSize)
	assert.Equal(t, 0, mock.CallCount)
}

func TestMockExecutor_EmptyBatch(t *testing.T) {
	prog, err := NewMock().Load(resolver.Artifact{Path: "unused"}, DefaultModelOptions())
	require.NoError(t, err)
	_, err = prog.PredictBatch(nil)
	assert.Error(t, err)
}

func TestMockExecutor_StatefulCounter(t *testing.T) {
	mock := NewMock()
	mock.Stateful = true
	prog, err := mock.Load(resolver.Artifact{Path: "unused"}, DefaultModelOptions())
	require.NoError(t, err)
	desc := prog.Description()
	assert.True(t, desc.Stateful())

	state, err := prog.NewState()
	require.NoError(t, err)

	for want := int64(1); want <= 3; want++ {
		out, err := prog.Predict(inputSet(t, 1, 1, 1, 1), state)
		require.NoError(t, err)
		c, ok := out.Get(MockCounterOutput)
		require.True(t, ok)
		arr, err := feature.Extract[int64](c)
		require.NoError(t, err)
		assert.Equal(t, []int64{want}, arr.Data)
	}

	_, err = prog.Predict(inputSet(t, 1, 1, 1, 1), nil)
	assert.Error(t, err)
}

func TestMockProgram_NewStateConcurrentWithToggle(t *testing.T) {
	mock := NewMock()
	prog, err := mock.Load(resolver.Artifact{Path: "unused"}, DefaultModelOptions())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(on bool) {
			defer wg.Done()
			mock.SetStateful(on)
		}(i%2 == 0)
		go func() {
			defer wg.Done()
			_, err := prog.NewState()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mock.SetStateful(true)
	state, err := prog.NewState()
	require.NoError(t, err)
	assert.NotNil(t, state)
}

func TestMockExecutor_LoadError(t *testing.T) {
	mock := NewMock()
	mock.LoadErr = ErrUnsupportedPlatform
	_, err := mock.Load(resolver.Artifact{Path: "unused"}, DefaultModelOptions())
	assert.True(t, errors.Is(err, ErrUnsupportedPlatform))
	assert.Equal(t, 0, mock.LoadCount)
}

func TestMockExecutor_DescribesArtifactWhenDescEmpty(t *testing.T) {
	mock := &MockExecutor{}
	_, err := mock.Load(resolver.Artifact{Data: []byte("definitely not a model")}, DefaultModelOptions())
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestMockProgram_OptionsAreCopied(t *testing.T) {
	opts := ModelOptions{ComputePlatform: CPUOnly, StateBindings: map[string]string{"h_out": "h_in"}}
	prog, err := NewMock().Load(resolver.Artifact{Path: "unused"}, opts)
	require.NoError(t, err)

	opts.StateBindings["h_out"] = "changed"
	got := prog.(*MockProgram).Options()
	assert.Equal(t, "h_in", got.StateBindings["h_out"])
	assert.Equal(t, CPUOnly, got.ComputePlatform)
}

func TestParseComputePlatform(t *testing.T) {
	tests := []struct {
		in   string
		want ComputePlatform
	}{
		{"", All},
		{"all", All},
		{"CPU", CPUOnly},
		{"cpu_and_ane", CPUAndAccelerator},
		{"cpu_and_gpu", CPUAndGPU},
	}
	for _, tt := range tests {
		got, err := ParseComputePlatform(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		if tt.in != "" && tt.in != "CPU" {
			assert.Equal(t, tt.in, got.String())
		}
	}
	_, err := ParseComputePlatform("tpu")
	assert.Error(t, err)
}

func TestCoreMLProviderOptions(t *testing.T) {
	_, ok := CoreMLProviderOptions(ModelOptions{ComputePlatform: CPUOnly}, "/cache")
	assert.False(t, ok)

	tests := []struct {
		name string
		opts ModelOptions
		want map[string]string
	}{
		{
			name: "all with cache",
			opts: ModelOptions{ComputePlatform: All},
			want: map[string]string{
				"MLComputeUnits":                     "ALL",
				"RequireStaticInputShapes":           "0",
				"AllowLowPrecisionAccumulationOnGPU": "0",
				"ModelCacheDirectory":                "/cache",
			},
		},
		{
			name: "neural engine static shapes",
			opts: ModelOptions{ComputePlatform: CPUAndAccelerator, StaticInputShapes: true},
			want: map[string]string{
				"MLComputeUnits":                     "CPUAndNeuralEngine",
				"RequireStaticInputShapes":           "1",
				"AllowLowPrecisionAccumulationOnGPU": "0",
				"ModelCacheDirectory":                "/cache",
			},
		},
		{
			name: "gpu low precision already compiled",
			opts: ModelOptions{ComputePlatform: CPUAndGPU, LowPrecisionAccumulation: true, Compiled: true},
			want: map[string]string{
				"MLComputeUnits":                     "CPUAndGPU",
				"RequireStaticInputShapes":           "0",
				"AllowLowPrecisionAccumulationOnGPU": "1",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CoreMLProviderOptions(tt.opts, "/cache")
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	got, _ := CoreMLProviderOptions(ModelOptions{ComputePlatform: All}, "")
	assert.NotContains(t, got, "ModelCacheDirectory")
}

func TestONNXExecutor_CompileDir(t *testing.T) {
	base := t.TempDir()
	e := &ONNXExecutor{logger: zap.NewNop()}
	WithCompileCache(base)(e)

	dir := e.compileDir(resolver.Artifact{Path: "/models/a.onnx", Digest: "abc"}, "/models/a.onnx")
	assert.Equal(t, filepath.Join(base, "abc"), dir)
	assert.DirExists(t, dir)

	dir = e.compileDir(resolver.Artifact{Data: []byte("onnx bytes")}, "")
	assert.Equal(t, filepath.Join(base, resolver.Digest([]byte("onnx bytes"))), dir)

	dir = e.compileDir(resolver.Artifact{Path: "/models/b.onnx"}, "/models/b.onnx")
	assert.Equal(t, filepath.Join(base, resolver.Digest([]byte("/models/b.onnx"))), dir)

	WithCompileCache("")(e)
	assert.Empty(t, e.compileDir(resolver.Artifact{Path: "/models/a.onnx", Digest: "abc"}, "/models/a.onnx"))
}

func TestDescribe_StateBindings(t *testing.T) {
	ins := []ort.InputOutputInfo{
		{Name: "x", OrtValueType: ort.ONNXTypeTensor, DataType: ort.TensorElementDataTypeFloat, Dimensions: ort.NewShape(-1, 4)},
		{Name: "h_in", OrtValueType: ort.ONNXTypeTensor, DataType: ort.TensorElementDataTypeFloat, Dimensions: ort.NewShape(1, 8)},
	}
	outs := []ort.InputOutputInfo{
		{Name: "y", OrtValueType: ort.ONNXTypeTensor, DataType: ort.TensorElementDataTypeFloat16, Dimensions: ort.NewShape(-1, 2)},
		{Name: "h_out", OrtValueType: ort.ONNXTypeTensor, DataType: ort.TensorElementDataTypeFloat, Dimensions: ort.NewShape(1, 8)},
	}

	desc, err := describe(ins, outs, map[string]string{"h_out": "h_in"})
	require.NoError(t, err)
	assert.Equal(t, []int64{-1, 4}, desc.Inputs[0].Shape)
	assert.Equal(t, feature.Float16, desc.Outputs[0].DType)
	assert.Equal(t, []string{"x"}, desc.RequiredInputs())
	require.Len(t, desc.States, 1)
	assert.Equal(t, "h_in", desc.States[0].Name)

	_, err = describe(ins, outs, map[string]string{"nope": "h_in"})
	assert.Error(t, err)
	_, err = describe(ins, outs, map[string]string{"y": "h_in"})
	assert.Error(t, err, "dtype mismatch between output and bound input")
}

func TestDescribe_RejectsNonTensor(t *testing.T) {
	ins := []ort.InputOutputInfo{{Name: "seq", OrtValueType: ort.ONNXTypeSequence}}
	_, err := describe(ins, nil, nil)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestONNXPath(t *testing.T) {
	dir := t.TempDir()
	_, err := onnxPath(dir)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))

	require.NoError(t, os.WriteFile(dir+"/model.onnx", []byte("x"), 0o644))
	p, err := onnxPath(dir)
	require.NoError(t, err)
	assert.Equal(t, dir+"/model.onnx", p)

	require.NoError(t, os.WriteFile(dir+"/model.mlmodel", []byte("x"), 0o644))
	_, err = onnxPath(dir + "/model.mlmodel")
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestRealInference_WithModel(t *testing.T) {
	// Skip if ONNX model or library is not available
	modelPath := "testdata/dummy.onnx"
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		t.Skip("Skipping real inference test: testdata/dummy.onnx not found")
	}

	exec, err := NewONNX(os.Getenv("ONNXRUNTIME_LIB"), nil)
	if err != nil {
		t.Skipf("Skipping real inference test: %v", err)
	}
	defer exec.Close()

	prog, err := exec.Load(resolver.Artifact{Path: modelPath}, ModelOptions{ComputePlatform: CPUOnly})
	require.NoError(t, err)
	defer prog.Close()

	desc := prog.Description()
	require.NotEmpty(t, desc.Inputs)

	in := feature.NewSet()
	for _, spec := range desc.Inputs {
		shape := make([]int64, len(spec.Shape))
		for i, d := range spec.Shape {
			if d < 0 {
				d = 1
			}
			shape[i] = d
		}
		v, err := feature.Zeros(spec.DType, shape)
		require.NoError(t, err)
		in.Put(spec.Name, v)
	}

	out, err := prog.Predict(in, nil)
	require.NoError(t, err)
	assert.Equal(t, len(desc.Outputs), out.Len())

	rows, err := prog.PredictBatch([]*feature.Set{in, in})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
