// internal/inference/onnx.go
package inference

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/SyedDaiam9101/model-runner/internal/feature"
	"github.com/SyedDaiam9101/model-runner/internal/resolver"
)

// CoreML execution provider option keys read by onnxruntime.
const (
	coreMLComputeUnits  = "MLComputeUnits"
	coreMLStaticShapes  = "RequireStaticInputShapes"
	coreMLLowPrecision  = "AllowLowPrecisionAccumulationOnGPU"
	coreMLModelCacheDir = "ModelCacheDirectory"
)

const (
	onnxModelEntry = "model.onnx"
	onnxModelExt   = ".onnx"

	// CompiledDirName is the subdirectory of a cache base holding models
	// compiled by the CoreML provider.
	CompiledDirName = "compiled"
)

// CoreMLProviderOptions returns the CoreML execution provider options for
// opts, and false when no provider should be appended. Unless opts marks the
// artifact as compiled, cacheDir (when set) receives the compiled model.
func CoreMLProviderOptions(opts ModelOptions, cacheDir string) (map[string]string, bool) {
	units := "ALL"
	switch opts.ComputePlatform {
	case CPUOnly:
		return nil, false
	case CPUAndAccelerator:
		units = "CPUAndNeuralEngine"
	case CPUAndGPU:
		units = "CPUAndGPU"
	}
	po := map[string]string{
		coreMLComputeUnits: units,
		coreMLStaticShapes: flagValue(opts.StaticInputShapes),
		coreMLLowPrecision: flagValue(opts.LowPrecisionAccumulation),
	}
	if !opts.Compiled && cacheDir != "" {
		po[coreMLModelCacheDir] = cacheDir
	}
	return po, true
}

func flagValue(on bool) string {
	if on {
		return "1"
	}
	return "0"
}

// The onnxruntime environment is process-global; executors share it.
var (
	envMu   sync.Mutex
	envRefs int
	envOwn  bool
)

func acquireEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 && !ort.IsInitialized() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
		envOwn = true
	}
	envRefs++
	return nil
}

func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		return nil
	}
	envRefs--
	if envRefs == 0 && envOwn {
		envOwn = false
		return ort.DestroyEnvironment()
	}
	return nil
}

// ONNXExecutor loads ONNX models into onnxruntime sessions. On Apple
// platforms the compute platform is honoured through the CoreML execution
// provider; elsewhere only CPUOnly and All can be satisfied.
type ONNXExecutor struct {
	mu           sync.Mutex
	logger       *zap.Logger
	compileCache string
	closed       bool
}

// ONNXOption configures an ONNXExecutor.
type ONNXOption func(*ONNXExecutor)

// WithCompileCache sets the directory the CoreML provider caches compiled
// models under, one subdirectory per model. An empty dir disables caching.
func WithCompileCache(dir string) ONNXOption {
	return func(e *ONNXExecutor) {
		e.compileCache = dir
	}
}

// NewONNX initialises the onnxruntime environment, loading the shared
// library from libraryPath when it is non-empty.
func NewONNX(libraryPath string, logger *zap.Logger, opts ...ONNXOption) (*ONNXExecutor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &ONNXExecutor{
		logger:       logger,
		compileCache: filepath.Join(resolver.DefaultCacheDir(), CompiledDirName),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := acquireEnvironment(libraryPath); err != nil {
		return nil, err
	}
	return e, nil
}

// Load opens the artifact: an .onnx file, a directory holding model.onnx,
// or in-memory ONNX bytes.
func (e *ONNXExecutor) Load(artifact resolver.Artifact, opts ModelOptions) (Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New("onnx executor is closed")
	}

	var (
		path string
		data []byte
	)
	if artifact.InMemory() {
		if resolver.IsZip(artifact.Data) {
			return nil, fmt.Errorf("%w: zip archives must be resolved to a path", ErrUnsupportedFormat)
		}
		data = artifact.Data
	} else {
		p, err := onnxPath(artifact.Path)
		if err != nil {
			return nil, err
		}
		path = p
	}

	var (
		ins, outs []ort.InputOutputInfo
		err       error
	)
	if data != nil {
		ins, outs, err = ort.GetInputOutputInfoWithONNXData(data)
	} else {
		ins, outs, err = ort.GetInputOutputInfo(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read model inputs and outputs: %w", err)
	}

	desc, err := describe(ins, outs, opts.StateBindings)
	if err != nil {
		return nil, err
	}

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer sessOpts.Destroy()

	if po, ok := CoreMLProviderOptions(opts, e.compileDir(artifact, path)); ok {
		if err := sessOpts.AppendExecutionProviderCoreMLV2(po); err != nil {
			if opts.ComputePlatform != All {
				return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedPlatform, opts.ComputePlatform, err)
			}
			e.logger.Info("CoreML provider unavailable, running on CPU", zap.Error(err))
		}
	}

	inNames := names(ins)
	outNames := names(outs)
	var session *ort.DynamicAdvancedSession
	if data != nil {
		session, err = ort.NewDynamicAdvancedSessionWithONNXData(data, inNames, outNames, sessOpts)
	} else {
		session, err = ort.NewDynamicAdvancedSession(path, inNames, outNames, sessOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	e.logger.Debug("onnx model loaded",
		zap.String("artifact", artifact.String()),
		zap.Stringer("compute", opts.ComputePlatform),
		zap.Int("inputs", len(ins)),
		zap.Int("outputs", len(outs)))

	return newONNXProgram(session, desc, opts.Clone().StateBindings), nil
}

// Close releases this executor's hold on the onnxruntime environment.
func (e *ONNXExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return releaseEnvironment()
}

// compileDir returns the compiled model cache directory for an artifact, or
// "" when caching is off or the directory cannot be created.
func (e *ONNXExecutor) compileDir(artifact resolver.Artifact, path string) string {
	if e.compileCache == "" {
		return ""
	}
	key := artifact.Digest
	if key == "" {
		if artifact.InMemory() {
			key = resolver.Digest(artifact.Data)
		} else {
			key = resolver.Digest([]byte(path))
		}
	}
	dir := filepath.Join(e.compileCache, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.logger.Warn("compiled model cache unavailable", zap.String("dir", dir), zap.Error(err))
		return ""
	}
	return dir
}

func onnxPath(p string) (string, error) {
	info, err := os.Stat(p)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		entry := filepath.Join(p, onnxModelEntry)
		if _, err := os.Stat(entry); err != nil {
			return "", fmt.Errorf("%w: %s holds no %s", ErrUnsupportedFormat, p, onnxModelEntry)
		}
		return entry, nil
	}
	if !strings.EqualFold(filepath.Ext(p), onnxModelExt) {
		return "", fmt.Errorf("%w: %s is not an ONNX model", ErrUnsupportedFormat, filepath.Base(p))
	}
	return p, nil
}

func names(infos []ort.InputOutputInfo) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.Name
	}
	return out
}

func describe(ins, outs []ort.InputOutputInfo, bindings map[string]string) (feature.Description, error) {
	var desc feature.Description
	for _, info := range ins {
		spec, err := specFor(info)
		if err != nil {
			return feature.Description{}, err
		}
		desc.Inputs = append(desc.Inputs, spec)
	}
	for _, info := range outs {
		spec, err := specFor(info)
		if err != nil {
			return feature.Description{}, err
		}
		desc.Outputs = append(desc.Outputs, spec)
	}

	bound := make([]string, 0, len(bindings))
	for out := range bindings {
		bound = append(bound, out)
	}
	slices.Sort(bound)
	for _, out := range bound {
		in := bindings[out]
		o, ok := desc.Output(out)
		if !ok {
			return feature.Description{}, fmt.Errorf("state binding: model has no output %q", out)
		}
		idx := -1
		for i, s := range desc.Inputs {
			if s.Name == in {
				idx = i
			}
		}
		if idx < 0 {
			return feature.Description{}, fmt.Errorf("state binding: model has no input %q", in)
		}
		if o.DType != desc.Inputs[idx].DType {
			return feature.Description{}, fmt.Errorf("state binding %s -> %s: dtype %s does not match %s", out, in, o.DType, desc.Inputs[idx].DType)
		}
		desc.Inputs[idx].Optional = true
		desc.States = append(desc.States, desc.Inputs[idx])
	}
	return desc, nil
}

func specFor(info ort.InputOutputInfo) (feature.Spec, error) {
	if info.OrtValueType != ort.ONNXTypeTensor {
		return feature.Spec{}, fmt.Errorf("%w: %s is not a tensor", ErrUnsupportedFormat, info.Name)
	}
	dtype := dtypeFromORT(info.DataType)
	if dtype == feature.InvalidDType {
		return feature.Spec{}, fmt.Errorf("%w: %s has unsupported element type %v", ErrUnsupportedFormat, info.Name, info.DataType)
	}
	shape := make([]int64, len(info.Dimensions))
	for i, d := range info.Dimensions {
		if d < 0 {
			d = -1
		}
		shape[i] = d
	}
	return feature.Spec{Name: info.Name, Kind: feature.KindTensor, DType: dtype, Shape: shape}, nil
}

func dtypeFromORT(t ort.TensorElementDataType) feature.DType {
	switch t {
	case ort.TensorElementDataTypeFloat16:
		return feature.Float16
	case ort.TensorElementDataTypeFloat:
		return feature.Float32
	case ort.TensorElementDataTypeDouble:
		return feature.Float64
	case ort.TensorElementDataTypeInt32:
		return feature.Int32
	case ort.TensorElementDataTypeInt64:
		return feature.Int64
	case ort.TensorElementDataTypeUint8:
		return feature.Uint8
	}
	return feature.InvalidDType
}

func dtypeToORT(d feature.DType) ort.TensorElementDataType {
	switch d {
	case feature.Float16:
		return ort.TensorElementDataTypeFloat16
	case feature.Float32:
		return ort.TensorElementDataTypeFloat
	case feature.Float64:
		return ort.TensorElementDataTypeDouble
	case feature.Int32:
		return ort.TensorElementDataTypeInt32
	case feature.Int64:
		return ort.TensorElementDataTypeInt64
	case feature.Uint8:
		return ort.TensorElementDataTypeUint8
	}
	return ort.TensorElementDataTypeUndefined
}

// Ensure ONNXExecutor implements Executor at compile time
var _ Executor = (*ONNXExecutor)(nil)
