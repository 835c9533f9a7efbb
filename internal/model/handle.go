// Package model provides the model handle: load a model once, feed it
// tensors and pixel buffers, and run single or batched predictions.
package model

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SyedDaiam9101/model-runner/internal/feature"
	"github.com/SyedDaiam9101/model-runner/internal/inference"
	"github.com/SyedDaiam9101/model-runner/internal/metrics"
	"github.com/SyedDaiam9101/model-runner/internal/resolver"
)

const tracerName = "github.com/SyedDaiam9101/model-runner/internal/model"

// State is the lifecycle state of a Handle.
type State int

const (
	Unloaded State = iota
	Loaded
	Failed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return "invalid"
	}
}

// Resolver maps a model source to an artifact.
type Resolver interface {
	Resolve(ctx context.Context, src resolver.Source) (resolver.Artifact, error)
}

// Option configures a Handle.
type Option func(*Handle)

// WithExecutor sets the executor that loads and runs the model. Without it
// the handle opens an onnxruntime executor on first load and owns it.
func WithExecutor(e inference.Executor) Option {
	return func(h *Handle) { h.exec = e }
}

// WithResolver sets the source resolver. Without it the handle extracts
// archives into resolver.DefaultCacheDir.
func WithResolver(r Resolver) Option {
	return func(h *Handle) { h.resolver = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handle) {
		if l != nil {
			h.logger = l
		}
	}
}

// Handle owns one loaded model together with its persistent state, the
// active input set for single predictions and the batch accumulator.
//
// Methods are serialised on an internal mutex, but a stateful model still
// expects one logical owner: interleaving two callers' inputs on one handle
// mixes their predictions. Use a handle per caller. Handles must not be copied.
type Handle struct {
	mu sync.Mutex

	id       string
	source   resolver.Source
	opts     inference.ModelOptions
	exec     inference.Executor
	ownsExec bool
	resolver Resolver
	logger   *zap.Logger
	tracer   trace.Tracer

	state    State
	closed   bool
	artifact resolver.Artifact
	program  inference.Program
	desc     feature.Description
	pstate   inference.State
	active   *feature.Set
	batch    *batch
}

// New returns an unloaded handle for source. opts is copied.
func New(source resolver.Source, opts inference.ModelOptions, options ...Option) *Handle {
	h := &Handle{
		id:     uuid.NewString(),
		source: source,
		opts:   opts.Clone(),
		logger: zap.NewNop(),
		tracer: otel.Tracer(tracerName),
		active: feature.NewSet(),
		batch:  newBatch(),
	}
	for _, opt := range options {
		opt(h)
	}
	h.logger = h.logger.With(zap.String("model_id", h.id))
	return h
}

// Load resolves source, loads it and returns a ready handle. On failure no
// handle is returned and everything acquired is released.
func Load(ctx context.Context, source resolver.Source, opts inference.ModelOptions, options ...Option) (*Handle, error) {
	h := New(source, opts, options...)
	if err := h.Load(ctx); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

// ID returns the handle's unique id, used in logs and traces.
func (h *Handle) ID() string { return h.id }

// Options returns a copy of the options the handle loads with.
func (h *Handle) Options() inference.ModelOptions { return h.opts.Clone() }

// State returns the lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Artifact returns what the source resolved to on the last successful load.
func (h *Handle) Artifact() resolver.Artifact {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.artifact
}

// Description returns the loaded model's declared features, or an empty
// description when nothing is loaded.
func (h *Handle) Description() feature.Description {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.desc.Clone()
}

// Load loads the model. Loading a loaded handle is a no-op; a failed
// handle may be loaded again.
func (h *Handle) Load(ctx context.Context) error {
	ctx, span := h.tracer.Start(ctx, "model.Load", trace.WithAttributes(
		attribute.String("model.id", h.id),
		attribute.String("model.source", h.source.String()),
		attribute.String("model.compute", h.opts.ComputePlatform.String()),
	))
	defer span.End()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if h.state == Loaded {
		return nil
	}

	start := time.Now()
	err := h.load(ctx)
	elapsed := time.Since(start)
	if err != nil {
		h.state = Failed
		metrics.RecordModelLoad("error", elapsed.Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.logger.Warn("model load failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		return err
	}

	h.state = Loaded
	metrics.RecordModelLoad("ok", elapsed.Seconds())
	metrics.ModelLoaded()
	h.logger.Info("model loaded",
		zap.String("artifact", h.artifact.String()),
		zap.Stringer("compute", h.opts.ComputePlatform),
		zap.Int("inputs", len(h.desc.Inputs)),
		zap.Int("outputs", len(h.desc.Outputs)),
		zap.Bool("stateful", h.desc.Stateful()),
		zap.Duration("elapsed", elapsed))
	return nil
}

func (h *Handle) load(ctx context.Context) error {
	src := h.source.String()

	if h.resolver == nil {
		cache, err := resolver.NewDirCache("", resolver.WithCacheLogger(h.logger))
		if err != nil {
			return &LoadError{Kind: ResolveFailed, Source: src, Err: err}
		}
		h.resolver = resolver.New(cache, resolver.WithLogger(h.logger))
	}
	artifact, err := h.resolver.Resolve(ctx, h.source)
	if err != nil {
		return &LoadError{Kind: ResolveFailed, Source: src, Err: err}
	}

	if !artifact.InMemory() {
		if _, err := os.Stat(artifact.Path); err != nil {
			kind := Compile
			if errors.Is(err, fs.ErrNotExist) {
				kind = NotFound
			}
			return &LoadError{Kind: kind, Source: src, Err: err}
		}
	}

	if h.exec == nil {
		exec, err := inference.NewONNX("", h.logger)
		if err != nil {
			return &LoadError{Kind: UnsupportedPlatform, Source: src, Err: err}
		}
		h.exec = exec
		h.ownsExec = true
	}

	program, err := h.exec.Load(artifact, h.opts)
	if err != nil {
		return &LoadError{Kind: loadKind(err), Source: src, Err: err}
	}
	pstate, err := program.NewState()
	if err != nil {
		program.Close()
		return &LoadError{Kind: Compile, Source: src, Err: fmt.Errorf("failed to initialise model state: %w", err)}
	}

	h.artifact = artifact
	h.program = program
	h.desc = program.Description()
	h.pstate = pstate
	h.active = feature.NewSet()
	h.batch.reset()
	return nil
}

func loadKind(err error) LoadErrorKind {
	switch {
	case errors.Is(err, inference.ErrUnsupportedFormat):
		return UnsupportedFormat
	case errors.Is(err, inference.ErrUnsupportedPlatform):
		return UnsupportedPlatform
	case errors.Is(err, fs.ErrNotExist):
		return NotFound
	default:
		return Compile
	}
}

// Unload releases the loaded model and returns the handle to Unloaded.
// Pending inputs and persistent state are dropped.
func (h *Handle) Unload() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unload()
}

func (h *Handle) unload() error {
	wasLoaded := h.state == Loaded
	var err error
	if h.program != nil {
		err = h.program.Close()
		h.program = nil
	}
	h.desc = feature.Description{}
	h.pstate = nil
	h.active = feature.NewSet()
	h.batch.reset()
	h.state = Unloaded
	if wasLoaded {
		metrics.ModelUnloaded()
		h.logger.Debug("model unloaded")
	}
	return err
}

// Close unloads the model and releases an executor the handle created.
// The handle is unusable afterwards.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	err := h.unload()
	if h.ownsExec && h.exec != nil {
		err = errors.Join(err, h.exec.Close())
		h.exec = nil
	}
	return err
}

// ready returns an error unless a model is loaded. h.mu must be held.
func (h *Handle) ready() error {
	if h.closed {
		return predictErr(NotLoaded, ErrClosed)
	}
	if h.state != Loaded {
		return predictErr(NotLoaded, fmt.Errorf("handle is %s", h.state))
	}
	return nil
}

// bind validates v against the declared input. h.mu must be held.
func (h *Handle) bind(name string, v *feature.Value) (*feature.Value, error) {
	spec, ok := h.desc.Input(name)
	if !ok {
		return nil, &feature.FeatureError{Kind: feature.UnknownInputName, Name: name, Details: fmt.Sprintf("model inputs are %v", inputNames(h.desc))}
	}
	return feature.Bind(spec, v)
}

func inputNames(d feature.Description) []string {
	names := make([]string, len(d.Inputs))
	for i, s := range d.Inputs {
		names[i] = s.Name
	}
	return names
}

// AddInput adds v to the active input set under name. The set is left
// unchanged when v does not fit the declared input.
func (h *Handle) AddInput(name string, v *feature.Value) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.ready(); err != nil {
		return err
	}
	bound, err := h.bind(name, v)
	if err != nil {
		return err
	}
	h.active.Put(name, bound)
	return nil
}

// AddInputCVPixelBuffer adds a BGRA image, four bytes per pixel.
func (h *Handle) AddInputCVPixelBuffer(name string, width, height int, bgra []byte) error {
	return h.AddInputPixelBuffer(name, width, height, feature.BGRA32, bgra)
}

// AddInputPixelBuffer adds a packed image in the given format.
func (h *Handle) AddInputPixelBuffer(name string, width, height int, format feature.PixelFormat, data []byte) error {
	v, err := pixelValue(name, width, height, format, data)
	if err != nil {
		return err
	}
	return h.AddInput(name, v)
}

// AddBatchInput adds v to batch row under name. Rows are independent and
// may be added in any order.
func (h *Handle) AddBatchInput(row int, name string, v *feature.Value) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.ready(); err != nil {
		return err
	}
	if row < 0 {
		return &feature.FeatureError{Kind: feature.InvalidRow, Name: name, Details: fmt.Sprintf("row %d is negative", row)}
	}
	bound, err := h.bind(name, v)
	if err != nil {
		return err
	}
	h.batch.put(row, name, bound)
	return nil
}

// AddBatchInputPixelBuffer adds a packed image to batch row.
func (h *Handle) AddBatchInputPixelBuffer(row int, name string, width, height int, format feature.PixelFormat, data []byte) error {
	v, err := pixelValue(name, width, height, format, data)
	if err != nil {
		return err
	}
	return h.AddBatchInput(row, name, v)
}

func pixelValue(name string, width, height int, format feature.PixelFormat, data []byte) (*feature.Value, error) {
	v, err := feature.NewPixelBuffer(width, height, format, data)
	if err != nil {
		var fe *feature.FeatureError
		if errors.As(err, &fe) {
			fe.Name = name
		}
		return nil, err
	}
	return v, nil
}

// PendingInputs returns the names in the active input set.
func (h *Handle) PendingInputs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active.Names()
}

// BatchRows returns the batch row indices added so far, ascending.
func (h *Handle) BatchRows() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.batch.indices()
}

// ClearInputs drops the active input set and every batch row.
func (h *Handle) ClearInputs() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = feature.NewSet()
	h.batch.reset()
}

// ResetState reinitialises the model's persistent state.
func (h *Handle) ResetState() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.ready(); err != nil {
		return err
	}
	ps, err := h.program.NewState()
	if err != nil {
		return predictErr(Execution, err)
	}
	h.pstate = ps
	return nil
}

// Predict runs one prediction over the active input set, advancing
// persistent state. The active set is cleared only on success.
func (h *Handle) Predict(ctx context.Context) (*Result, error) {
	_, span := h.tracer.Start(ctx, "model.Predict", trace.WithAttributes(attribute.String("model.id", h.id)))
	defer span.End()

	h.mu.Lock()
	defer h.mu.Unlock()

	res, err := h.predict()
	if err != nil {
		h.failed(span, err)
		return nil, err
	}
	return res, nil
}

func (h *Handle) predict() (*Result, error) {
	if err := h.ready(); err != nil {
		return nil, err
	}
	if missing := h.desc.MissingInputs(h.active); len(missing) > 0 {
		return nil, &PredictError{Kind: MissingInput, Name: missing[0], Row: -1}
	}

	start := time.Now()
	out, err := h.program.Predict(h.active, h.pstate)
	elapsed := time.Since(start)
	metrics.RecordInferenceLatency("single", elapsed.Seconds())
	if err != nil {
		return nil, predictErr(Execution, err)
	}

	h.active = feature.NewSet()
	h.logger.Debug("prediction complete", zap.Int("outputs", out.Len()), zap.Duration("elapsed", elapsed))
	return newResult(out), nil
}

// PredictBatch runs every accumulated row through one executor call.
// Each row is checked for missing inputs first; if any row is incomplete
// the executor is not called. The accumulator is cleared on success.
func (h *Handle) PredictBatch(ctx context.Context) (*BatchResult, error) {
	_, span := h.tracer.Start(ctx, "model.PredictBatch", trace.WithAttributes(attribute.String("model.id", h.id)))
	defer span.End()

	h.mu.Lock()
	defer h.mu.Unlock()

	res, err := h.predictBatch()
	if err != nil {
		h.failed(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("batch.rows", len(res.Rows)))
	return res, nil
}

func (h *Handle) predictBatch() (*BatchResult, error) {
	if err := h.ready(); err != nil {
		return nil, err
	}
	if h.batch.len() == 0 {
		return nil, predictErr(EmptyBatch, nil)
	}

	rows := h.batch.indices()
	sets := make([]*feature.Set, len(rows))
	for k, r := range rows {
		set := h.batch.rows[r]
		if missing := h.desc.MissingInputs(set); len(missing) > 0 {
			return nil, &PredictError{Kind: MissingInput, Name: missing[0], Row: r}
		}
		sets[k] = set
	}

	metrics.RecordInferenceBatch(len(rows))
	start := time.Now()
	outs, err := h.program.PredictBatch(sets)
	elapsed := time.Since(start)
	metrics.RecordInferenceLatency("batch", elapsed.Seconds())
	if err != nil {
		return nil, predictErr(Execution, err)
	}
	if len(outs) != len(rows) {
		return nil, predictErr(Execution, fmt.Errorf("executor returned %d outputs for %d rows", len(outs), len(rows)))
	}

	res := &BatchResult{Rows: rows, Outputs: make([]*Result, len(outs))}
	for k, o := range outs {
		res.Outputs[k] = newResult(o)
	}
	h.batch.reset()
	h.logger.Debug("batch prediction complete", zap.Int("rows", len(rows)), zap.Duration("elapsed", elapsed))
	return res, nil
}

func (h *Handle) failed(span trace.Span, err error) {
	kind := "unknown"
	var pe *PredictError
	if errors.As(err, &pe) {
		kind = pe.Kind.String()
	}
	metrics.RecordPredictError(kind)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	h.logger.Debug("prediction failed", zap.String("kind", kind), zap.Error(err))
}
