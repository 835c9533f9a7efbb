// internal/inference/mock.go
package inference

import (
	"errors"
	"fmt"
	"sync"

	"github.com/SyedDaiam9101/model-runner/internal/feature"
	"github.com/SyedDaiam9101/model-runner/internal/mlmodel"
	"github.com/SyedDaiam9101/model-runner/internal/resolver"
)

// MockCounterOutput is the output a stateful mock program reports its
// counter under.
const MockCounterOutput = "counter"

// MockExecutor is a stub Executor for tests and dry runs. Its programs either
// echo their inputs or return canned outputs, without any native library.
type MockExecutor struct {
	mu sync.Mutex

	// Desc is the description loaded programs report. When it declares no
	// inputs, Load reads the description from a CoreML artifact instead.
	Desc feature.Description
	// Outputs, when non-nil, is returned by every prediction in place of
	// echoing the inputs.
	Outputs *feature.Set
	// Stateful gives programs an int64 counter state, advanced by every
	// single prediction and reported as MockCounterOutput.
	Stateful bool

	// LoadErr, if set, is returned by Load.
	LoadErr error
	// ShouldError if true, predictions return an error
	ShouldError bool
	// ErrorMessage is the error message to return when ShouldError is true
	ErrorMessage string

	// LoadCount tracks the number of successful Load calls
	LoadCount int
	// CallCount tracks the number of single Predict calls
	CallCount int
	// BatchCallCount tracks the number of PredictBatch calls
	BatchCallCount int
	// LastBatchSize is the row count of the most recent PredictBatch call
	LastBatchSize int
	// Closed reports whether Close was called
	Closed bool
}

// NewMock creates an echoing MockExecutor for a model with one float32
// input "input" of shape [1, 4].
func NewMock() *MockExecutor {
	spec := feature.Spec{Name: "input", Kind: feature.KindTensor, DType: feature.Float32, Shape: []int64{1, 4}}
	return &MockExecutor{
		Desc: feature.Description{
			Inputs:  []feature.Spec{spec},
			Outputs: []feature.Spec{spec},
		},
	}
}

// NewMockWithOutputs creates a MockExecutor returning outputs for desc.
func NewMockWithOutputs(desc feature.Description, outputs *feature.Set) *MockExecutor {
	return &MockExecutor{Desc: desc, Outputs: outputs}
}

// Load returns a MockProgram. Artifacts are only inspected when Desc is empty.
func (m *MockExecutor) Load(artifact resolver.Artifact, opts ModelOptions) (Program, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	if m.Closed {
		return nil, errors.New("mock executor is closed")
	}

	desc := m.Desc.Clone()
	if len(desc.Inputs) == 0 {
		d, err := describeArtifact(artifact)
		if err != nil {
			return nil, err
		}
		desc = d
	}
	if m.Stateful {
		counter := feature.Spec{Name: MockCounterOutput, Kind: feature.KindTensor, DType: feature.Int64, Shape: []int64{1}}
		desc.Outputs = append(desc.Outputs, counter)
		desc.States = append(desc.States, counter)
	}

	m.LoadCount++
	return &MockProgram{exec: m, desc: desc, opts: opts.Clone()}, nil
}

func describeArtifact(artifact resolver.Artifact) (feature.Description, error) {
	if artifact.InMemory() {
		d, err := mlmodel.ReadDescription(artifact.Data)
		if err != nil {
			return feature.Description{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		return d, nil
	}
	d, err := mlmodel.ReadPath(artifact.Path)
	if err != nil {
		if errors.Is(err, mlmodel.ErrNotCoreML) {
			return feature.Description{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		return feature.Description{}, err
	}
	return d, nil
}

// Close marks the executor closed.
func (m *MockExecutor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// SetError configures the mock to return an error on the next prediction
func (m *MockExecutor) SetError(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShouldError = true
	m.ErrorMessage = msg
}

// SetStateful toggles whether new states carry a counter.
func (m *MockExecutor) SetStateful(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Stateful = on
}

// ClearError clears any configured error
func (m *MockExecutor) ClearError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ShouldError = false
	m.ErrorMessage = ""
}

// failure returns the configured prediction error, if any. m.mu must be held.
func (m *MockExecutor) failure() error {
	if !m.ShouldError {
		return nil
	}
	if m.ErrorMessage != "" {
		return fmt.Errorf("%s", m.ErrorMessage)
	}
	return fmt.Errorf("mock inference error")
}

// MockProgram is the Program returned by MockExecutor.
type MockProgram struct {
	exec   *MockExecutor
	desc   feature.Description
	opts   ModelOptions
	closed bool
}

type mockState struct {
	n int64
}

func (p *MockProgram) Description() feature.Description {
	return p.desc.Clone()
}

// Options returns the options the program was loaded with.
func (p *MockProgram) Options() ModelOptions {
	return p.opts.Clone()
}

func (p *MockProgram) NewState() (State, error) {
	p.exec.mu.Lock()
	stateful := p.exec.Stateful
	p.exec.mu.Unlock()
	if !stateful {
		return nil, nil
	}
	return &mockState{}, nil
}

func (p *MockProgram) Predict(inputs *feature.Set, state State) (*feature.Set, error) {
	m := p.exec
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallCount++
	if p.closed {
		return nil, errors.New("program is closed")
	}
	if err := m.failure(); err != nil {
		return nil, err
	}

	out := p.respond(inputs)
	if m.Stateful {
		st, ok := state.(*mockState)
		if !ok || st == nil {
			return nil, fmt.Errorf("stateful program got state %T", state)
		}
		st.n++
		counter, err := feature.NewTensor([]int64{1}, []int64{st.n})
		if err != nil {
			return nil, err
		}
		out.Put(MockCounterOutput, counter)
	}
	return out, nil
}

func (p *MockProgram) PredictBatch(rows []*feature.Set) ([]*feature.Set, error) {
	m := p.exec
	m.mu.Lock()
	defer m.mu.Unlock()

	m.BatchCallCount++
	m.LastBatchSize = len(rows)
	if p.closed {
		return nil, errors.New("program is closed")
	}
	if err := m.failure(); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	out := make([]*feature.Set, len(rows))
	for i, row := range rows {
		out[i] = p.respond(row)
	}
	return out, nil
}

// respond returns the canned outputs or an echo of inputs.
func (p *MockProgram) respond(inputs *feature.Set) *feature.Set {
	if p.exec.Outputs != nil {
		return p.exec.Outputs.Clone()
	}
	return inputs.Clone()
}

func (p *MockProgram) Close() error {
	p.exec.mu.Lock()
	defer p.exec.mu.Unlock()
	p.closed = true
	return nil
}

// Ensure the mocks implement their interfaces at compile time
var (
	_ Executor = (*MockExecutor)(nil)
	_ Program  = (*MockProgram)(nil)
)
