// internal/inference/interface.go
package inference

import (
	"errors"

	"github.com/SyedDaiam9101/model-runner/internal/feature"
	"github.com/SyedDaiam9101/model-runner/internal/resolver"
)

var (
	// ErrUnsupportedFormat is returned by Executor.Load when the artifact is
	// not a model the executor can run.
	ErrUnsupportedFormat = errors.New("unsupported model format")
	// ErrUnsupportedPlatform is returned by Executor.Load when the requested
	// compute platform is not available on this machine.
	ErrUnsupportedPlatform = errors.New("compute platform not available")
)

// Executor turns resolved artifacts into runnable programs. It abstracts the
// native inference engine so handles can be tested without one.
type Executor interface {
	// Load compiles or opens the artifact for the given placement.
	Load(artifact resolver.Artifact, opts ModelOptions) (Program, error)

	// Close releases any resources held by the executor. Programs it
	// returned must be closed first.
	Close() error
}

// State is opaque persistent model state created by Program.NewState.
// Only the program that created it may interpret it.
type State any

// Program is one loaded model.
type Program interface {
	// Description returns the model's declared inputs, outputs and states.
	Description() feature.Description

	// NewState returns freshly initialised persistent state. Stateless
	// programs may return nil.
	NewState() (State, error)

	// Predict runs one prediction over a complete input set, reading and
	// advancing state.
	Predict(inputs *feature.Set, state State) (*feature.Set, error)

	// PredictBatch runs one prediction per row and returns outputs in row
	// order. It never touches persistent state.
	PredictBatch(rows []*feature.Set) ([]*feature.Set, error)

	// Close releases the program.
	Close() error
}
