// internal/inference/options.go
package inference

import (
	"fmt"
	"maps"
	"strings"
)

// ComputePlatform selects which compute units a model may be placed on.
// The zero value is All.
type ComputePlatform int

const (
	// All lets the runtime use every available compute unit.
	All ComputePlatform = iota
	// CPUOnly keeps execution on the CPU.
	CPUOnly
	// CPUAndAccelerator allows the CPU and the neural engine.
	CPUAndAccelerator
	// CPUAndGPU allows the CPU and the GPU.
	CPUAndGPU
)

func (p ComputePlatform) String() string {
	switch p {
	case All:
		return "all"
	case CPUOnly:
		return "cpu"
	case CPUAndAccelerator:
		return "cpu_and_ane"
	case CPUAndGPU:
		return "cpu_and_gpu"
	default:
		return fmt.Sprintf("ComputePlatform(%d)", int(p))
	}
}

// ParseComputePlatform accepts the names printed by String, case-insensitively.
// The empty string selects All.
func ParseComputePlatform(s string) (ComputePlatform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return All, nil
	case "cpu", "cpu_only":
		return CPUOnly, nil
	case "cpu_and_ane", "cpu_and_neural_engine", "ane":
		return CPUAndAccelerator, nil
	case "cpu_and_gpu", "gpu":
		return CPUAndGPU, nil
	}
	return All, fmt.Errorf("unknown compute platform %q", s)
}

// ModelOptions configures how a model is loaded. Only ComputePlatform is
// required; the rest default to off.
type ModelOptions struct {
	ComputePlatform ComputePlatform

	// Compiled marks the artifact as already compiled so executors skip
	// their compile step.
	Compiled bool
	// StaticInputShapes restricts accelerators to inputs with fixed shapes.
	StaticInputShapes bool
	// LowPrecisionAccumulation permits float16 accumulation on the GPU.
	LowPrecisionAccumulation bool

	// StateBindings maps an output name to the input it is fed back into
	// on the next single prediction. Bound inputs start zero-filled.
	StateBindings map[string]string
}

// DefaultModelOptions returns options with every compute unit allowed.
func DefaultModelOptions() ModelOptions {
	return ModelOptions{ComputePlatform: All}
}

// Clone returns a deep copy so the caller's map can't alias a loaded model's.
func (o ModelOptions) Clone() ModelOptions {
	o.StateBindings = maps.Clone(o.StateBindings)
	return o
}
