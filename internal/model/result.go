package model

import (
	"fmt"

	"github.com/SyedDaiam9101/model-runner/internal/feature"
)

// Result holds the outputs of one prediction. It is read-only; extraction
// may be repeated any number of times.
type Result struct {
	set *feature.Set
}

func newResult(set *feature.Set) *Result {
	if set == nil {
		set = feature.NewSet()
	}
	return &Result{set: set}
}

// Names returns the output names in the order the executor produced them.
func (r *Result) Names() []string { return r.set.Names() }

// Len returns the number of outputs.
func (r *Result) Len() int { return r.set.Len() }

// Get returns the named output.
func (r *Result) Get(name string) (*feature.Value, bool) { return r.set.Get(name) }

// Value returns the named output or an error wrapping ErrNoSuchOutput.
func (r *Result) Value(name string) (*feature.Value, error) {
	v, ok := r.set.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrNoSuchOutput, name, r.set.Names())
	}
	return v, nil
}

// Float32 extracts the named output as float32, widening other numeric types.
func (r *Result) Float32(name string) (*feature.Array[float32], error) {
	v, err := r.Value(name)
	if err != nil {
		return nil, err
	}
	return feature.ToFloat32(v)
}

// Set returns a copy of the outputs as a feature set.
func (r *Result) Set() *feature.Set { return r.set.Clone() }

func (r *Result) String() string { return r.set.String() }

// ExtractResult extracts the named output as a typed array.
func ExtractResult[T feature.Element](r *Result, name string) (*feature.Array[T], error) {
	v, err := r.Value(name)
	if err != nil {
		return nil, err
	}
	return feature.Extract[T](v)
}

// BatchResult holds one Result per batch row. Outputs[k] belongs to Rows[k];
// rows are in ascending index order.
type BatchResult struct {
	Rows    []int
	Outputs []*Result
}

// Len returns the number of rows.
func (b *BatchResult) Len() int { return len(b.Outputs) }

// Row returns the result for the caller's row index.
func (b *BatchResult) Row(index int) (*Result, bool) {
	for k, r := range b.Rows {
		if r == index {
			return b.Outputs[k], true
		}
	}
	return nil, false
}
