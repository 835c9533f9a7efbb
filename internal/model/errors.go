package model

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by every operation on a closed handle.
var ErrClosed = errors.New("model handle is closed")

// ErrNoSuchOutput is returned when a result lacks the requested output.
var ErrNoSuchOutput = errors.New("no such output")

// LoadErrorKind classifies load failures.
type LoadErrorKind int

const (
	// NotFound means the model path does not exist.
	NotFound LoadErrorKind = iota + 1
	// Compile means the executor could not compile or open the model.
	Compile
	// UnsupportedFormat means the artifact is not a model the executor runs.
	UnsupportedFormat
	// UnsupportedPlatform means the requested placement is unavailable here.
	UnsupportedPlatform
	// ResolveFailed means the source could not be resolved to an artifact.
	ResolveFailed
)

func (k LoadErrorKind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Compile:
		return "compile"
	case UnsupportedFormat:
		return "unsupported_format"
	case UnsupportedPlatform:
		return "unsupported_platform"
	case ResolveFailed:
		return "resolve_failed"
	default:
		return "unknown"
	}
}

// LoadError reports why a model could not be loaded.
type LoadError struct {
	Kind   LoadErrorKind
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// PredictErrorKind classifies prediction failures.
type PredictErrorKind int

const (
	// NotLoaded means the handle holds no loaded model.
	NotLoaded PredictErrorKind = iota + 1
	// MissingInput means a required input was never added.
	MissingInput
	// Execution means the executor failed while running the model.
	Execution
	// EmptyBatch means a batch prediction was requested with no rows.
	EmptyBatch
)

func (k PredictErrorKind) String() string {
	switch k {
	case NotLoaded:
		return "not_loaded"
	case MissingInput:
		return "missing_input"
	case Execution:
		return "execution"
	case EmptyBatch:
		return "empty_batch"
	default:
		return "unknown"
	}
}

// PredictError reports why a prediction failed. Row is the caller's batch
// row index, or -1 for single predictions.
type PredictError struct {
	Kind PredictErrorKind
	Name string
	Row  int
	Err  error
}

func (e *PredictError) Error() string {
	msg := "predict: " + e.Kind.String()
	if e.Row >= 0 {
		msg += fmt.Sprintf(" (row %d)", e.Row)
	}
	if e.Name != "" {
		msg += fmt.Sprintf(": %q", e.Name)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PredictError) Unwrap() error {
	return e.Err
}

func predictErr(kind PredictErrorKind, err error) *PredictError {
	return &PredictError{Kind: kind, Row: -1, Err: err}
}
