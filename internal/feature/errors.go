package feature

import "fmt"

// FeatureErrorKind classifies why an input feature was rejected.
type FeatureErrorKind int

const (
	UnknownInputName FeatureErrorKind = iota + 1
	ShapeMismatch
	UnsupportedDtype
	MalformedPixelBuffer
	InvalidRow
)

func (k FeatureErrorKind) String() string {
	switch k {
	case UnknownInputName:
		return "unknown_input_name"
	case ShapeMismatch:
		return "shape_mismatch"
	case UnsupportedDtype:
		return "unsupported_dtype"
	case MalformedPixelBuffer:
		return "malformed_pixel_buffer"
	case InvalidRow:
		return "invalid_row"
	default:
		return "unknown"
	}
}

// FeatureError reports an input value that could not be bound to a model input.
type FeatureError struct {
	Kind    FeatureErrorKind
	Name    string // input name, empty when not yet known
	Details string
}

// Error implements the error interface.
func (e *FeatureError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("feature %q: %s: %s", e.Name, e.Kind, e.Details)
	}
	return fmt.Sprintf("feature: %s: %s", e.Kind, e.Details)
}

func featureErrorf(kind FeatureErrorKind, name, format string, args ...any) *FeatureError {
	return &FeatureError{Kind: kind, Name: name, Details: fmt.Sprintf(format, args...)}
}

// ExtractErrorKind classifies why an output could not be extracted.
type ExtractErrorKind int

const (
	DtypeMismatch ExtractErrorKind = iota + 1
	ExtractShapeMismatch
	NeedsDecode
	NotATensor
)

func (k ExtractErrorKind) String() string {
	switch k {
	case DtypeMismatch:
		return "dtype_mismatch"
	case ExtractShapeMismatch:
		return "shape_mismatch"
	case NeedsDecode:
		return "needs_decode"
	case NotATensor:
		return "not_a_tensor"
	default:
		return "unknown"
	}
}

// ExtractError reports that a value cannot be read as the requested typed array.
type ExtractError struct {
	Kind    ExtractErrorKind
	Details string
}

// Error implements the error interface.
func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract: %s: %s", e.Kind, e.Details)
}

func extractErrorf(kind ExtractErrorKind, format string, args ...any) *ExtractError {
	return &ExtractError{Kind: kind, Details: fmt.Sprintf(format, args...)}
}
