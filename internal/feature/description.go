package feature

import (
	"fmt"
	"slices"
)

// Spec declares one model input, output or state feature.
type Spec struct {
	Name string
	Kind Kind

	// Tensor features. A dimension of -1 accepts any size; a nil Shape
	// accepts any shape.
	DType DType
	Shape []int64

	// Pixel buffer features. Zero width or height accepts any size.
	Width       int
	Height      int
	PixelFormat PixelFormat

	// Optional inputs may be left out of a prediction.
	Optional bool
}

// Static reports whether the declared shape has no flexible dimension.
func (s Spec) Static() bool {
	if s.Shape == nil {
		return false
	}
	return !slices.Contains(s.Shape, -1)
}

func (s Spec) String() string {
	opt := ""
	if s.Optional {
		opt = "?"
	}
	if s.Kind == KindPixelBuffer {
		return fmt.Sprintf("%s%s: image<%s %dx%d>", s.Name, opt, s.PixelFormat, s.Width, s.Height)
	}
	return fmt.Sprintf("%s%s: tensor<%s%v>", s.Name, opt, s.DType, s.Shape)
}

// Description is what a loaded model declares about its features.
type Description struct {
	Inputs  []Spec
	Outputs []Spec
	// States lists persistent state features carried across predictions.
	States []Spec
}

// Input looks up a declared input by name.
func (d *Description) Input(name string) (Spec, bool) {
	return lookup(d.Inputs, name)
}

// Output looks up a declared output by name.
func (d *Description) Output(name string) (Spec, bool) {
	return lookup(d.Outputs, name)
}

// RequiredInputs returns the names of inputs that every prediction must supply.
func (d *Description) RequiredInputs() []string {
	var names []string
	for _, s := range d.Inputs {
		if !s.Optional {
			names = append(names, s.Name)
		}
	}
	return names
}

// MissingInputs returns the required inputs absent from set, in declaration order.
func (d *Description) MissingInputs(set *Set) []string {
	var missing []string
	for _, name := range d.RequiredInputs() {
		if !set.Has(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// Stateful reports whether the model declares persistent state.
func (d *Description) Stateful() bool {
	return len(d.States) > 0
}

func lookup(specs []Spec, name string) (Spec, bool) {
	for _, s := range specs {
		if s.Name == name {
			return s, true
		}
	}
	return Spec{}, false
}

// Clone returns a deep copy of d.
func (d Description) Clone() Description {
	return Description{
		Inputs:  cloneSpecs(d.Inputs),
		Outputs: cloneSpecs(d.Outputs),
		States:  cloneSpecs(d.States),
	}
}

func cloneSpecs(specs []Spec) []Spec {
	if specs == nil {
		return nil
	}
	out := make([]Spec, len(specs))
	for i, s := range specs {
		s.Shape = slices.Clone(s.Shape)
		out[i] = s
	}
	return out
}
