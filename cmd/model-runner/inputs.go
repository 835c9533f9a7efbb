package main

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/SyedDaiam9101/model-runner/internal/feature"
	"github.com/SyedDaiam9101/model-runner/internal/model"
)

const (
	defaultImageSide = 224
	previewLen       = 8
)

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(s string) error {
	*l = append(*l, s)
	return nil
}

func splitPair(s string) (string, string, error) {
	name, rest, ok := strings.Cut(s, "=")
	if !ok || name == "" || rest == "" {
		return "", "", fmt.Errorf("expected name=value, got %q", s)
	}
	return name, rest, nil
}

// parseDims parses "1x3x512x512".
func parseDims(s string) ([]int64, error) {
	parts := strings.Split(strings.ToLower(s), "x")
	dims := make([]int64, len(parts))
	for i, p := range parts {
		d, err := strconv.ParseInt(p, 10, 64)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid dimension %q in %q", p, s)
		}
		dims[i] = d
	}
	return dims, nil
}

func parseBindings(list []string) (map[string]string, error) {
	if len(list) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(list))
	for _, s := range list {
		from, to, err := splitPair(s)
		if err != nil {
			return nil, fmt.Errorf("state binding: %w", err)
		}
		out[from] = to
	}
	return out, nil
}

func filled(shape []int64, fill float32) (*feature.Value, error) {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = fill
	}
	return feature.NewTensor(shape, data)
}

func bgra(width, height int, fill byte) []byte {
	data := make([]byte, width*height*4)
	for i := range data {
		data[i] = fill
	}
	return data
}

// concreteShape replaces flexible dimensions with 1.
func concreteShape(shape []int64) []int64 {
	if shape == nil {
		return []int64{1}
	}
	out := make([]int64, len(shape))
	for i, d := range shape {
		if d < 0 {
			d = 1
		}
		out[i] = d
	}
	return out
}

// buildInputs returns a value for every requested -input and -pixel, then
// fills in any required input the model declares that was not requested.
func buildInputs(desc feature.Description, tensors, pixels []string, fill float64) (*feature.Set, error) {
	set := feature.NewSet()
	for _, s := range tensors {
		name, dims, err := splitPair(s)
		if err != nil {
			return nil, fmt.Errorf("input: %w", err)
		}
		shape, err := parseDims(dims)
		if err != nil {
			return nil, err
		}
		v, err := filled(shape, float32(fill))
		if err != nil {
			return nil, err
		}
		set.Put(name, v)
	}
	for _, s := range pixels {
		name, size, err := splitPair(s)
		if err != nil {
			return nil, fmt.Errorf("pixel: %w", err)
		}
		wh, err := parseDims(size)
		if err != nil || len(wh) != 2 {
			return nil, fmt.Errorf("pixel %q: expected WxH", s)
		}
		v, err := feature.NewPixelBuffer(int(wh[0]), int(wh[1]), feature.BGRA32, bgra(int(wh[0]), int(wh[1]), byte(fill)))
		if err != nil {
			return nil, err
		}
		set.Put(name, v)
	}

	for _, spec := range desc.Inputs {
		if spec.Optional || set.Has(spec.Name) {
			continue
		}
		var (
			v   *feature.Value
			err error
		)
		if spec.Kind == feature.KindPixelBuffer {
			w, h := spec.Width, spec.Height
			if w == 0 || h == 0 {
				w, h = defaultImageSide, defaultImageSide
			}
			format := spec.PixelFormat
			if format.BytesPerPixel() == 0 {
				format = feature.BGRA32
			}
			v, err = feature.NewPixelBuffer(w, h, format, bgra(w, h, byte(fill))[:w*h*format.BytesPerPixel()])
		} else {
			v, err = filled(concreteShape(spec.Shape), float32(fill))
		}
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", spec.Name, err)
		}
		set.Put(spec.Name, v)
	}
	return set, nil
}

func predictOnce(ctx context.Context, h *model.Handle, o options) error {
	set, err := buildInputs(h.Description(), o.inputs, o.pixels, o.fill)
	if err != nil {
		return err
	}
	// inputs added earlier, e.g. by pixel mode, take precedence
	pending := h.PendingInputs()
	var addErr error
	set.Range(func(name string, v *feature.Value) bool {
		if slices.Contains(pending, name) {
			return true
		}
		addErr = h.AddInput(name, v)
		return addErr == nil
	})
	if addErr != nil {
		return addErr
	}

	res, err := h.Predict(ctx)
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func predictBatch(ctx context.Context, h *model.Handle, o options) error {
	if o.rows <= 0 {
		return fmt.Errorf("rows must be positive, got %d", o.rows)
	}
	set, err := buildInputs(h.Description(), o.inputs, o.pixels, o.fill)
	if err != nil {
		return err
	}
	for row := 0; row < o.rows; row++ {
		var addErr error
		set.Range(func(name string, v *feature.Value) bool {
			addErr = h.AddBatchInput(row, name, v)
			return addErr == nil
		})
		if addErr != nil {
			return addErr
		}
	}

	res, err := h.PredictBatch(ctx)
	if err != nil {
		return err
	}
	for k, row := range res.Rows {
		fmt.Printf("row %d:\n", row)
		printResult(res.Outputs[k])
	}
	return nil
}

// predictPixels feeds every -pixel image through the BGRA entry point.
func predictPixels(ctx context.Context, h *model.Handle, o options) error {
	if len(o.pixels) == 0 {
		return fmt.Errorf("pixel mode needs at least one -pixel name=WxH")
	}
	for _, s := range o.pixels {
		name, size, err := splitPair(s)
		if err != nil {
			return fmt.Errorf("pixel: %w", err)
		}
		wh, err := parseDims(size)
		if err != nil || len(wh) != 2 {
			return fmt.Errorf("pixel %q: expected WxH", s)
		}
		w, ht := int(wh[0]), int(wh[1])
		if err := h.AddInputCVPixelBuffer(name, w, ht, bgra(w, ht, byte(o.fill))); err != nil {
			return err
		}
	}
	return predictOnce(ctx, h, options{inputs: o.inputs, fill: o.fill})
}

func printDescription(d feature.Description) {
	section := func(title string, specs []feature.Spec) {
		fmt.Printf("%s:\n", title)
		for _, s := range specs {
			fmt.Printf("  %s\n", s)
		}
	}
	section("inputs", d.Inputs)
	section("outputs", d.Outputs)
	if len(d.States) > 0 {
		section("states", d.States)
	}
}

func printResult(r *model.Result) {
	for _, name := range r.Names() {
		v, _ := r.Get(name)
		arr, err := r.Float32(name)
		if err != nil {
			fmt.Printf("  %s: %s\n", name, v)
			continue
		}
		preview := arr.Data
		more := ""
		if len(preview) > previewLen {
			preview = preview[:previewLen]
			more = " ..."
		}
		fmt.Printf("  %s %v: %v%s\n", name, arr.Shape, preview, more)
	}
}
