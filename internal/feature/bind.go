package feature

import "slices"

// Bind checks v against the declared input spec and returns the value the
// executor should receive: v itself, or a converted, reshaped or decoded
// copy. It never modifies v. Errors are *FeatureError with Name set.
func Bind(spec Spec, v *Value) (*Value, error) {
	if v == nil {
		return nil, featureErrorf(UnsupportedDtype, spec.Name, "nil value")
	}
	var (
		out *Value
		err error
	)
	switch spec.Kind {
	case KindPixelBuffer:
		out, err = bindImage(spec, v)
	case KindTensor:
		out, err = bindTensor(spec, v)
	default:
		err = featureErrorf(UnsupportedDtype, spec.Name, "input declares no usable feature type")
	}
	if err != nil {
		if fe, ok := err.(*FeatureError); ok && fe.Name == "" {
			fe.Name = spec.Name
		}
		return nil, err
	}
	return out, nil
}

func bindImage(spec Spec, v *Value) (*Value, error) {
	if v.kind != KindPixelBuffer {
		return nil, featureErrorf(UnsupportedDtype, spec.Name, "expects an image, got %s", v)
	}
	if (spec.Width > 0 && v.width != spec.Width) || (spec.Height > 0 && v.height != spec.Height) {
		return nil, featureErrorf(ShapeMismatch, spec.Name, "expects %dx%d image, got %dx%d", spec.Width, spec.Height, v.width, v.height)
	}
	want := spec.PixelFormat
	if want.BytesPerPixel() == 0 || v.format == want {
		return v, nil
	}
	if want == Gray8 || v.format == Gray8 {
		return nil, featureErrorf(UnsupportedDtype, spec.Name, "expects a %s image, got %s", want, v.format)
	}
	return reorderPixels(v, want), nil
}

func bindTensor(spec Spec, v *Value) (*Value, error) {
	if v.kind == KindPixelBuffer {
		decoded, err := decodeForSpec(spec, v)
		if err != nil {
			return nil, err
		}
		v = decoded
	}

	shaped, err := fitShape(spec, v)
	if err != nil {
		return nil, err
	}
	if spec.DType.Valid() && shaped.dtype != spec.DType {
		return Convert(shaped, spec.DType)
	}
	return shaped, nil
}

// fitShape accepts v when its rank and fixed dimensions agree with the
// declaration. A fully static declaration also accepts any shape holding
// the same number of elements, which is reshaped.
func fitShape(spec Spec, v *Value) (*Value, error) {
	if spec.Shape == nil || shapeMatches(spec.Shape, v.shape) {
		return v, nil
	}
	if spec.Static() {
		n, err := checkShape(spec.Shape, spec.DType.Size())
		if err == nil && n == v.NumElements() {
			return v.Reshape(spec.Shape)
		}
		return nil, featureErrorf(ShapeMismatch, spec.Name, "expects %v (%d elements), got %v (%d elements)", spec.Shape, n, v.shape, v.NumElements())
	}
	return nil, featureErrorf(ShapeMismatch, spec.Name, "expects %v, got %v", spec.Shape, v.shape)
}

func shapeMatches(declared, got []int64) bool {
	if len(declared) != len(got) {
		return false
	}
	for i, d := range declared {
		if d != -1 && d != got[i] {
			return false
		}
	}
	return true
}

// decodeForSpec decodes a pixel buffer into the tensor layout an input
// declares: rank 4 NCHW/NHWC or rank 3 CHW/HWC.
func decodeForSpec(spec Spec, v *Value) (*Value, error) {
	c := int64(v.format.Channels())
	dtype := spec.DType
	if !dtype.Valid() {
		dtype = Float32
	}
	var layout Layout
	switch rank := len(spec.Shape); {
	case rank == 4 && spec.Shape[1] == c:
		layout = NCHW
	case rank == 4 && spec.Shape[3] == c:
		layout = NHWC
	case rank == 3 && spec.Shape[0] == c:
		layout = NCHW
	case rank == 3 && spec.Shape[2] == c:
		layout = NHWC
	case rank == 4 && spec.Shape[1] == -1, rank == 3 && spec.Shape[0] == -1, spec.Shape == nil:
		layout = NCHW
	default:
		return nil, featureErrorf(ShapeMismatch, spec.Name, "cannot decode %s into %v", v, spec.Shape)
	}
	t, err := DecodePixels(v, layout, dtype)
	if err != nil {
		return nil, featureErrorf(UnsupportedDtype, spec.Name, "%v", err)
	}
	if len(spec.Shape) == 3 {
		return t.Reshape(slices.Clone(t.shape[1:]))
	}
	return t, nil
}
