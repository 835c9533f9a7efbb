// Package mlmodel reads feature descriptions out of CoreML model files
// without generated protobuf bindings.
package mlmodel

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/SyedDaiam9101/model-runner/internal/feature"
)

// ErrNotCoreML is returned for artifacts that are not CoreML model files
// or packages.
var ErrNotCoreML = errors.New("not a CoreML model")

// Field numbers from the CoreML Model specification.
const (
	modelDescription = 2

	descInput  = 1
	descOutput = 10
	descState  = 13

	featureName = 1
	featureType = 3

	typeInt64      = 1
	typeDouble     = 2
	typeImage      = 4
	typeMultiArray = 5
	typeState      = 8
	typeOptional   = 1000

	arrayShape      = 1
	arrayDataType   = 2
	arrayShapeRange = 31

	imageWidth      = 1
	imageHeight     = 2
	imageColorSpace = 3
	imageSizeRange  = 31

	stateArray = 1
)

// ArrayFeatureType.ArrayDataType values.
const (
	arrayFloat16 = 65552
	arrayFloat32 = 65568
	arrayDouble  = 65600
	arrayInt32   = 131104
)

// ImageFeatureType.ColorSpace values.
const (
	colorGrayscale = 10
	colorRGB       = 20
	colorBGR       = 30
)

// ReadDescription decodes a serialised CoreML Model message and returns
// its declared inputs, outputs and states. Unknown fields are skipped.
func ReadDescription(b []byte) (feature.Description, error) {
	var desc feature.Description
	found := false
	err := walk(b, func(f field) error {
		if f.num != modelDescription || f.typ != protowire.BytesType {
			return nil
		}
		found = true
		return readModelDescription(f.bytes, &desc)
	})
	if err != nil {
		return feature.Description{}, fmt.Errorf("%w: %v", ErrNotCoreML, err)
	}
	if !found {
		return feature.Description{}, fmt.Errorf("%w: no model description", ErrNotCoreML)
	}
	return desc, nil
}

func readModelDescription(b []byte, desc *feature.Description) error {
	return walk(b, func(f field) error {
		if f.typ != protowire.BytesType {
			return nil
		}
		switch f.num {
		case descInput, descOutput, descState:
			spec, err := readFeature(f.bytes)
			if err != nil {
				return err
			}
			switch f.num {
			case descInput:
				desc.Inputs = append(desc.Inputs, spec)
			case descOutput:
				desc.Outputs = append(desc.Outputs, spec)
			case descState:
				desc.States = append(desc.States, spec)
			}
		}
		return nil
	})
}

func readFeature(b []byte) (feature.Spec, error) {
	var spec feature.Spec
	err := walk(b, func(f field) error {
		switch {
		case f.num == featureName && f.typ == protowire.BytesType:
			spec.Name = string(f.bytes)
		case f.num == featureType && f.typ == protowire.BytesType:
			return readFeatureType(f.bytes, &spec)
		}
		return nil
	})
	if err != nil {
		return feature.Spec{}, err
	}
	if spec.Name == "" {
		return feature.Spec{}, errors.New("feature without a name")
	}
	return spec, nil
}

func readFeatureType(b []byte, spec *feature.Spec) error {
	return walk(b, func(f field) error {
		switch f.num {
		case typeOptional:
			spec.Optional = f.varint != 0
		case typeInt64:
			spec.Kind, spec.DType, spec.Shape = feature.KindTensor, feature.Int64, []int64{1}
		case typeDouble:
			spec.Kind, spec.DType, spec.Shape = feature.KindTensor, feature.Float64, []int64{1}
		case typeMultiArray:
			spec.Kind = feature.KindTensor
			return readArray(f.bytes, spec)
		case typeState:
			spec.Kind = feature.KindTensor
			return walk(f.bytes, func(s field) error {
				if s.num == stateArray && s.typ == protowire.BytesType {
					return readArray(s.bytes, spec)
				}
				return nil
			})
		case typeImage:
			spec.Kind = feature.KindPixelBuffer
			return readImage(f.bytes, spec)
		}
		return nil
	})
}

func readArray(b []byte, spec *feature.Spec) error {
	var ranges [][2]int64
	err := walk(b, func(f field) error {
		switch f.num {
		case arrayShape:
			dims, err := int64s(f)
			if err != nil {
				return err
			}
			spec.Shape = append(spec.Shape, dims...)
		case arrayDataType:
			spec.DType = arrayDType(f.varint)
		case arrayShapeRange:
			r, err := readShapeRange(f.bytes)
			if err != nil {
				return err
			}
			ranges = r
		}
		return nil
	})
	if err != nil {
		return err
	}
	// A dimension whose range isn't a single size is flexible.
	for i, r := range ranges {
		if i < len(spec.Shape) && r[0] != r[1] {
			spec.Shape[i] = -1
		}
	}
	return nil
}

// readShapeRange decodes ShapeRange.sizeRanges into [lower, upper] pairs,
// upper -1 meaning unbounded.
func readShapeRange(b []byte) ([][2]int64, error) {
	var out [][2]int64
	err := walk(b, func(f field) error {
		if f.num != 1 || f.typ != protowire.BytesType {
			return nil
		}
		var r [2]int64
		if err := walk(f.bytes, func(s field) error {
			switch s.num {
			case 1:
				r[0] = int64(s.varint)
			case 2:
				r[1] = int64(s.varint)
			}
			return nil
		}); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func readImage(b []byte, spec *feature.Spec) error {
	spec.PixelFormat = feature.BGRA32
	flexible := false
	err := walk(b, func(f field) error {
		switch f.num {
		case imageWidth:
			spec.Width = int(f.varint)
		case imageHeight:
			spec.Height = int(f.varint)
		case imageColorSpace:
			switch f.varint {
			case colorGrayscale:
				spec.PixelFormat = feature.Gray8
			case colorRGB:
				spec.PixelFormat = feature.RGBA32
			case colorBGR:
				spec.PixelFormat = feature.BGRA32
			}
		case imageSizeRange:
			flexible = true
		}
		return nil
	})
	if flexible {
		spec.Width, spec.Height = 0, 0
	}
	return err
}

func arrayDType(v uint64) feature.DType {
	switch v {
	case arrayFloat16:
		return feature.Float16
	case arrayFloat32:
		return feature.Float32
	case arrayDouble:
		return feature.Float64
	case arrayInt32:
		return feature.Int32
	}
	return feature.InvalidDType
}
