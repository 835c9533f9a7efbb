package inference

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/SyedDaiam9101/model-runner/internal/feature"
)

// onnxProgram wraps an ONNX runtime session for thread-safe inference.
type onnxProgram struct {
	mu       sync.Mutex
	session  *ort.DynamicAdvancedSession
	desc     feature.Description
	bindings map[string]string // output -> input

	// run executes one pass over inputs already prepared for desc.Inputs.
	// nil once the program is closed.
	run func(ins []*feature.Value) (*feature.Set, error)
}

func newONNXProgram(session *ort.DynamicAdvancedSession, desc feature.Description, bindings map[string]string) *onnxProgram {
	p := &onnxProgram{session: session, desc: desc, bindings: bindings}
	p.run = p.runSession
	return p
}

// onnxState holds the values fed back into state-bound inputs.
type onnxState struct {
	values map[string]*feature.Value
}

func (p *onnxProgram) Description() feature.Description {
	return p.desc.Clone()
}

// NewState zero-fills every state-bound input. A flexible leading dimension
// becomes 1 and any other flexible dimension 0, an empty history.
func (p *onnxProgram) NewState() (State, error) {
	if len(p.bindings) == 0 {
		return nil, nil
	}
	st := &onnxState{values: make(map[string]*feature.Value, len(p.bindings))}
	for _, in := range p.bindings {
		v, err := p.zeroInput(in)
		if err != nil {
			return nil, err
		}
		st.values[in] = v
	}
	return st, nil
}

func (p *onnxProgram) zeroInput(name string) (*feature.Value, error) {
	spec, ok := p.desc.Input(name)
	if !ok {
		return nil, fmt.Errorf("no input %q", name)
	}
	shape := slices.Clone(spec.Shape)
	for i, d := range shape {
		if d == -1 {
			if i == 0 {
				shape[i] = 1
			} else {
				shape[i] = 0
			}
		}
	}
	return feature.Zeros(spec.DType, shape)
}

func (p *onnxProgram) Predict(inputs *feature.Set, state State) (*feature.Set, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.run == nil {
		return nil, errProgramClosed
	}
	st, _ := state.(*onnxState)

	vals := make([]*feature.Value, len(p.desc.Inputs))
	for i, spec := range p.desc.Inputs {
		v, ok := inputs.Get(spec.Name)
		if !ok && st != nil {
			v, ok = st.values[spec.Name]
		}
		if !ok {
			return nil, fmt.Errorf("input %q not provided", spec.Name)
		}
		in, err := p.prepare(spec, v)
		if err != nil {
			return nil, err
		}
		vals[i] = in
	}

	outs, err := p.run(vals)
	if err != nil {
		return nil, err
	}
	if st != nil {
		for out, in := range p.bindings {
			if v, ok := outs.Get(out); ok {
				st.values[in] = v
			}
		}
	}
	return outs, nil
}

// PredictBatch stacks rows along the leading dimension and runs the session
// once when every input and output declares a flexible leading dimension.
// Otherwise, or when the rows do not line up, rows run one after another.
func (p *onnxProgram) PredictBatch(rows []*feature.Set) ([]*feature.Set, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.run == nil {
		return nil, errProgramClosed
	}
	if len(rows) == 0 {
		return nil, errors.New("empty batch")
	}

	table := make([][]*feature.Value, len(rows))
	for r, row := range rows {
		table[r] = make([]*feature.Value, len(p.desc.Inputs))
		for i, spec := range p.desc.Inputs {
			v, ok := row.Get(spec.Name)
			if !ok {
				if _, bound := p.stateInput(spec.Name); !bound {
					return nil, fmt.Errorf("row %d: input %q not provided", r, spec.Name)
				}
				z, err := p.zeroInput(spec.Name)
				if err != nil {
					return nil, err
				}
				v = z
			}
			in, err := p.prepare(spec, v)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", r, err)
			}
			table[r][i] = in
		}
	}

	if len(rows) > 1 && p.stackable() {
		if out, err := p.runStacked(table); err == nil {
			return out, nil
		} else if !errors.Is(err, errNotStackable) {
			return nil, err
		}
	}

	out := make([]*feature.Set, len(rows))
	for r := range table {
		set, err := p.run(table[r])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", r, err)
		}
		out[r] = set
	}
	return out, nil
}

func (p *onnxProgram) stateInput(name string) (string, bool) {
	for out, in := range p.bindings {
		if in == name {
			return out, true
		}
	}
	return "", false
}

func (p *onnxProgram) stackable() bool {
	for _, specs := range [][]feature.Spec{p.desc.Inputs, p.desc.Outputs} {
		for _, s := range specs {
			if len(s.Shape) == 0 || s.Shape[0] != -1 {
				return false
			}
		}
	}
	return true
}

var (
	errNotStackable  = errors.New("rows cannot be stacked")
	errProgramClosed = errors.New("onnx program is closed")
)

func (p *onnxProgram) runStacked(table [][]*feature.Value) ([]*feature.Set, error) {
	stacked, counts, err := stackRows(p.desc.Inputs, table)
	if err != nil {
		return nil, err
	}
	outs, err := p.run(stacked)
	if err != nil {
		return nil, err
	}
	return splitRows(outs, counts)
}

// stackRows concatenates each input across rows along the leading
// dimension. table[r][i] is row r's value for specs[i]; counts holds every
// row's leading size. Rows whose shapes disagree report errNotStackable.
func stackRows(specs []feature.Spec, table [][]*feature.Value) ([]*feature.Value, []int64, error) {
	counts := make([]int64, len(table))
	stacked := make([]*feature.Value, len(specs))
	for i, spec := range specs {
		var (
			buf   bytes.Buffer
			tail  []int64
			total int64
		)
		for r := range table {
			v := table[r][i]
			if v.Kind() != feature.KindTensor || v.DType() != table[0][i].DType() {
				return nil, nil, errNotStackable
			}
			shape := v.Shape()
			if len(shape) == 0 {
				return nil, nil, errNotStackable
			}
			if r == 0 {
				tail = shape[1:]
			} else if !slices.Equal(tail, shape[1:]) {
				return nil, nil, fmt.Errorf("%w: input %q row %d has shape %v", errNotStackable, spec.Name, r, shape)
			}
			if i == 0 {
				counts[r] = shape[0]
			} else if counts[r] != shape[0] {
				return nil, nil, fmt.Errorf("%w: input %q row %d has %d entries, want %d", errNotStackable, spec.Name, r, shape[0], counts[r])
			}
			total += shape[0]
			buf.Write(v.Bytes())
		}
		if total == 0 {
			return nil, nil, errNotStackable
		}
		v, err := feature.NewTensorBytes(table[0][i].DType(), append([]int64{total}, tail...), buf.Bytes())
		if err != nil {
			return nil, nil, err
		}
		stacked[i] = v
	}
	return stacked, counts, nil
}

// splitRows cuts every output of a stacked run back into rows of counts
// entries. An output whose leading size is not the stacked total reports
// errNotStackable.
func splitRows(outs *feature.Set, counts []int64) ([]*feature.Set, error) {
	var total int64
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return nil, errNotStackable
	}
	result := make([]*feature.Set, len(counts))
	for r := range result {
		result[r] = feature.NewSet()
	}
	var splitErr error
	outs.Range(func(name string, v *feature.Value) bool {
		shape := v.Shape()
		if v.Kind() != feature.KindTensor || len(shape) == 0 || shape[0] != total {
			splitErr = fmt.Errorf("%w: output %q has shape %v, want %d leading entries", errNotStackable, name, shape, total)
			return false
		}
		data := v.Bytes()
		rowBytes := len(data) / int(total)
		off := 0
		for r, c := range counts {
			n := int(c) * rowBytes
			part, err := feature.NewTensorBytes(v.DType(), append([]int64{c}, shape[1:]...), data[off:off+n])
			if err != nil {
				splitErr = err
				return false
			}
			result[r].Put(name, part)
			off += n
		}
		return true
	})
	if splitErr != nil {
		return nil, splitErr
	}
	return result, nil
}

// prepare converts v into what the session expects for spec.
func (p *onnxProgram) prepare(spec feature.Spec, v *feature.Value) (*feature.Value, error) {
	if v.Kind() == feature.KindPixelBuffer {
		return feature.Bind(spec, v)
	}
	if v.DType() != spec.DType {
		return feature.Convert(v, spec.DType)
	}
	return v, nil
}

// runSession executes the session once; ins are aligned with the declared
// inputs.
func (p *onnxProgram) runSession(ins []*feature.Value) (*feature.Set, error) {
	tensors := make([]ort.Value, 0, len(ins))
	defer func() { destroyAll(tensors) }()
	for i, in := range ins {
		t, err := ort.NewCustomDataTensor(ort.NewShape(in.Shape()...), in.Bytes(), dtypeToORT(in.DType()))
		if err != nil {
			return nil, fmt.Errorf("failed to create input tensor %q: %w", p.desc.Inputs[i].Name, err)
		}
		tensors = append(tensors, t)
	}

	// nil outputs are allocated by onnxruntime with the shapes it infers.
	// It cannot size float16 outputs itself, so those are allocated here.
	var leading int64
	if len(ins) > 0 {
		if shape := ins[0].Shape(); len(shape) > 0 {
			leading = shape[0]
		}
	}
	outs := make([]ort.Value, len(p.desc.Outputs))
	defer func() { destroyAll(outs) }()
	for i, spec := range p.desc.Outputs {
		if spec.DType != feature.Float16 {
			continue
		}
		shape, err := outputShape(spec, leading)
		if err != nil {
			return nil, err
		}
		s := ort.NewShape(shape...)
		t, err := ort.NewCustomDataTensor(s, make([]byte, 2*s.FlattenedSize()), ort.TensorElementDataTypeFloat16)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate output %q: %w", spec.Name, err)
		}
		outs[i] = t
	}

	if err := p.session.Run(tensors, outs); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	set := feature.NewSet()
	for i, o := range outs {
		spec := p.desc.Outputs[i]
		v, err := fromORT(spec, o)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", spec.Name, err)
		}
		set.Put(spec.Name, v)
	}
	return set, nil
}

// outputShape resolves the declared shape of an output for a run whose
// inputs carry leading entries. Only a flexible leading dimension resolves.
func outputShape(spec feature.Spec, leading int64) ([]int64, error) {
	shape := slices.Clone(spec.Shape)
	for i, d := range shape {
		if d >= 0 {
			continue
		}
		if i == 0 && leading > 0 {
			shape[i] = leading
			continue
		}
		return nil, fmt.Errorf("%s output %q needs a static shape, declared %v", spec.DType, spec.Name, spec.Shape)
	}
	if _, err := feature.Zeros(spec.DType, shape); err != nil {
		return nil, fmt.Errorf("output %q: %w", spec.Name, err)
	}
	return shape, nil
}

func destroyAll(vals []ort.Value) {
	for _, v := range vals {
		if v != nil {
			v.Destroy()
		}
	}
}

// Close releases the ONNX session resources
func (p *onnxProgram) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.run = nil
	if p.session != nil {
		err := p.session.Destroy()
		p.session = nil
		if err != nil {
			return fmt.Errorf("failed to destroy session: %w", err)
		}
	}
	return nil
}

// Ensure onnxProgram implements Program at compile time
var _ Program = (*onnxProgram)(nil)
