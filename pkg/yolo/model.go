package yolo

import (
	"fmt"
	"math/rand"

	"github.com/cyclopcam/yolotrain/pkg/nn"
	"github.com/cyclopcam/yolotrain/pkg/tensor"
)

// Model is a YOLOv1 style detector: a convolutional backbone, and a fully connected head
// that predicts an S x S x (C+5B) grid.
type Model struct {
	Config nn.ModelConfig
	Arch   Architecture

	backbone []layer
	fc1W     *tensor.Tensor
	fc1B     *tensor.Tensor
	fc2W     *tensor.Tensor
	fc2B     *tensor.Tensor
	state    []tensor.Param
	rng      *rand.Rand
}

type layer interface {
	forward(tp *tensor.Tape, x *tensor.Tensor, train bool) *tensor.Tensor
}

type convBlock struct {
	w      *tensor.Tensor
	bn     *tensor.BatchNorm
	stride int
	pad    int
}

func (c *convBlock) forward(tp *tensor.Tape, x *tensor.Tensor, train bool) *tensor.Tensor {
	// No conv bias, because batch norm would cancel it out
	y := tensor.Conv2D(tp, x, c.w, nil, c.stride, c.pad)
	y = c.bn.Forward(tp, y, train)
	return tensor.LeakyReLU(tp, y, 0.1)
}

type poolLayer struct {
	size   int
	stride int
}

func (p *poolLayer) forward(tp *tensor.Tape, x *tensor.Tensor, train bool) *tensor.Tensor {
	return tensor.MaxPool2D(tp, x, p.size, p.stride)
}

// NewModel creates a model with randomly initialized weights.
// config.Architecture picks the backbone (see LookupArchitecture).
func NewModel(config nn.ModelConfig, seed int64) (*Model, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	arch, err := LookupArchitecture(config.Architecture)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	m := &Model{
		Config: config,
		Arch:   arch,
		rng:    rng,
	}

	channels, h, w := 3, config.Height, config.Width
	for i, spec := range arch.Backbone {
		switch spec.Kind {
		case LayerConv:
			block := &convBlock{
				w:      tensor.New(spec.Filters, channels, spec.Kernel, spec.Kernel),
				bn:     tensor.NewBatchNorm(spec.Filters),
				stride: spec.Stride,
				pad:    spec.Pad,
			}
			tensor.InitHeNormal(block.w, channels*spec.Kernel*spec.Kernel, rng)
			prefix := fmt.Sprintf("darknet.%v.", i)
			m.addParam(prefix+"conv.weight", true, block.w)
			m.addParam(prefix+"bn.weight", true, block.bn.Gamma)
			m.addParam(prefix+"bn.bias", true, block.bn.Beta)
			m.addParam(prefix+"bn.running_mean", false, block.bn.RunningMean)
			m.addParam(prefix+"bn.running_var", false, block.bn.RunningVar)
			m.backbone = append(m.backbone, block)
			channels = spec.Filters
		case LayerMaxPool:
			m.backbone = append(m.backbone, &poolLayer{size: spec.Kernel, stride: spec.Stride})
		default:
			return nil, fmt.Errorf("Unknown layer kind '%v' in architecture %v", spec.Kind, arch.Name)
		}
		h = tensor.ConvOutputSize(h, spec.Kernel, spec.Stride, spec.Pad)
		w = tensor.ConvOutputSize(w, spec.Kernel, spec.Stride, spec.Pad)
		if h <= 0 || w <= 0 {
			return nil, fmt.Errorf("Input size %v x %v is too small for architecture %v (vanishes at layer %v)", config.Width, config.Height, arch.Name, i)
		}
	}

	flat := channels * h * w
	out := config.GridSize * config.GridSize * config.CellDepth()
	m.fc1W = tensor.New(arch.Hidden, flat)
	m.fc1B = tensor.New(arch.Hidden)
	m.fc2W = tensor.New(out, arch.Hidden)
	m.fc2B = tensor.New(out)
	tensor.InitUniform(m.fc1W, flat, rng)
	tensor.InitUniform(m.fc1B, flat, rng)
	tensor.InitUniform(m.fc2W, arch.Hidden, rng)
	tensor.InitUniform(m.fc2B, arch.Hidden, rng)
	m.addParam("fcs.1.weight", true, m.fc1W)
	m.addParam("fcs.1.bias", true, m.fc1B)
	m.addParam("fcs.4.weight", true, m.fc2W)
	m.addParam("fcs.4.bias", true, m.fc2B)
	return m, nil
}

func (m *Model) addParam(name string, trainable bool, t *tensor.Tensor) {
	m.state = append(m.state, tensor.Param{Name: name, Trainable: trainable, Tensor: t})
}

// Forward runs the network on x [N, 3, Height, Width], returning [N, S, S, C+5B].
// With a nil tape, Forward is read-only and safe to call concurrently (as long as train is false).
func (m *Model) Forward(tp *tensor.Tape, x *tensor.Tensor, train bool) *tensor.Tensor {
	if len(x.Shape) != 4 || x.Shape[1] != 3 || x.Shape[2] != m.Config.Height || x.Shape[3] != m.Config.Width {
		panic(fmt.Sprintf("yolo: model expects input [N, 3, %v, %v], but got %v", m.Config.Height, m.Config.Width, x.Shape))
	}
	n := x.Shape[0]
	y := x
	for _, l := range m.backbone {
		y = l.forward(tp, y, train)
	}
	y = y.View(n, y.Len()/n)
	y = tensor.Linear(tp, y, m.fc1W, m.fc1B)
	y = tensor.Dropout(tp, y, m.Arch.Dropout, train, m.rng)
	y = tensor.LeakyReLU(tp, y, 0.1)
	y = tensor.Linear(tp, y, m.fc2W, m.fc2B)
	s := m.Config.GridSize
	return y.View(n, s, s, m.Config.CellDepth())
}

// Parameters returns the trainable parameters
func (m *Model) Parameters() []tensor.Param {
	params := []tensor.Param{}
	for _, p := range m.state {
		if p.Trainable {
			params = append(params, p)
		}
	}
	return params
}

// State returns all tensors needed to restore the model, including batch norm running statistics
func (m *Model) State() []tensor.Param {
	return m.state
}

// NumParameters is the number of trainable scalars
func (m *Model) NumParameters() int {
	n := 0
	for _, p := range m.Parameters() {
		n += p.Len()
	}
	return n
}

// LoadState copies saved tensors into the model.
// Every tensor of the model must be present, with an identical shape.
func (m *Model) LoadState(state map[string]*tensor.Tensor) error {
	for _, p := range m.state {
		src, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("Saved state is missing %v", p.Name)
		}
		if !tensor.SameShape(src.Shape, p.Shape) {
			return fmt.Errorf("Saved state for %v has shape %v, but model expects %v", p.Name, src.Shape, p.Shape)
		}
		copy(p.Data, src.Data)
	}
	return nil
}

// ZeroGrad clears the gradients of all trainable parameters, allocating them if necessary
func (m *Model) ZeroGrad() {
	for _, p := range m.Parameters() {
		p.EnsureGrad()
		p.ZeroGrad()
	}
}
