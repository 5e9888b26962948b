// Package optim holds the optimizers that update model parameters from their gradients.
package optim

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/yolotrain/pkg/tensor"
)

type Kind string

const (
	KindAdam Kind = "adam"
	KindSGD  Kind = "sgd"
)

// Optimizer updates a fixed list of parameters
type Optimizer interface {
	ZeroGrad()
	Step()
	State() *State
	LoadState(state *State) error
}

// Hyperparameters shared by the optimizers. Unused fields are ignored.
type Params struct {
	Kind         Kind    `json:"kind"`
	LearningRate float32 `json:"learningRate"`
	WeightDecay  float32 `json:"weightDecay"` // L2 penalty, added to the gradient
	Beta1        float32 `json:"beta1"`       // Adam
	Beta2        float32 `json:"beta2"`       // Adam
	Eps          float32 `json:"eps"`         // Adam
	Momentum     float32 `json:"momentum"`    // SGD
}

// DefaultParams returns Adam with the usual betas
func DefaultParams(learningRate float32) Params {
	return Params{
		Kind:         KindAdam,
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Eps:          1e-8,
		Momentum:     0.9,
	}
}

// State is everything needed to resume an optimizer.
// Slots maps slot name (eg "exp_avg") to parameter name to values.
type State struct {
	Params Params                          `json:"params"`
	Step   int                             `json:"step"`
	Slots  map[string]map[string][]float32 `json:"-"`
}

// New creates the optimizer named by params.Kind
func New(params Params, parameters []tensor.Param) (Optimizer, error) {
	switch params.Kind {
	case KindAdam:
		return NewAdam(params, parameters), nil
	case KindSGD:
		return NewSGD(params, parameters), nil
	}
	return nil, fmt.Errorf("Unknown optimizer '%v'", params.Kind)
}

func zeroGrad(parameters []tensor.Param) {
	for _, p := range parameters {
		p.EnsureGrad()
		p.ZeroGrad()
	}
}

func makeSlot(parameters []tensor.Param) map[string][]float32 {
	slot := map[string][]float32{}
	for _, p := range parameters {
		slot[p.Name] = make([]float32, p.Len())
	}
	return slot
}

func exportSlot(slot map[string][]float32) map[string][]float32 {
	out := map[string][]float32{}
	for name, v := range slot {
		out[name] = append([]float32(nil), v...)
	}
	return out
}

func importSlot(name string, dst map[string][]float32, state *State) error {
	src, ok := state.Slots[name]
	if !ok {
		return fmt.Errorf("Optimizer state is missing slot %v", name)
	}
	for param, v := range dst {
		s, ok := src[param]
		if !ok {
			return fmt.Errorf("Optimizer slot %v is missing %v", name, param)
		}
		if len(s) != len(v) {
			return fmt.Errorf("Optimizer slot %v/%v has %v values, but parameter has %v", name, param, len(s), len(v))
		}
		copy(v, s)
	}
	return nil
}

// Adam optimizer (Kingma & Ba), with L2 weight decay
type Adam struct {
	Params     Params
	parameters []tensor.Param
	step       int
	m          map[string][]float32
	v          map[string][]float32
}

func NewAdam(params Params, parameters []tensor.Param) *Adam {
	return &Adam{
		Params:     params,
		parameters: parameters,
		m:          makeSlot(parameters),
		v:          makeSlot(parameters),
	}
}

func (a *Adam) ZeroGrad() {
	zeroGrad(a.parameters)
}

func (a *Adam) Step() {
	a.step++
	pr := a.Params
	bias1 := 1 - math32.Pow(pr.Beta1, float32(a.step))
	bias2 := 1 - math32.Pow(pr.Beta2, float32(a.step))
	stepSize := pr.LearningRate / bias1
	// Parameters are independent, so they can be updated concurrently
	tensor.ParallelFor(len(a.parameters), func(worker, pi int) {
		p := a.parameters[pi]
		if p.Grad == nil {
			return
		}
		m := a.m[p.Name]
		v := a.v[p.Name]
		for i, g := range p.Grad {
			g += pr.WeightDecay * p.Data[i]
			m[i] = pr.Beta1*m[i] + (1-pr.Beta1)*g
			v[i] = pr.Beta2*v[i] + (1-pr.Beta2)*g*g
			p.Data[i] -= stepSize * m[i] / (math32.Sqrt(v[i]/bias2) + pr.Eps)
		}
	})
}

func (a *Adam) State() *State {
	return &State{
		Params: a.Params,
		Step:   a.step,
		Slots: map[string]map[string][]float32{
			"exp_avg":    exportSlot(a.m),
			"exp_avg_sq": exportSlot(a.v),
		},
	}
}

func (a *Adam) LoadState(state *State) error {
	if state.Params.Kind != KindAdam {
		return fmt.Errorf("Cannot load %v optimizer state into Adam", state.Params.Kind)
	}
	if err := importSlot("exp_avg", a.m, state); err != nil {
		return err
	}
	if err := importSlot("exp_avg_sq", a.v, state); err != nil {
		return err
	}
	a.step = state.Step
	return nil
}

// SGD with momentum, and L2 weight decay
type SGD struct {
	Params     Params
	parameters []tensor.Param
	step       int
	velocity   map[string][]float32
}

func NewSGD(params Params, parameters []tensor.Param) *SGD {
	return &SGD{
		Params:     params,
		parameters: parameters,
		velocity:   makeSlot(parameters),
	}
}

func (s *SGD) ZeroGrad() {
	zeroGrad(s.parameters)
}

func (s *SGD) Step() {
	s.step++
	pr := s.Params
	for _, p := range s.parameters {
		if p.Grad == nil {
			continue
		}
		vel := s.velocity[p.Name]
		for i, g := range p.Grad {
			g += pr.WeightDecay * p.Data[i]
			vel[i] = pr.Momentum*vel[i] + g
			p.Data[i] -= pr.LearningRate * vel[i]
		}
	}
}

func (s *SGD) State() *State {
	return &State{
		Params: s.Params,
		Step:   s.step,
		Slots: map[string]map[string][]float32{
			"momentum_buffer": exportSlot(s.velocity),
		},
	}
}

func (s *SGD) LoadState(state *State) error {
	if state.Params.Kind != KindSGD {
		return fmt.Errorf("Cannot load %v optimizer state into SGD", state.Params.Kind)
	}
	if err := importSlot("momentum_buffer", s.velocity, state); err != nil {
		return err
	}
	s.step = state.Step
	return nil
}
