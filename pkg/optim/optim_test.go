package optim

import (
	"testing"

	"github.com/cyclopcam/yolotrain/pkg/tensor"
	"github.com/stretchr/testify/require"
)

func quadraticParams() []tensor.Param {
	return []tensor.Param{
		{Name: "a", Trainable: true, Tensor: tensor.FromData([]float32{0, 10, -4}, 3)},
		{Name: "b", Trainable: true, Tensor: tensor.FromData([]float32{1}, 1)},
	}
}

// gradient of sum((x - 3)^2)
func quadraticGrad(params []tensor.Param) float32 {
	loss := float32(0)
	for _, p := range params {
		for i, x := range p.Data {
			loss += (x - 3) * (x - 3)
			p.Grad[i] += 2 * (x - 3)
		}
	}
	return loss
}

func TestAdamFirstStep(t *testing.T) {
	params := quadraticParams()
	opt := NewAdam(DefaultParams(0.1), params)
	opt.ZeroGrad()
	quadraticGrad(params)
	opt.Step()
	// The first Adam step moves every element by the learning rate, against its gradient
	require.InDeltaSlice(t, []float32{0.1, 9.9, -3.9}, params[0].Data, 1e-5)
	require.InDelta(t, 1.1, params[1].Data[0], 1e-5)
}

func TestOptimizersConverge(t *testing.T) {
	for _, kind := range []Kind{KindAdam, KindSGD} {
		params := quadraticParams()
		p := DefaultParams(0.05)
		p.Kind = kind
		opt, err := New(p, params)
		require.NoError(t, err)
		first := float32(0)
		last := float32(0)
		for i := 0; i < 500; i++ {
			opt.ZeroGrad()
			last = quadraticGrad(params)
			if i == 0 {
				first = last
			}
			opt.Step()
		}
		require.Less(t, last, first*0.01, "%v", kind)
	}
}

func TestWeightDecay(t *testing.T) {
	params := []tensor.Param{{Name: "w", Trainable: true, Tensor: tensor.FromData([]float32{2}, 1)}}
	p := DefaultParams(0.1)
	p.Kind = KindSGD
	p.Momentum = 0
	p.WeightDecay = 0.5
	opt := NewSGD(p, params)
	opt.ZeroGrad()
	opt.Step()
	// zero gradient, so only decay acts: 2 - 0.1 * 0.5 * 2
	require.InDelta(t, 1.9, params[0].Data[0], 1e-6)
}

func TestStateRoundTrip(t *testing.T) {
	a := quadraticParams()
	optA := NewAdam(DefaultParams(0.1), a)
	for i := 0; i < 3; i++ {
		optA.ZeroGrad()
		quadraticGrad(a)
		optA.Step()
	}
	state := optA.State()
	require.Equal(t, 3, state.Step)

	// b starts at the same point as a, with a restored optimizer
	b := quadraticParams()
	for i := range b {
		copy(b[i].Data, a[i].Data)
	}
	optB := NewAdam(DefaultParams(0.1), b)
	require.NoError(t, optB.LoadState(state))

	optA.ZeroGrad()
	quadraticGrad(a)
	optA.Step()
	optB.ZeroGrad()
	quadraticGrad(b)
	optB.Step()
	for i := range a {
		require.Equal(t, a[i].Data, b[i].Data)
	}

	// exported state is a copy
	state.Slots["exp_avg"]["a"][0] = 1000
	require.NotEqual(t, float32(1000), optA.m["a"][0])
}

func TestLoadStateErrors(t *testing.T) {
	params := quadraticParams()
	adam := NewAdam(DefaultParams(0.1), params)
	sgdParams := DefaultParams(0.1)
	sgdParams.Kind = KindSGD
	sgd := NewSGD(sgdParams, params)

	require.Error(t, adam.LoadState(sgd.State()))
	require.Error(t, sgd.LoadState(adam.State()))

	state := adam.State()
	delete(state.Slots["exp_avg_sq"], "b")
	require.Error(t, adam.LoadState(state))

	state = adam.State()
	state.Slots["exp_avg"]["a"] = []float32{1}
	require.Error(t, adam.LoadState(state))

	_, err := New(Params{Kind: "lbfgs"}, params)
	require.Error(t, err)
}
