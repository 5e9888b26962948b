package tensor

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomTensor(rng *rand.Rand, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = rng.Float32()*2 - 1
	}
	return t
}

// Distinct values that are far apart from each other, and from zero, so that
// max pooling and leaky ReLU don't flip branches under a small perturbation.
func spacedTensor(rng *rand.Rand, shape ...int) *Tensor {
	t := New(shape...)
	perm := rng.Perm(len(t.Data))
	for i, p := range perm {
		t.Data[i] = float32(p-len(perm)/2)*0.05 + 0.025
	}
	return t
}

func dot(a, b []float32) float64 {
	sum := float64(0)
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// checkGradients compares the analytic gradient of sum(forward() * seed) against central differences,
// for every element of every tensor in 'inputs'.
func checkGradients(t *testing.T, inputs []*Tensor, forward func(tp *Tape) *Tensor, tolerance float64) {
	t.Helper()
	for _, in := range inputs {
		in.Grad = nil
		in.EnsureGrad()
	}
	tp := NewTape()
	out := forward(tp)
	rng := rand.New(rand.NewSource(99))
	seed := make([]float32, out.Len())
	for i := range seed {
		seed[i] = rng.Float32()*2 - 1
	}
	tp.BackwardFrom(out, seed)

	const h = 1e-2
	for k, in := range inputs {
		for i := range in.Data {
			orig := in.Data[i]
			in.Data[i] = orig + h
			plus := dot(forward(nil).Data, seed)
			in.Data[i] = orig - h
			minus := dot(forward(nil).Data, seed)
			in.Data[i] = orig
			numeric := (plus - minus) / (2 * h)
			require.InDelta(t, numeric, float64(in.Grad[i]), tolerance, "input %v element %v", k, i)
		}
	}
}

func TestConvOutputSize(t *testing.T) {
	require.Equal(t, 224, ConvOutputSize(448, 7, 2, 3))
	require.Equal(t, 56, ConvOutputSize(56, 3, 1, 1))
	require.Equal(t, 28, ConvOutputSize(56, 2, 2, 0))
	require.Equal(t, 0, ConvOutputSize(1, 2, 2, 0))
}

func TestConv2DForward(t *testing.T) {
	// 1 image, 1 channel, 3x3, with a 2x2 kernel of ones: each output is the sum of a 2x2 window
	x := FromData([]float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}, 1, 1, 3, 3)
	w := FromData([]float32{1, 1, 1, 1}, 1, 1, 2, 2)
	b := FromData([]float32{0.5}, 1)
	out := Conv2D(nil, x, w, b, 1, 0)
	require.Equal(t, []int{1, 1, 2, 2}, out.Shape)
	require.Equal(t, []float32{12.5, 16.5, 24.5, 28.5}, out.Data)

	// Padding of 1 with stride 2 on the same input
	out = Conv2D(nil, x, w, nil, 2, 1)
	require.Equal(t, []int{1, 1, 2, 2}, out.Shape)
	require.Equal(t, []float32{1, 5, 11, 28}, out.Data)
}

func TestConv2DGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	x := randomTensor(rng, 2, 2, 5, 5)
	w := randomTensor(rng, 3, 2, 3, 3)
	b := randomTensor(rng, 3)
	checkGradients(t, []*Tensor{x, w, b}, func(tp *Tape) *Tensor {
		return Conv2D(tp, x, w, b, 2, 1)
	}, 1e-2)
}

func TestLinearGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	x := randomTensor(rng, 3, 4)
	w := randomTensor(rng, 5, 4)
	b := randomTensor(rng, 5)
	checkGradients(t, []*Tensor{x, w, b}, func(tp *Tape) *Tensor {
		return Linear(tp, x, w, b)
	}, 1e-2)
}

func TestMaxPoolGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := spacedTensor(rng, 2, 2, 4, 4)
	checkGradients(t, []*Tensor{x}, func(tp *Tape) *Tensor {
		return MaxPool2D(tp, x, 2, 2)
	}, 1e-2)

	out := MaxPool2D(nil, FromData([]float32{1, 9, 3, 4}, 1, 1, 2, 2), 2, 2)
	require.Equal(t, []float32{9}, out.Data)
}

func TestLeakyReLUGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	x := spacedTensor(rng, 3, 7)
	checkGradients(t, []*Tensor{x}, func(tp *Tape) *Tensor {
		return LeakyReLU(tp, x, 0.1)
	}, 1e-2)
}

func TestBatchNormGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	x := randomTensor(rng, 3, 2, 3, 3)
	bn := NewBatchNorm(2)
	bn.Gamma.Data[1] = 1.5
	bn.Beta.Data[0] = -0.25
	checkGradients(t, []*Tensor{x, bn.Gamma, bn.Beta}, func(tp *Tape) *Tensor {
		return bn.Forward(tp, x, true)
	}, 2e-2)
}

func TestBatchNormEval(t *testing.T) {
	bn := NewBatchNorm(1)
	bn.RunningMean.Data[0] = 2
	bn.RunningVar.Data[0] = 4
	bn.Eps = 0
	out := bn.Forward(nil, FromData([]float32{2, 4, 6, 0}, 1, 1, 2, 2), false)
	require.Equal(t, []float32{0, 1, 2, -1}, out.Data)
}

func TestChainedBackward(t *testing.T) {
	// conv -> view -> linear, to make sure gradients flow through views
	rng := rand.New(rand.NewSource(6))
	x := randomTensor(rng, 2, 1, 4, 4)
	w := randomTensor(rng, 2, 1, 3, 3)
	lw := randomTensor(rng, 3, 8)
	checkGradients(t, []*Tensor{w, lw}, func(tp *Tape) *Tensor {
		y := Conv2D(tp, x, w, nil, 2, 1)
		y = y.View(2, 8)
		return Linear(tp, y, lw, nil)
	}, 2e-2)
}

func TestDropout(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	x := New(1000)
	x.Fill(1)
	require.Same(t, x, Dropout(nil, x, 0.5, false, rng))
	out := Dropout(nil, x, 0.5, true, rng)
	zeros := 0
	for _, v := range out.Data {
		if v == 0 {
			zeros++
		} else {
			require.Equal(t, float32(2), v)
		}
	}
	require.InDelta(t, 500, zeros, 100)
}

func TestStackAndSlice(t *testing.T) {
	a := FromData([]float32{1, 2}, 2)
	b := FromData([]float32{3, 4}, 2)
	s := Stack([]*Tensor{a, b})
	require.Equal(t, []int{2, 2}, s.Shape)
	require.Equal(t, float32(3), s.At(1, 0))
	require.Equal(t, []float32{3, 4}, s.Slice(1).Data)
	s.Slice(1).Data[0] = 9
	require.Equal(t, float32(9), s.At(1, 0))
}

func TestParallelFor(t *testing.T) {
	seen := make([]int, 100)
	ParallelFor(len(seen), func(_, i int) {
		seen[i]++
	})
	for _, v := range seen {
		require.Equal(t, 1, v)
	}
}
