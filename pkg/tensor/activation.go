package tensor

import "math/rand"

// LeakyReLU returns x for x > 0, and slope*x otherwise
func LeakyReLU(tp *Tape, x *Tensor, slope float32) *Tensor {
	out := newOutput(tp, x.Shape...)
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
		} else {
			out.Data[i] = slope * v
		}
	}
	if needsGrad(tp, x) {
		tp.Record(func() {
			for i, v := range x.Data {
				if v > 0 {
					x.Grad[i] += out.Grad[i]
				} else {
					x.Grad[i] += slope * out.Grad[i]
				}
			}
		})
	}
	return out
}

// Dropout zeroes elements with probability p, and scales the survivors by 1/(1-p).
// When train is false, or p is zero, x is returned unchanged.
func Dropout(tp *Tape, x *Tensor, p float32, train bool, rng *rand.Rand) *Tensor {
	if !train || p <= 0 {
		return x
	}
	scale := 1 / (1 - p)
	mask := make([]float32, len(x.Data))
	out := newOutput(tp, x.Shape...)
	for i, v := range x.Data {
		if rng.Float32() >= p {
			mask[i] = scale
		}
		out.Data[i] = v * mask[i]
	}
	if needsGrad(tp, x) {
		tp.Record(func() {
			for i, m := range mask {
				x.Grad[i] += m * out.Grad[i]
			}
		})
	}
	return out
}
