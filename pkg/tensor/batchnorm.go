package tensor

import (
	"fmt"

	"github.com/chewxy/math32"
)

// BatchNorm holds the parameters and running statistics of a 2D batch normalization layer
type BatchNorm struct {
	Gamma       *Tensor // [C]
	Beta        *Tensor // [C]
	RunningMean *Tensor // [C]
	RunningVar  *Tensor // [C]
	Momentum    float32
	Eps         float32
}

func NewBatchNorm(channels int) *BatchNorm {
	bn := &BatchNorm{
		Gamma:       New(channels),
		Beta:        New(channels),
		RunningMean: New(channels),
		RunningVar:  New(channels),
		Momentum:    0.1,
		Eps:         1e-5,
	}
	bn.Gamma.Fill(1)
	bn.RunningVar.Fill(1)
	return bn
}

// Forward normalizes x [N, C, H, W] per channel.
// In training mode, batch statistics are used and the running statistics are updated.
// In eval mode, the running statistics are used.
func (bn *BatchNorm) Forward(tp *Tape, x *Tensor, train bool) *Tensor {
	if len(x.Shape) != 4 || x.Shape[1] != bn.Gamma.Len() {
		panic(fmt.Sprintf("tensor: BatchNorm over %v channels cannot normalize %v", bn.Gamma.Len(), x.Shape))
	}
	n, c, hw := x.Shape[0], x.Shape[1], x.Shape[2]*x.Shape[3]
	m := float32(n * hw)
	out := newOutput(tp, x.Shape...)

	mean := make([]float32, c)
	invStd := make([]float32, c)
	if train {
		ParallelFor(c, func(_, ch int) {
			sum := float64(0)
			for i := 0; i < n; i++ {
				for _, v := range x.Data[(i*c+ch)*hw : (i*c+ch+1)*hw] {
					sum += float64(v)
				}
			}
			mu := float32(sum / float64(m))
			sq := float64(0)
			for i := 0; i < n; i++ {
				for _, v := range x.Data[(i*c+ch)*hw : (i*c+ch+1)*hw] {
					d := float64(v - mu)
					sq += d * d
				}
			}
			variance := float32(sq / float64(m))
			mean[ch] = mu
			invStd[ch] = 1 / math32.Sqrt(variance+bn.Eps)
			unbiased := variance
			if m > 1 {
				unbiased = variance * m / (m - 1)
			}
			bn.RunningMean.Data[ch] = (1-bn.Momentum)*bn.RunningMean.Data[ch] + bn.Momentum*mu
			bn.RunningVar.Data[ch] = (1-bn.Momentum)*bn.RunningVar.Data[ch] + bn.Momentum*unbiased
		})
	} else {
		for ch := 0; ch < c; ch++ {
			mean[ch] = bn.RunningMean.Data[ch]
			invStd[ch] = 1 / math32.Sqrt(bn.RunningVar.Data[ch]+bn.Eps)
		}
	}

	ParallelFor(c, func(_, ch int) {
		g, b := bn.Gamma.Data[ch], bn.Beta.Data[ch]
		for i := 0; i < n; i++ {
			src := x.Data[(i*c+ch)*hw : (i*c+ch+1)*hw]
			dst := out.Data[(i*c+ch)*hw : (i*c+ch+1)*hw]
			for j, v := range src {
				dst[j] = g*(v-mean[ch])*invStd[ch] + b
			}
		}
	})

	if !tp.Enabled() {
		return out
	}
	tp.Record(func() {
		ParallelFor(c, func(_, ch int) {
			g := bn.Gamma.Data[ch]
			sumDy := float32(0)
			sumDyXhat := float32(0)
			for i := 0; i < n; i++ {
				src := x.Data[(i*c+ch)*hw : (i*c+ch+1)*hw]
				dy := out.Grad[(i*c+ch)*hw : (i*c+ch+1)*hw]
				for j, v := range src {
					xhat := (v - mean[ch]) * invStd[ch]
					sumDy += dy[j]
					sumDyXhat += dy[j] * xhat
				}
			}
			if needsGrad(tp, bn.Gamma) {
				bn.Gamma.Grad[ch] += sumDyXhat
			}
			if needsGrad(tp, bn.Beta) {
				bn.Beta.Grad[ch] += sumDy
			}
			if !needsGrad(tp, x) {
				return
			}
			for i := 0; i < n; i++ {
				src := x.Data[(i*c+ch)*hw : (i*c+ch+1)*hw]
				dy := out.Grad[(i*c+ch)*hw : (i*c+ch+1)*hw]
				dx := x.Grad[(i*c+ch)*hw : (i*c+ch+1)*hw]
				for j, v := range src {
					if train {
						xhat := (v - mean[ch]) * invStd[ch]
						dx[j] += g * invStd[ch] / m * (m*dy[j] - sumDy - xhat*sumDyXhat)
					} else {
						dx[j] += g * invStd[ch] * dy[j]
					}
				}
			}
		})
	})
	return out
}
