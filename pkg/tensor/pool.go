package tensor

import "fmt"

// MaxPool2D takes the maximum over size×size windows of x [N, C, H, W], moving by stride.
func MaxPool2D(tp *Tape, x *Tensor, size, stride int) *Tensor {
	if len(x.Shape) != 4 {
		panic(fmt.Sprintf("tensor: MaxPool2D expects 4D input, got %v", x.Shape))
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	ho := ConvOutputSize(h, size, stride, 0)
	wo := ConvOutputSize(w, size, stride, 0)
	out := newOutput(tp, n, c, ho, wo)

	// argmax holds the flat input index of the winner for every output element
	var argmax []int32
	if tp.Enabled() {
		argmax = make([]int32, len(out.Data))
	}

	ParallelFor(n*c, func(_, plane int) {
		src := x.Data[plane*h*w : (plane+1)*h*w]
		dst := out.Data[plane*ho*wo : (plane+1)*ho*wo]
		for oy := 0; oy < ho; oy++ {
			for ox := 0; ox < wo; ox++ {
				best := -1
				bestV := float32(0)
				for ky := 0; ky < size; ky++ {
					iy := oy*stride + ky
					for kx := 0; kx < size; kx++ {
						idx := iy*w + ox*stride + kx
						if best == -1 || src[idx] > bestV {
							best = idx
							bestV = src[idx]
						}
					}
				}
				dst[oy*wo+ox] = bestV
				if argmax != nil {
					argmax[plane*ho*wo+oy*wo+ox] = int32(plane*h*w + best)
				}
			}
		}
	})

	if needsGrad(tp, x) {
		tp.Record(func() {
			for i, src := range argmax {
				x.Grad[src] += out.Grad[i]
			}
		})
	}
	return out
}
