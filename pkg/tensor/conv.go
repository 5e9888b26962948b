package tensor

import "fmt"

// ConvOutputSize returns the spatial output size of a convolution or pooling window
// It is zero when the window doesn't fit inside the padded input.
func ConvOutputSize(in, kernel, stride, pad int) int {
	if in+2*pad < kernel {
		return 0
	}
	return (in+2*pad-kernel)/stride + 1
}

// Conv2D convolves x [N, Cin, H, W] with w [Cout, Cin, K, K], adding bias b [Cout] if b is not nil.
// The result has shape [N, Cout, Ho, Wo].
//
// The convolution is computed as an im2col expansion followed by a matrix multiply.
// The column buffer is recomputed during backward instead of being held on to, because
// for large inputs the column buffers of a whole batch don't fit comfortably in memory.
func Conv2D(tp *Tape, x, w, b *Tensor, stride, pad int) *Tensor {
	if len(x.Shape) != 4 || len(w.Shape) != 4 {
		panic(fmt.Sprintf("tensor: Conv2D expects 4D input and weights, got %v and %v", x.Shape, w.Shape))
	}
	n, cin, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	cout, k := w.Shape[0], w.Shape[2]
	if w.Shape[1] != cin || w.Shape[3] != k {
		panic(fmt.Sprintf("tensor: Conv2D weights %v do not match input %v", w.Shape, x.Shape))
	}
	ho := ConvOutputSize(h, k, stride, pad)
	wo := ConvOutputSize(wd, k, stride, pad)
	if ho <= 0 || wo <= 0 {
		panic(fmt.Sprintf("tensor: Conv2D kernel %v stride %v pad %v is too large for input %v", k, stride, pad, x.Shape))
	}
	geo := convGeometry{cin: cin, h: h, w: wd, k: k, stride: stride, pad: pad, ho: ho, wo: wo}
	out := newOutput(tp, n, cout, ho, wo)

	kc := cin * k * k
	p := ho * wo
	inSize := cin * h * wd
	outSize := cout * p

	scratch := make([][]float32, NumWorkers(n))
	ParallelFor(n, func(worker, i int) {
		if scratch[worker] == nil {
			scratch[worker] = make([]float32, kc*p)
		}
		cols := scratch[worker]
		geo.im2col(x.Data[i*inSize:(i+1)*inSize], cols)
		dst := out.Data[i*outSize : (i+1)*outSize]
		if b != nil {
			for c := 0; c < cout; c++ {
				bv := b.Data[c]
				row := dst[c*p : (c+1)*p]
				for j := range row {
					row[j] = bv
				}
			}
		}
		gemm(cout, p, kc, w.Data, cols, dst)
	})

	if !tp.Enabled() {
		return out
	}

	tp.Record(func() {
		nWorkers := NumWorkers(n)
		dW := make([][]float32, nWorkers)
		colScratch := make([][]float32, nWorkers)
		dColScratch := make([][]float32, nWorkers)
		ParallelFor(n, func(worker, i int) {
			if colScratch[worker] == nil {
				colScratch[worker] = make([]float32, kc*p)
				dColScratch[worker] = make([]float32, kc*p)
				if needsGrad(tp, w) {
					dW[worker] = make([]float32, len(w.Data))
				}
			}
			dOut := out.Grad[i*outSize : (i+1)*outSize]
			if needsGrad(tp, w) {
				cols := colScratch[worker]
				geo.im2col(x.Data[i*inSize:(i+1)*inSize], cols)
				gemmNT(cout, kc, p, dOut, cols, dW[worker])
			}
			if needsGrad(tp, x) {
				dCols := dColScratch[worker]
				for j := range dCols {
					dCols[j] = 0
				}
				gemmTN(kc, p, cout, w.Data, dOut, dCols)
				geo.col2im(dCols, x.Grad[i*inSize:(i+1)*inSize])
			}
		})
		if needsGrad(tp, w) {
			for _, part := range dW {
				for j, v := range part {
					w.Grad[j] += v
				}
			}
		}
		if b != nil && needsGrad(tp, b) {
			for i := 0; i < n; i++ {
				dOut := out.Grad[i*outSize : (i+1)*outSize]
				for c := 0; c < cout; c++ {
					sum := float32(0)
					for _, v := range dOut[c*p : (c+1)*p] {
						sum += v
					}
					b.Grad[c] += sum
				}
			}
		}
	})
	return out
}

type convGeometry struct {
	cin, h, w      int
	k, stride, pad int
	ho, wo         int
}

// im2col expands a single image [Cin, H, W] into cols [Cin*K*K, Ho*Wo]
func (g *convGeometry) im2col(src, cols []float32) {
	p := g.ho * g.wo
	for c := 0; c < g.cin; c++ {
		plane := src[c*g.h*g.w : (c+1)*g.h*g.w]
		for ky := 0; ky < g.k; ky++ {
			for kx := 0; kx < g.k; kx++ {
				row := cols[((c*g.k+ky)*g.k+kx)*p : ((c*g.k+ky)*g.k+kx+1)*p]
				for oy := 0; oy < g.ho; oy++ {
					iy := oy*g.stride - g.pad + ky
					dst := row[oy*g.wo : (oy+1)*g.wo]
					if iy < 0 || iy >= g.h {
						for j := range dst {
							dst[j] = 0
						}
						continue
					}
					for ox := range dst {
						ix := ox*g.stride - g.pad + kx
						if ix < 0 || ix >= g.w {
							dst[ox] = 0
						} else {
							dst[ox] = plane[iy*g.w+ix]
						}
					}
				}
			}
		}
	}
}

// col2im accumulates cols [Cin*K*K, Ho*Wo] back into an image gradient [Cin, H, W]
func (g *convGeometry) col2im(cols, dst []float32) {
	p := g.ho * g.wo
	for c := 0; c < g.cin; c++ {
		plane := dst[c*g.h*g.w : (c+1)*g.h*g.w]
		for ky := 0; ky < g.k; ky++ {
			for kx := 0; kx < g.k; kx++ {
				row := cols[((c*g.k+ky)*g.k+kx)*p : ((c*g.k+ky)*g.k+kx+1)*p]
				for oy := 0; oy < g.ho; oy++ {
					iy := oy*g.stride - g.pad + ky
					if iy < 0 || iy >= g.h {
						continue
					}
					for ox := 0; ox < g.wo; ox++ {
						ix := ox*g.stride - g.pad + kx
						if ix >= 0 && ix < g.w {
							plane[iy*g.w+ix] += row[oy*g.wo+ox]
						}
					}
				}
			}
		}
	}
}
