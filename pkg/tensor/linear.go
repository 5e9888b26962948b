package tensor

import "fmt"

// Linear computes x·wᵀ + b, where x is [N, In], w is [Out, In], and b is [Out] (or nil).
// The result has shape [N, Out].
func Linear(tp *Tape, x, w, b *Tensor) *Tensor {
	if len(x.Shape) != 2 || len(w.Shape) != 2 || x.Shape[1] != w.Shape[1] {
		panic(fmt.Sprintf("tensor: Linear cannot multiply %v by %v", x.Shape, w.Shape))
	}
	n, in, nout := x.Shape[0], x.Shape[1], w.Shape[0]
	out := newOutput(tp, n, nout)

	ParallelFor(n, func(_, i int) {
		dst := out.Data[i*nout : (i+1)*nout]
		if b != nil {
			copy(dst, b.Data)
		}
		gemmNT(1, nout, in, x.Data[i*in:(i+1)*in], w.Data, dst)
	})

	if !tp.Enabled() {
		return out
	}
	tp.Record(func() {
		if needsGrad(tp, x) {
			ParallelFor(n, func(_, i int) {
				gemm(1, in, nout, out.Grad[i*nout:(i+1)*nout], w.Data, x.Grad[i*in:(i+1)*in])
			})
		}
		if needsGrad(tp, w) {
			// dW[Out×In] += dOutᵀ[Out×N] · x[N×In]. Rows of dW are independent, so split on those.
			ParallelFor(nout, func(_, o int) {
				row := w.Grad[o*in : (o+1)*in]
				for i := 0; i < n; i++ {
					g := out.Grad[i*nout+o]
					if g == 0 {
						continue
					}
					xi := x.Data[i*in : (i+1)*in]
					for j, xv := range xi {
						row[j] += g * xv
					}
				}
			})
		}
		if b != nil && needsGrad(tp, b) {
			for i := 0; i < n; i++ {
				for o := 0; o < nout; o++ {
					b.Grad[o] += out.Grad[i*nout+o]
				}
			}
		}
	})
	return out
}
