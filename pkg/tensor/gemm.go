package tensor

// C[m×n] += A[m×k] · B[k×n]
func gemm(m, n, k int, a, b, c []float32) {
	for i := 0; i < m; i++ {
		ci := c[i*n : (i+1)*n]
		for p := 0; p < k; p++ {
			av := a[i*k+p]
			if av == 0 {
				continue
			}
			bp := b[p*n : (p+1)*n]
			for j, bv := range bp {
				ci[j] += av * bv
			}
		}
	}
}

// C[m×n] += A[m×k] · transpose(B[n×k])
func gemmNT(m, n, k int, a, b, c []float32) {
	for i := 0; i < m; i++ {
		ai := a[i*k : (i+1)*k]
		for j := 0; j < n; j++ {
			bj := b[j*k : (j+1)*k]
			sum := float32(0)
			for p, av := range ai {
				sum += av * bj[p]
			}
			c[i*n+j] += sum
		}
	}
}

// C[m×n] += transpose(A[k×m]) · B[k×n]
func gemmTN(m, n, k int, a, b, c []float32) {
	for p := 0; p < k; p++ {
		ap := a[p*m : (p+1)*m]
		bp := b[p*n : (p+1)*n]
		for i, av := range ap {
			if av == 0 {
				continue
			}
			ci := c[i*n : (i+1)*n]
			for j, bv := range bp {
				ci[j] += av * bv
			}
		}
	}
}
