package tensor

// Tape records the backward functions of the operations executed during a forward pass.
// Operations are recorded in execution order, so replaying them in reverse is a valid
// topological order for the backward pass.
//
// A nil *Tape is valid, and means "inference only": no gradient buffers are allocated
// and nothing is recorded.
type Tape struct {
	ops []func()
}

func NewTape() *Tape {
	return &Tape{}
}

// Enabled returns true if operations should record gradients
func (tp *Tape) Enabled() bool {
	return tp != nil
}

// Record adds a backward function to the tape. It is a no-op on a nil tape.
func (tp *Tape) Record(backward func()) {
	if tp == nil {
		return
	}
	tp.ops = append(tp.ops, backward)
}

// Len returns the number of recorded operations
func (tp *Tape) Len() int {
	if tp == nil {
		return 0
	}
	return len(tp.ops)
}

// Backward seeds the gradient of out with 1 for every element, and propagates gradients
// back through every recorded operation. The tape is emptied afterwards.
func (tp *Tape) Backward(out *Tensor) {
	seed := make([]float32, len(out.Data))
	for i := range seed {
		seed[i] = 1
	}
	tp.BackwardFrom(out, seed)
}

// BackwardFrom is like Backward, but seeds the gradient of out with grad
func (tp *Tape) BackwardFrom(out *Tensor, grad []float32) {
	out.EnsureGrad()
	copy(out.Grad, grad)
	for i := len(tp.ops) - 1; i >= 0; i-- {
		tp.ops[i]()
	}
	tp.ops = tp.ops[:0]
}

// newOutput allocates an op result, with a gradient buffer if we are recording
func newOutput(tp *Tape, shape ...int) *Tensor {
	out := New(shape...)
	if tp.Enabled() {
		out.EnsureGrad()
	}
	return out
}

// needsGrad is true if x should receive gradient during backward
func needsGrad(tp *Tape, x *Tensor) bool {
	return tp.Enabled() && x.Grad != nil
}
