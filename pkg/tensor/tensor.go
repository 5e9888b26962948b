// Package tensor is a small float32 tensor library with reverse-mode automatic
// differentiation. It only implements the handful of operations that a
// YOLO-style convolutional detector needs.
package tensor

import (
	"fmt"
	"strings"
)

// Tensor is a dense row-major float32 array.
// Grad is nil unless the tensor participates in a backward pass.
type Tensor struct {
	Shape []int
	Data  []float32
	Grad  []float32
}

// Param is a named tensor that is owned by a model (a weight, a bias, or a buffer such as a running mean)
type Param struct {
	Name      string
	Trainable bool
	*Tensor
}

// New returns a zero-filled tensor
func New(shape ...int) *Tensor {
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, NumElements(shape)),
	}
}

// FromData wraps data. Panics if the number of elements does not match the shape.
func FromData(data []float32, shape ...int) *Tensor {
	if len(data) != NumElements(shape) {
		panic(fmt.Sprintf("tensor: %v elements do not fit shape %v", len(data), shape))
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  data,
	}
}

// Scalar returns a tensor of shape [1]
func Scalar(v float32) *Tensor {
	return FromData([]float32{v}, 1)
}

func NumElements(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

func (t *Tensor) Len() int {
	return len(t.Data)
}

// Dim returns the size of dimension i. Negative values count from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// Offset returns the flat index of the element at idx
func (t *Tensor) Offset(idx ...int) int {
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: index %v has wrong rank for shape %v", idx, t.Shape))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.Shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, t.Shape))
		}
		off = off*t.Shape[i] + v
	}
	return off
}

func (t *Tensor) At(idx ...int) float32 {
	return t.Data[t.Offset(idx...)]
}

func (t *Tensor) Set(v float32, idx ...int) {
	t.Data[t.Offset(idx...)] = v
}

// Fill sets every element to v
func (t *Tensor) Fill(v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// EnsureGrad allocates the gradient buffer if it does not exist yet
func (t *Tensor) EnsureGrad() {
	if t.Grad == nil {
		t.Grad = make([]float32, len(t.Data))
	}
}

func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

// Clone returns a deep copy of the data (the gradient is not copied)
func (t *Tensor) Clone() *Tensor {
	return FromData(append([]float32(nil), t.Data...), t.Shape...)
}

// View returns a tensor with a different shape that shares both Data and Grad with t.
// Because the storage is shared, gradients flow through a view without any backward op.
func (t *Tensor) View(shape ...int) *Tensor {
	if NumElements(shape) != len(t.Data) {
		panic(fmt.Sprintf("tensor: cannot view shape %v as %v", t.Shape, shape))
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  t.Data,
		Grad:  t.Grad,
	}
}

// Slice returns the i'th element along the first dimension, sharing storage
func (t *Tensor) Slice(i int) *Tensor {
	inner := NumElements(t.Shape[1:])
	s := &Tensor{
		Shape: append([]int(nil), t.Shape[1:]...),
		Data:  t.Data[i*inner : (i+1)*inner],
	}
	if t.Grad != nil {
		s.Grad = t.Grad[i*inner : (i+1)*inner]
	}
	return s
}

// Stack concatenates equally shaped tensors along a new leading dimension
func Stack(items []*Tensor) *Tensor {
	if len(items) == 0 {
		panic("tensor: cannot stack zero tensors")
	}
	inner := items[0].Shape
	out := New(append([]int{len(items)}, inner...)...)
	n := len(items[0].Data)
	for i, it := range items {
		if !SameShape(it.Shape, inner) {
			panic(fmt.Sprintf("tensor: cannot stack %v with %v", it.Shape, inner))
		}
		copy(out.Data[i*n:], it.Data)
	}
	return out
}

func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	dims := make([]string, len(t.Shape))
	for i, s := range t.Shape {
		dims[i] = fmt.Sprint(s)
	}
	return "Tensor[" + strings.Join(dims, "x") + "]"
}
