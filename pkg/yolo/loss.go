package yolo

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/yolotrain/pkg/nn"
	"github.com/cyclopcam/yolotrain/pkg/tensor"
)

// Loss is the YOLOv1 sum-squared detection loss.
//
// For every cell, the box (out of B) whose prediction has the highest IoU with the target box
// is "responsible" for the object. The loss is the sum of four parts:
//
//	box:      LambdaCoord * squared error of (x, y, sqrt(w), sqrt(h)) of the responsible box, in cells with an object
//	object:   squared error of the responsible box confidence, in cells with an object
//	no-object: LambdaNoObj * squared error of every box confidence, in cells without an object
//	class:    squared error of the class scores, in cells with an object
type Loss struct {
	S           int
	B           int
	C           int
	LambdaCoord float32
	LambdaNoObj float32
}

// LossParts is the breakdown of a loss value. The weighted parts add up to Total.
type LossParts struct {
	Box      float32 `json:"box"`
	Object   float32 `json:"object"`
	NoObject float32 `json:"noObject"`
	Class    float32 `json:"class"`
	Total    float32 `json:"total"`
}

func (p *LossParts) Add(b LossParts) {
	p.Box += b.Box
	p.Object += b.Object
	p.NoObject += b.NoObject
	p.Class += b.Class
	p.Total += b.Total
}

func (p LossParts) Scale(f float32) LossParts {
	return LossParts{
		Box:      p.Box * f,
		Object:   p.Object * f,
		NoObject: p.NoObject * f,
		Class:    p.Class * f,
		Total:    p.Total * f,
	}
}

func (p LossParts) String() string {
	return fmt.Sprintf("%.4f (box %.4f, obj %.4f, noobj %.4f, class %.4f)", p.Total, p.Box, p.Object, p.NoObject, p.Class)
}

func NewLoss(s, b, c int) *Loss {
	return &Loss{
		S:           s,
		B:           b,
		C:           c,
		LambdaCoord: 5,
		LambdaNoObj: 0.5,
	}
}

// signed square root, which keeps the gradient finite at zero
func signedSqrt(v float32) (f, df float32) {
	if v == 0 {
		return 0, 0
	}
	r := math32.Sqrt(math32.Abs(v) + 1e-6)
	if v < 0 {
		return -r, 0.5 / r
	}
	return r, 0.5 / r
}

// Forward computes the loss of predictions [N, S, S, C+5B] against targets of the same shape.
// It returns a scalar tensor, which can be passed to tp.Backward.
func (l *Loss) Forward(tp *tensor.Tape, pred, target *tensor.Tensor) (*tensor.Tensor, LossParts) {
	depth := l.C + 5*l.B
	if !tensor.SameShape(pred.Shape, target.Shape) || len(pred.Shape) != 4 || pred.Shape[1] != l.S || pred.Shape[2] != l.S || pred.Shape[3] != depth {
		panic(fmt.Sprintf("yolo: loss expects [N, %v, %v, %v] predictions and targets, but got %v and %v", l.S, l.S, depth, pred.Shape, target.Shape))
	}
	nCells := pred.Shape[0] * l.S * l.S
	var grad []float32
	if tp.Enabled() {
		grad = make([]float32, len(pred.Data))
	}
	// accumulate the gradient of 'weight * diff^2' with respect to p, where diff depends on p with slope ddiff
	addGrad := func(idx int, weight, diff, ddiff float32) {
		if grad != nil {
			grad[idx] += weight * 2 * diff * ddiff
		}
	}

	var box, obj, noobj, class float32
	for cellIdx := 0; cellIdx < nCells; cellIdx++ {
		base := cellIdx * depth
		p := pred.Data[base : base+depth]
		t := target.Data[base : base+depth]
		exists := t[l.C]
		absent := 1 - exists
		targetBox := nn.Box{X: t[l.C+1], Y: t[l.C+2], W: t[l.C+3], H: t[l.C+4]}

		best := 0
		bestIoU := float32(-1)
		for b := 0; b < l.B; b++ {
			o := l.C + 5*b
			iou := nn.IntersectionOverUnion(nn.Box{X: p[o+1], Y: p[o+2], W: p[o+3], H: p[o+4]}, targetBox, nn.BoxFormatMidpoint)
			if iou > bestIoU {
				bestIoU = iou
				best = b
			}
		}
		bo := l.C + 5*best

		// box coordinates
		for k := 1; k <= 2; k++ {
			diff := exists*p[bo+k] - exists*t[l.C+k]
			box += diff * diff
			addGrad(base+bo+k, l.LambdaCoord, diff, exists)
		}
		for k := 3; k <= 4; k++ {
			f, df := signedSqrt(exists * p[bo+k])
			diff := f - math32.Sqrt(exists*t[l.C+k])
			box += diff * diff
			addGrad(base+bo+k, l.LambdaCoord, diff, df*exists)
		}

		// object confidence
		diff := exists*p[bo] - exists*t[l.C]
		obj += diff * diff
		addGrad(base+bo, 1, diff, exists)

		// no-object confidence, for every box
		for b := 0; b < l.B; b++ {
			o := l.C + 5*b
			diff := absent*p[o] - absent*t[l.C]
			noobj += diff * diff
			addGrad(base+o, l.LambdaNoObj, diff, absent)
		}

		// class scores
		for c := 0; c < l.C; c++ {
			diff := exists*p[c] - exists*t[c]
			class += diff * diff
			addGrad(base+c, 1, diff, exists)
		}
	}

	parts := LossParts{
		Box:      l.LambdaCoord * box,
		Object:   obj,
		NoObject: l.LambdaNoObj * noobj,
		Class:    class,
	}
	parts.Total = parts.Box + parts.Object + parts.NoObject + parts.Class

	out := tensor.Scalar(parts.Total)
	if tp.Enabled() {
		out.EnsureGrad()
		tp.Record(func() {
			if pred.Grad == nil {
				return
			}
			g := out.Grad[0]
			for i, v := range grad {
				pred.Grad[i] += g * v
			}
		})
	}
	return out, parts
}
