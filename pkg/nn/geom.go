package nn

import (
	"github.com/chewxy/math32"
)

// Rect is an integer pixel rectangle
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Rect) Area() int {
	return r.Width * r.Height
}

func (r Rect) X2() int {
	return r.X + r.Width
}

func (r Rect) Y2() int {
	return r.Y + r.Height
}

func (r Rect) Intersection(b Rect) Rect {
	x1 := max(r.X, b.X)
	y1 := max(r.Y, b.Y)
	x2 := min(r.X+r.Width, b.X+b.Width)
	y2 := min(r.Y+r.Height, b.Y+b.Height)
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  max(0, x2-x1),
		Height: max(0, y2-y1),
	}
}

// Intersection over Union
func (r Rect) IOU(b Rect) float32 {
	intersection := r.Intersection(b)
	union := r.Area() + b.Area() - intersection.Area()
	if union <= 0 {
		return 0
	}
	return float32(intersection.Area()) / float32(union)
}

func (r *Rect) Offset(dx, dy int) {
	r.X += dx
	r.Y += dy
}

// BoxFormat says how the four numbers of a Box are interpreted
type BoxFormat int

const (
	BoxFormatMidpoint BoxFormat = iota // X, Y is the center of the box. W, H is the size.
	BoxFormatCorners                   // X, Y is the top-left corner. W, H is the bottom-right corner.
)

func (f BoxFormat) String() string {
	switch f {
	case BoxFormatMidpoint:
		return "midpoint"
	case BoxFormatCorners:
		return "corners"
	}
	return "unknown"
}

// ParseBoxFormat accepts "midpoint" or "corners"
func ParseBoxFormat(s string) (BoxFormat, bool) {
	switch s {
	case "midpoint":
		return BoxFormatMidpoint, true
	case "corners":
		return BoxFormatCorners, true
	}
	return BoxFormatMidpoint, false
}

// Box is a rectangle in normalized (or any continuous) coordinates.
// The meaning of the fields depends on the BoxFormat that the caller is using.
type Box struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	W float32 `json:"w"`
	H float32 `json:"h"`
}

// Corners returns (x1, y1, x2, y2)
func (b Box) Corners(format BoxFormat) (x1, y1, x2, y2 float32) {
	if format == BoxFormatCorners {
		return b.X, b.Y, b.W, b.H
	}
	return b.X - b.W/2, b.Y - b.H/2, b.X + b.W/2, b.Y + b.H/2
}

// ToRect converts a box in [0,1] coordinates, interpreted according to format, into a pixel rectangle
func (b Box) ToRect(format BoxFormat, width, height int) Rect {
	x1, y1, x2, y2 := b.Corners(format)
	r := Rect{
		X: int(math32.Round(x1 * float32(width))),
		Y: int(math32.Round(y1 * float32(height))),
	}
	r.Width = int(math32.Round(x2*float32(width))) - r.X
	r.Height = int(math32.Round(y2*float32(height))) - r.Y
	return r
}

// IntersectionOverUnion of two boxes in the given format.
// Degenerate boxes produce an IoU of zero instead of NaN.
func IntersectionOverUnion(a, b Box, format BoxFormat) float32 {
	ax1, ay1, ax2, ay2 := a.Corners(format)
	bx1, by1, bx2, by2 := b.Corners(format)
	x1 := max(ax1, bx1)
	y1 := max(ay1, by1)
	x2 := min(ax2, bx2)
	y2 := min(ay2, by2)
	intersection := max(0, x2-x1) * max(0, y2-y1)
	areaA := math32.Abs((ax2 - ax1) * (ay2 - ay1))
	areaB := math32.Abs((bx2 - bx1) * (by2 - by1))
	return intersection / (areaA + areaB - intersection + 1e-6)
}
