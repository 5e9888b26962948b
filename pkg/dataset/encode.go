package dataset

import (
	"fmt"

	"github.com/cyclopcam/yolotrain/pkg/tensor"
)

// GridSpec describes the shape of the target tensor
type GridSpec struct {
	S int // Grid size. The image is split into S x S cells.
	B int // Number of boxes predicted per cell
	C int // Number of classes, including the background class 0
}

// Depth is the number of channels per cell, C + 5B
func (g GridSpec) Depth() int {
	return g.C + 5*g.B
}

// EncodeTarget produces the S x S x (C+5B) target tensor for one image.
//
// Channel layout of a cell: [0, C) are the one-hot class scores, and box b occupies
// [C+5b, C+5b+5) as (confidence, x, y, w, h). Every cell starts as background: class 0 is 1.
//
// If the image contains an object, the cell that holds the center of its box gets
// class 0 cleared, the object class set, and every box slot set to confidence 1 with
// coordinates relative to the cell: x and y are the offset of the center within the
// cell (0..1), and w and h are measured in cells.
// The cell size is derived from the original image size, not the network input size.
func EncodeTarget(ann Annotation, imageWidth, imageHeight int, grid GridSpec) (*tensor.Tensor, error) {
	if ann.Label < 0 || ann.Label >= grid.C {
		return nil, fmt.Errorf("Label %v of %v is outside of the %v classes", ann.Label, ann.Name, grid.C)
	}
	depth := grid.Depth()
	target := tensor.New(grid.S, grid.S, depth)
	for i := 0; i < grid.S*grid.S; i++ {
		target.Data[i*depth] = 1
	}
	if ann.Label == 0 {
		return target, nil
	}
	if ann.Box == nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingBox, ann.Name)
	}
	if imageWidth <= 0 || imageHeight <= 0 {
		return nil, fmt.Errorf("Invalid image size %v x %v for %v", imageWidth, imageHeight, ann.Name)
	}

	cellWidth := float32(imageWidth) / float32(grid.S)
	cellHeight := float32(imageHeight) / float32(grid.S)
	col := clampCell(int(ann.Box.X/cellWidth), grid.S)
	row := clampCell(int(ann.Box.Y/cellHeight), grid.S)

	cell := target.Data[(row*grid.S+col)*depth : (row*grid.S+col+1)*depth]
	cell[0] = 0
	cell[ann.Label] = 1
	x := (ann.Box.X - float32(col)*cellWidth) / cellWidth
	y := (ann.Box.Y - float32(row)*cellHeight) / cellHeight
	w := ann.Box.W / cellWidth
	h := ann.Box.H / cellHeight
	for b := 0; b < grid.B; b++ {
		copy(cell[grid.C+5*b:], []float32{1, x, y, w, h})
	}
	return target, nil
}

// A center that lies exactly on the right or bottom edge belongs to the last cell
func clampCell(i, s int) int {
	return max(0, min(s-1, i))
}
