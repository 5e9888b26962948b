package nn

import (
	"fmt"

	"github.com/cyclopcam/yolotrain/pkg/tensor"
)

// CellBoxesToBoxes decodes a batch of grid tensors [N, S, S, C+5B] into boxes.
// Every cell produces exactly one Prediction: the class with the highest class score,
// and the box (out of B) with the highest confidence. Box coordinates are converted from
// cell-relative to image-relative midpoint format, so that [0,1] spans the whole image.
// The result has N entries of S*S predictions each, in row-major cell order.
// Prediction.ImageIndex is set to the index of the image within the batch.
func CellBoxesToBoxes(grid *tensor.Tensor, numClasses, numBoxes int) [][]Prediction {
	if len(grid.Shape) != 4 || grid.Shape[1] != grid.Shape[2] || grid.Shape[3] != numClasses+5*numBoxes {
		panic(fmt.Sprintf("CellBoxesToBoxes: grid %v does not fit C=%v B=%v", grid.Shape, numClasses, numBoxes))
	}
	n, s, depth := grid.Shape[0], grid.Shape[1], grid.Shape[3]
	sf := float32(s)
	all := make([][]Prediction, n)
	for i := 0; i < n; i++ {
		boxes := make([]Prediction, 0, s*s)
		for row := 0; row < s; row++ {
			for col := 0; col < s; col++ {
				cell := grid.Data[((i*s+row)*s+col)*depth : ((i*s+row)*s+col+1)*depth]
				bestClass := 0
				for c := 1; c < numClasses; c++ {
					if cell[c] > cell[bestClass] {
						bestClass = c
					}
				}
				best := 0
				for b := 1; b < numBoxes; b++ {
					if cell[numClasses+5*b] > cell[numClasses+5*best] {
						best = b
					}
				}
				slot := cell[numClasses+5*best : numClasses+5*best+5]
				boxes = append(boxes, Prediction{
					ImageIndex: i,
					Class:      bestClass,
					Confidence: slot[0],
					Box: Box{
						X: (float32(col) + slot[1]) / sf,
						Y: (float32(row) + slot[2]) / sf,
						W: slot[3] / sf,
						H: slot[4] / sf,
					},
				})
			}
		}
		all[i] = boxes
	}
	return all
}
