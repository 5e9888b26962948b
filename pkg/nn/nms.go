package nn

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
)

// NonMaxSuppression discards boxes with confidence at or below probThreshold, and then walks
// the remaining boxes from most to least confident. Each box that survives suppresses all
// later boxes of the same class whose IoU with it is at least iouThreshold.
// The returned boxes are sorted by descending confidence.
func NonMaxSuppression(boxes []Prediction, iouThreshold, probThreshold float32, format BoxFormat) []Prediction {
	candidates := make([]Prediction, 0, len(boxes))
	for _, b := range boxes {
		if b.Confidence > probThreshold {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})

	// Create spatial index to avoid O(N^2) comparisons.
	// Boxes that don't touch have an IoU of zero, so they can only suppress each other
	// if the threshold is zero, in which case we fall back to a full scan.
	var fb *flatbush.Flatbush[float32]
	if iouThreshold > 0 {
		fb = flatbush.NewFlatbush[float32]()
		fb.Reserve(len(candidates))
		for _, c := range candidates {
			fb.Add(bounds(c.Box, format))
		}
		fb.Finish()
	}

	suppressed := make([]bool, len(candidates))
	kept := []Prediction{}
	for i, chosen := range candidates {
		if suppressed[i] {
			continue
		}
		kept = append(kept, chosen)
		var neighbours []int
		if fb != nil {
			neighbours = fb.Search(bounds(chosen.Box, format))
		} else {
			neighbours = make([]int, len(candidates))
			for j := range neighbours {
				neighbours[j] = j
			}
		}
		for _, j := range neighbours {
			if j <= i || suppressed[j] || candidates[j].Class != chosen.Class {
				continue
			}
			if IntersectionOverUnion(chosen.Box, candidates[j].Box, format) >= iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

// Corners with min <= max, because raw network output can have negative width or height
func bounds(b Box, format BoxFormat) (minX, minY, maxX, maxY float32) {
	x1, y1, x2, y2 := b.Corners(format)
	return min(x1, x2), min(y1, y2), max(x1, x2), max(y1, y2)
}
