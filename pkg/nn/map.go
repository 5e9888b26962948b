package nn

import (
	"sort"
)

// AveragePrecisions returns the average precision of every class that has at least one ground truth box.
//
// Predictions are matched to ground truth boxes of the same class in the same image (Prediction.ImageIndex).
// Walking the predictions from most to least confident, a prediction is a true positive if its best
// matching ground truth has IoU greater than iouThreshold, and that ground truth has not already been
// claimed. Otherwise it is a false positive. The precision/recall curve starts at (recall 0, precision 1),
// and its area is computed with the trapezoidal rule.
func AveragePrecisions(predictions, truths []Prediction, iouThreshold float32, format BoxFormat, numClasses int) map[int]float32 {
	const epsilon = 1e-6
	result := map[int]float32{}

	for c := 0; c < numClasses; c++ {
		detections := []Prediction{}
		for _, p := range predictions {
			if p.Class == c {
				detections = append(detections, p)
			}
		}
		// ground truth boxes of this class, grouped by image
		groundTruths := map[int][]Prediction{}
		totalTruths := 0
		for _, t := range truths {
			if t.Class == c {
				groundTruths[t.ImageIndex] = append(groundTruths[t.ImageIndex], t)
				totalTruths++
			}
		}
		if totalTruths == 0 {
			continue
		}

		used := map[int][]bool{}
		for img, boxes := range groundTruths {
			used[img] = make([]bool, len(boxes))
		}

		sort.SliceStable(detections, func(i, j int) bool {
			return detections[i].Confidence > detections[j].Confidence
		})

		recalls := make([]float32, 0, len(detections)+1)
		precisions := make([]float32, 0, len(detections)+1)
		recalls = append(recalls, 0)
		precisions = append(precisions, 1)
		tp, fp := float32(0), float32(0)

		for _, d := range detections {
			bestIoU := float32(0)
			bestIdx := -1
			for i, gt := range groundTruths[d.ImageIndex] {
				iou := IntersectionOverUnion(d.Box, gt.Box, format)
				if iou > bestIoU {
					bestIoU = iou
					bestIdx = i
				}
			}
			if bestIdx != -1 && bestIoU > iouThreshold && !used[d.ImageIndex][bestIdx] {
				used[d.ImageIndex][bestIdx] = true
				tp++
			} else {
				fp++
			}
			recalls = append(recalls, tp/(float32(totalTruths)+epsilon))
			precisions = append(precisions, tp/(tp+fp+epsilon))
		}

		area := float32(0)
		for i := 1; i < len(recalls); i++ {
			area += (recalls[i] - recalls[i-1]) * (precisions[i] + precisions[i-1]) / 2
		}
		result[c] = area
	}
	return result
}

// MeanAveragePrecision is the mean of AveragePrecisions over all classes that have ground truth.
// If no class has ground truth, the result is zero.
func MeanAveragePrecision(predictions, truths []Prediction, iouThreshold float32, format BoxFormat, numClasses int) float32 {
	aps := AveragePrecisions(predictions, truths, iouThreshold, format, numClasses)
	if len(aps) == 0 {
		return 0
	}
	sum := float32(0)
	for _, ap := range aps {
		sum += ap
	}
	return sum / float32(len(aps))
}
