package nn

import (
	"sync"

	"github.com/bmharper/tiledinference"
)

// Run tiled inference on the image.
// We look at the width and height of the model, and if the image is larger, then we split the image
// up into tiles, and run each of those tiles through the model. Then, we merge the tiles back
// into a single dataset.
// If the model is larger than the image, then we just run the model directly, so it is safe
// to call TiledInference on any image.
func TiledInference(model ObjectDetector, img ImageCrop, params *DetectionParams, nThreads int) ([]ObjectDetection, error) {
	config := model.Config()

	// Somewhat arbitrary. Objects that straddle a tile boundary by less than this are cut in two.
	// tiledinference requires the padding to be less than half of the model size.
	minPadding := max(0, min(32, min(config.Width, config.Height)/2-1))

	var lock sync.Mutex
	allObjects := []ObjectDetection{}
	allBoxes := []tiledinference.Box{}

	// Our final results are relative to the crop, not of the original 'img'.
	tiling := tiledinference.MakeTiling(img.CropWidth, img.CropHeight, config.Width, config.Height, minPadding)

	tileQueue := make(chan tile, tiling.NumX*tiling.NumY)
	allTiles(tiling, tileQueue)
	close(tileQueue)

	nThreads = max(1, nThreads)
	detectionResults := make(chan error, nThreads)
	detectionThread := func() {
		for tile := range tileQueue {
			objects, boxes, err := detectTile(model, params, tiling, tile.x, tile.y, img)
			if err != nil {
				detectionResults <- err
				return
			}
			lock.Lock()
			allObjects = append(allObjects, objects...)
			allBoxes = append(allBoxes, boxes...)
			lock.Unlock()
		}
		detectionResults <- nil
	}

	for i := 0; i < nThreads; i++ {
		go detectionThread()
	}
	var firstError error
	for i := 0; i < nThreads; i++ {
		err := <-detectionResults
		if err != nil && firstError == nil {
			firstError = err
		}
	}
	if firstError != nil {
		return nil, firstError
	}

	finalClip := Rect{
		X:      0,
		Y:      0,
		Width:  img.CropWidth,
		Height: img.CropHeight,
	}

	merged := []ObjectDetection{}
	if tiling.IsSingle() {
		merged = allObjects
		for i := range merged {
			merged[i].Box = merged[i].Box.Intersection(finalClip)
		}
	} else {
		groups, mergedBoxes := tiledinference.MergeBoxes(tiling, allBoxes, nil)
		for igroup, group := range groups {
			// Start with the first object in the group
			newObj := allObjects[group[0]]
			r := mergedBoxes[igroup]

			// Use the merged box, which can be larger than the first object in the group
			newObj.Box = Rect{X: int(r.Rect.X1), Y: int(r.Rect.Y1), Width: int(r.Rect.Width()), Height: int(r.Rect.Height())}
			newObj.Box = newObj.Box.Intersection(finalClip)

			// Use max(confidence) from all objects in the group
			for _, el := range group[1:] {
				newObj.Confidence = max(newObj.Confidence, allObjects[el].Confidence)
			}

			merged = append(merged, newObj)
		}
	}

	return merged, nil
}

// Returns two parallel arrays
func detectTile(model ObjectDetector, params *DetectionParams, tiling tiledinference.Tiling, tx, ty int, img ImageCrop) ([]ObjectDetection, []tiledinference.Box, error) {
	tileRect := tiling.TileRect(tx, ty)
	crop := img.Crop(int(tileRect.X1), int(tileRect.Y1), int(tileRect.X2), int(tileRect.Y2))
	objects, err := model.DetectObjects(crop, params)
	if err != nil {
		return nil, nil, err
	}
	boxes := []tiledinference.Box{}
	for i, obj := range objects {
		box := tiledinference.Box{
			Rect: tiledinference.Rect{
				X1: int32(obj.Box.X),
				Y1: int32(obj.Box.Y),
				X2: int32(obj.Box.X2()),
				Y2: int32(obj.Box.Y2()),
			},
			Class: int32(obj.Class),
			Tile:  tiling.MakeTileIndex(tx, ty),
		}
		box.Rect.Offset(int32(tileRect.X1), int32(tileRect.Y1))
		objects[i].Box.Offset(int(tileRect.X1), int(tileRect.Y1))
		boxes = append(boxes, box)
	}
	return objects, boxes, nil
}

type tile struct {
	x int
	y int
}

func allTiles(tiling tiledinference.Tiling, ch chan tile) {
	for ty := 0; ty < tiling.NumY; ty++ {
		for tx := 0; tx < tiling.NumX; tx++ {
			ch <- tile{x: tx, y: ty}
		}
	}
}
