package yolo

import (
	"fmt"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/yolotrain/pkg/dataset"
	"github.com/cyclopcam/yolotrain/pkg/nn"
)

// Detector adapts a Model to the nn.ObjectDetector interface
type Detector struct {
	Model *Model
}

func NewDetector(model *Model) *Detector {
	return &Detector{Model: model}
}

func (d *Detector) Config() *nn.ModelConfig {
	return &d.Model.Config
}

// DetectObjects resizes the crop to the network input size, runs the model, decodes the grid,
// and applies non-max suppression. Background detections (class 0) are dropped.
func (d *Detector) DetectObjects(img nn.ImageCrop, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	if img.NChan != 3 {
		return nil, fmt.Errorf("Expected an RGB image, but image has %v channels", img.NChan)
	}
	if params == nil {
		params = nn.NewDetectionParams()
	}
	rgb := cimg.NewImage(img.CropWidth, img.CropHeight, cimg.PixelFormatRGB)
	for y := 0; y < img.CropHeight; y++ {
		start := (img.CropY+y)*img.Stride() + img.CropX*3
		copy(rgb.Pixels[y*rgb.Stride:y*rgb.Stride+img.CropWidth*3], img.Pixels[start:start+img.CropWidth*3])
	}
	config := &d.Model.Config
	x := dataset.ImageToTensor(rgb, config.Width, config.Height)
	x = x.View(1, 3, config.Height, config.Width)
	grid := d.Model.Forward(nil, x, false)
	boxes := nn.CellBoxesToBoxes(grid, config.NumClasses(), config.NumBoxes)[0]
	boxes = nn.NonMaxSuppression(boxes, params.NmsIouThreshold, params.ProbabilityThreshold, nn.BoxFormatMidpoint)

	objects := []nn.ObjectDetection{}
	for _, b := range boxes {
		if b.Class == 0 {
			continue
		}
		objects = append(objects, nn.ObjectDetection{
			Class:      b.Class,
			Confidence: b.Confidence,
			Box:        b.Box.ToRect(nn.BoxFormatMidpoint, img.CropWidth, img.CropHeight),
		})
	}
	return objects, nil
}
