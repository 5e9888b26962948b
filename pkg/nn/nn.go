// Package nn holds the detection side of a YOLO-style grid detector:
// box geometry, decoding of grid tensors into boxes, non-max suppression,
// mean average precision, and tiled inference over large images.
package nn

import "fmt"

const DefaultProbabilityThreshold = 0.4
const DefaultNmsIouThreshold = 0.5

// NN object detection parameters
type DetectionParams struct {
	ProbabilityThreshold float32 // Value between 0 and 1. Boxes with confidence at or below this are discarded.
	NmsIouThreshold      float32 // Value between 0 and 1. Lower values will merge more objects together into one.
}

// Create a default DetectionParams object
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ProbabilityThreshold: DefaultProbabilityThreshold,
		NmsIouThreshold:      DefaultNmsIouThreshold,
	}
}

// ImageCrop is a crop of an 8-bit image.
// To create an ImageCrop, start with WholeImage(), and then use Crop() to get a sub-crop.
type ImageCrop struct {
	NChan       int    // Number of channels (eg 3 for RGB)
	Pixels      []byte // The whole image
	ImageWidth  int    // The width of the original image, held in Pixels
	ImageHeight int    // The height of the original image, held in Pixels
	CropX       int    // Origin of crop X
	CropY       int    // Origin of crop Y
	CropWidth   int    // The width of this crop
	CropHeight  int    // The height of this crop
}

func (c ImageCrop) Stride() int {
	return c.ImageWidth * c.NChan
}

// Return the pixel at (x, y), relative to the crop
func (c ImageCrop) Pixel(x, y int) []byte {
	offset := (c.CropY+y)*c.Stride() + (c.CropX+x)*c.NChan
	return c.Pixels[offset : offset+c.NChan]
}

// Return a crop of the crop (new crop is relative to existing).
// If any parameter is out of bounds, we panic
func (c ImageCrop) Crop(x1, y1, x2, y2 int) ImageCrop {
	nc := ImageCrop{
		NChan:       c.NChan,
		Pixels:      c.Pixels,
		ImageWidth:  c.ImageWidth,
		ImageHeight: c.ImageHeight,
		CropX:       c.CropX + x1,
		CropY:       c.CropY + y1,
		CropWidth:   x2 - x1,
		CropHeight:  y2 - y1,
	}
	if nc.CropX < 0 || nc.CropY < 0 || nc.CropWidth < 0 || nc.CropHeight < 0 || nc.CropX+nc.CropWidth > c.ImageWidth || nc.CropY+nc.CropHeight > c.ImageHeight {
		panic("Crop out of bounds")
	}
	return nc
}

// Return a 'crop' of the entire image
func WholeImage(nchan int, pixels []byte, width, height int) ImageCrop {
	return ImageCrop{
		NChan:       nchan,
		Pixels:      pixels,
		ImageWidth:  width,
		ImageHeight: height,
		CropX:       0,
		CropY:       0,
		CropWidth:   width,
		CropHeight:  height,
	}
}

// ObjectDetector is given an image, and returns zero or more detected objects
type ObjectDetector interface {
	// DetectObjects returns a list of objects detected in the image.
	// Box coordinates are in pixels, relative to the crop.
	DetectObjects(img ImageCrop, params *DetectionParams) ([]ObjectDetection, error)

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the detector has been created.
	Config() *ModelConfig
}

// ModelConfig is saved as JSON in the checkpoint, along with the weights of the NN model
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "yolov1"
	Width        int      `json:"width"`        // eg 448
	Height       int      `json:"height"`       // eg 448
	Classes      []string `json:"classes"`      // eg ["background", "car", "person"]. Class 0 is the background class.
	GridSize     int      `json:"gridSize"`     // S, eg 7
	NumBoxes     int      `json:"numBoxes"`     // B, eg 2
}

// NumClasses is C
func (c *ModelConfig) NumClasses() int {
	return len(c.Classes)
}

// CellDepth is the number of channels per grid cell, C + 5B
func (c *ModelConfig) CellDepth() int {
	return c.NumClasses() + 5*c.NumBoxes
}

func (c *ModelConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("Invalid model input size %v x %v", c.Width, c.Height)
	}
	if c.GridSize <= 0 || c.NumBoxes <= 0 {
		return fmt.Errorf("Invalid grid: S=%v B=%v", c.GridSize, c.NumBoxes)
	}
	if c.NumClasses() < 2 {
		return fmt.Errorf("Need at least two classes (background plus one object class), but got %v", c.NumClasses())
	}
	return nil
}
