package nn

// ObjectDetection is an object that a neural network has found in an image
type ObjectDetection struct {
	Class      int     `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        Rect    `json:"box"`
}

// ImageLabels is the output of running the detector on a single image file
type ImageLabels struct {
	Image   string            `json:"image"`
	Width   int               `json:"width"`
	Height  int               `json:"height"`
	Classes []string          `json:"classes"`
	Objects []ObjectDetection `json:"objects"`
}

// Prediction is a box decoded from a grid tensor.
// ImageIndex identifies the image that the box belongs to, which matters when
// predictions from many images are pooled together for mean average precision.
type Prediction struct {
	ImageIndex int     `json:"imageIndex"`
	Class      int     `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        Box     `json:"box"`
}
