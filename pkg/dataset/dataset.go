package dataset

import (
	"fmt"
	"path/filepath"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/yolotrain/pkg/tensor"
)

// Options controls where images are found and how they are encoded
type Options struct {
	ImageDir    string // Directory that image names are relative to
	ImageSuffix string // Appended to the annotation name, eg "_image.jpg"
	Width       int    // Network input width
	Height      int    // Network input height
	Grid        GridSpec
}

// Source is anything that can produce (image, target) pairs
type Source interface {
	Len() int
	Item(index int) (image, target *tensor.Tensor, err error)
}

// Dataset turns annotated JPEG images into (image, target) tensor pairs
type Dataset struct {
	Annotations []Annotation
	Options     Options
}

func NewDataset(annotations []Annotation, options Options) *Dataset {
	return &Dataset{
		Annotations: annotations,
		Options:     options,
	}
}

// Open loads the annotation CSV files
func Open(labelFile, bboxFile string, options Options) (*Dataset, error) {
	anns, err := LoadAnnotations(labelFile, bboxFile)
	if err != nil {
		return nil, err
	}
	return NewDataset(anns, options), nil
}

func (d *Dataset) Len() int {
	return len(d.Annotations)
}

func (d *Dataset) ImagePath(index int) string {
	return filepath.Join(d.Options.ImageDir, d.Annotations[index].Name+d.Options.ImageSuffix)
}

// Item returns the image as a [3, Height, Width] tensor with values in [0,1],
// and the target as an [S, S, C+5B] tensor.
func (d *Dataset) Item(index int) (image, target *tensor.Tensor, err error) {
	ann := d.Annotations[index]
	img, err := cimg.ReadFile(d.ImagePath(index))
	if err != nil {
		return nil, nil, fmt.Errorf("Failed to read image %v: %w", d.ImagePath(index), err)
	}
	target, err = EncodeTarget(ann, img.Width, img.Height, d.Options.Grid)
	if err != nil {
		return nil, nil, err
	}
	return ImageToTensor(img, d.Options.Width, d.Options.Height), target, nil
}

// ImageToTensor resizes img to width x height (if necessary), and converts it into a
// planar [3, height, width] tensor with values in [0,1].
// Single channel images are replicated into all three planes. For images with three or
// more channels, the first three are used as R, G, B.
func ImageToTensor(img *cimg.Image, width, height int) *tensor.Tensor {
	if img.Width != width || img.Height != height {
		img = cimg.ResizeNew(img, width, height, nil)
	}
	nchan := img.NChan()
	out := tensor.New(3, height, width)
	plane := width * height
	for y := 0; y < height; y++ {
		src := img.Pixels[y*img.Stride:]
		for x := 0; x < width; x++ {
			for c := 0; c < 3; c++ {
				srcChan := c
				if nchan < 3 {
					srcChan = 0
				}
				out.Data[c*plane+y*width+x] = float32(src[x*nchan+srcChan]) / 255
			}
		}
	}
	return out
}
