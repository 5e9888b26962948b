package nn

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"
)

var boxColors = []color.RGBA{
	{230, 25, 75, 255},
	{60, 180, 75, 255},
	{255, 225, 25, 255},
	{0, 130, 200, 255},
	{245, 130, 48, 255},
	{145, 30, 180, 255},
}

// CropToImage copies an ImageCrop into a Go image
func CropToImage(img ImageCrop) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, img.CropWidth, img.CropHeight))
	for y := 0; y < img.CropHeight; y++ {
		for x := 0; x < img.CropWidth; x++ {
			px := img.Pixel(x, y)
			c := color.RGBA{A: 255}
			if len(px) >= 3 {
				c.R, c.G, c.B = px[0], px[1], px[2]
			} else {
				c.R, c.G, c.B = px[0], px[0], px[0]
			}
			out.SetRGBA(x, y, c)
		}
	}
	return out
}

// DrawDetections draws the outline and class name of each object onto a copy of img
func DrawDetections(img image.Image, objects []ObjectDetection, classes []string) image.Image {
	dc := gg.NewContextForImage(img)
	dc.SetLineWidth(2)
	for _, obj := range objects {
		c := boxColors[obj.Class%len(boxColors)]
		dc.SetColor(c)
		dc.DrawRectangle(float64(obj.Box.X), float64(obj.Box.Y), float64(obj.Box.Width), float64(obj.Box.Height))
		dc.Stroke()
		name := fmt.Sprintf("%v", obj.Class)
		if obj.Class >= 0 && obj.Class < len(classes) {
			name = classes[obj.Class]
		}
		dc.DrawString(fmt.Sprintf("%v %.2f", name, obj.Confidence), float64(obj.Box.X)+2, float64(obj.Box.Y)+12)
	}
	return dc.Image()
}

// SaveDetectionsPNG draws the objects onto img and writes the result to a PNG file
func SaveDetectionsPNG(filename string, img image.Image, objects []ObjectDetection, classes []string) error {
	return gg.SavePNG(filename, DrawDetections(img, objects, classes))
}
