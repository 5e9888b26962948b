package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/akamensky/argparse"
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/yolotrain/pkg/checkpoint"
	"github.com/cyclopcam/yolotrain/pkg/nn"
	"github.com/cyclopcam/yolotrain/pkg/storage"
	"github.com/cyclopcam/yolotrain/pkg/yolo"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

// Return the image as packed RGB
func toRGB(img *cimg.Image) []byte {
	nchan := img.NChan()
	rgb := make([]byte, img.Width*img.Height*3)
	for y := 0; y < img.Height; y++ {
		src := img.Pixels[y*img.Stride:]
		dst := rgb[y*img.Width*3:]
		for x := 0; x < img.Width; x++ {
			for c := 0; c < 3; c++ {
				if nchan < 3 {
					dst[x*3+c] = src[x*nchan]
				} else {
					dst[x*3+c] = src[x*nchan+c]
				}
			}
		}
	}
	return rgb
}

func main() {
	parser := argparse.NewParser("predict", "Detect objects in an image")
	input := parser.String("i", "input", &argparse.Options{Help: "Input image file", Required: true})
	output := parser.File("o", "output", os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0664, &argparse.Options{Help: "Output label file", Required: true})
	modelFile := parser.String("n", "model", &argparse.Options{Help: "Path to checkpoint file", Required: true})
	pngFile := parser.String("", "png", &argparse.Options{Help: "Write an annotated PNG image", Default: ""})
	prob := parser.Float("p", "prob", &argparse.Options{Help: "Probability threshold", Default: float64(nn.DefaultProbabilityThreshold)})
	nms := parser.Float("", "nms", &argparse.Options{Help: "NMS IoU threshold", Default: float64(nn.DefaultNmsIouThreshold)})
	threads := parser.Int("t", "threads", &argparse.Options{Help: "Number of tiles to process concurrently", Default: runtime.NumCPU()})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)

	store, err := storage.NewStorageFS(logger, filepath.Dir(*modelFile))
	check(err)
	ckpt, err := checkpoint.Load(store, filepath.Base(*modelFile))
	check(err)
	model, err := yolo.NewModel(ckpt.Model, 0)
	check(err)
	check(ckpt.Restore(model, nil))
	logger.Infof("Loaded %v model from epoch %v (mAP %.4f)", ckpt.Model.Architecture, ckpt.Epoch, ckpt.MAP)

	img, err := cimg.ReadFile(*input)
	check(err)
	crop := nn.WholeImage(3, toRGB(img), img.Width, img.Height)

	params := &nn.DetectionParams{
		ProbabilityThreshold: float32(*prob),
		NmsIouThreshold:      float32(*nms),
	}
	objects, err := nn.TiledInference(yolo.NewDetector(model), crop, params, *threads)
	check(err)
	logger.Infof("Found %v objects", len(objects))

	labels := nn.ImageLabels{
		Image:   *input,
		Width:   img.Width,
		Height:  img.Height,
		Classes: ckpt.Model.Classes,
		Objects: objects,
	}
	encoder := json.NewEncoder(output)
	encoder.SetIndent("", "  ")
	check(encoder.Encode(labels))

	if *pngFile != "" {
		check(nn.SaveDetectionsPNG(*pngFile, nn.CropToImage(crop), objects, ckpt.Model.Classes))
	}
}
