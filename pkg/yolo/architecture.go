package yolo

import (
	"fmt"
	"sort"
)

type LayerKind string

const (
	LayerConv    LayerKind = "conv"    // Convolution, followed by batch norm and leaky ReLU
	LayerMaxPool LayerKind = "maxpool" // 2x2 max pool with stride 2
)

// LayerSpec is one layer of the convolutional backbone
type LayerSpec struct {
	Kind    LayerKind `json:"kind"`
	Kernel  int       `json:"kernel"`
	Filters int       `json:"filters,omitempty"`
	Stride  int       `json:"stride"`
	Pad     int       `json:"pad,omitempty"`
}

// Architecture is a convolutional backbone followed by two fully connected layers
type Architecture struct {
	Name     string      `json:"name"`
	Backbone []LayerSpec `json:"backbone"`
	Hidden   int         `json:"hidden"`  // Width of the first fully connected layer
	Dropout  float32     `json:"dropout"` // Dropout probability after the first fully connected layer
}

func conv(kernel, filters, stride, pad int) LayerSpec {
	return LayerSpec{Kind: LayerConv, Kernel: kernel, Filters: filters, Stride: stride, Pad: pad}
}

func maxpool() LayerSpec {
	return LayerSpec{Kind: LayerMaxPool, Kernel: 2, Stride: 2}
}

func repeat(n int, block ...LayerSpec) []LayerSpec {
	out := []LayerSpec{}
	for i := 0; i < n; i++ {
		out = append(out, block...)
	}
	return out
}

func concat(parts ...[]LayerSpec) []LayerSpec {
	out := []LayerSpec{}
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// The network from the YOLOv1 paper (24 conv layers), with a narrow fully connected layer.
// At 448x448 input, the backbone output is 1024 x 7 x 7.
func yolov1Architecture() Architecture {
	return Architecture{
		Name: "yolov1",
		Backbone: concat(
			[]LayerSpec{conv(7, 64, 2, 3), maxpool()},
			[]LayerSpec{conv(3, 192, 1, 1), maxpool()},
			[]LayerSpec{conv(1, 128, 1, 0), conv(3, 256, 1, 1), conv(1, 256, 1, 0), conv(3, 512, 1, 1), maxpool()},
			repeat(4, conv(1, 256, 1, 0), conv(3, 512, 1, 1)),
			[]LayerSpec{conv(1, 512, 1, 0), conv(3, 1024, 1, 1), maxpool()},
			repeat(2, conv(1, 512, 1, 0), conv(3, 1024, 1, 1)),
			[]LayerSpec{conv(3, 1024, 1, 1), conv(3, 1024, 2, 1), conv(3, 1024, 1, 1), conv(3, 1024, 1, 1)},
		),
		Hidden:  496,
		Dropout: 0,
	}
}

// A small network that is practical to train on a CPU
func tinyArchitecture() Architecture {
	return Architecture{
		Name: "tiny",
		Backbone: []LayerSpec{
			conv(3, 16, 1, 1), maxpool(),
			conv(3, 32, 1, 1), maxpool(),
			conv(3, 64, 1, 1), maxpool(),
			conv(1, 32, 1, 0), conv(3, 64, 1, 1), maxpool(),
		},
		Hidden:  128,
		Dropout: 0,
	}
}

var architectures = map[string]func() Architecture{
	"yolov1": yolov1Architecture,
	"tiny":   tinyArchitecture,
}

// ArchitectureNames returns the names accepted by LookupArchitecture
func ArchitectureNames() []string {
	names := []string{}
	for name := range architectures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func LookupArchitecture(name string) (Architecture, error) {
	f, ok := architectures[name]
	if !ok {
		return Architecture{}, fmt.Errorf("Unknown architecture '%v'. Valid values are %v", name, ArchitectureNames())
	}
	return f(), nil
}
