package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// BBox is a bounding box in pixels of the original image.
// X and Y are the center of the box.
type BBox struct {
	X float32
	Y float32
	W float32
	H float32
}

// Annotation is everything we know about a single training image
type Annotation struct {
	Name  string // eg "0cec3d1f-544c-4146-8632-84b1f9fe89d3/0005", which becomes 0cec3d1f-544c-4146-8632-84b1f9fe89d3/0005_image.jpg
	Label int    // 0 means background (no object in the image)
	Box   *BBox  // nil if the annotation has no bounding box
}

var ErrMissingBox = errors.New("Annotation has a label but no bounding box")

// LoadAnnotations reads the label CSV and the bounding box CSV.
func LoadAnnotations(labelFile, bboxFile string) ([]Annotation, error) {
	lf, err := os.Open(labelFile)
	if err != nil {
		return nil, err
	}
	defer lf.Close()
	bf, err := os.Open(bboxFile)
	if err != nil {
		return nil, err
	}
	defer bf.Close()
	anns, err := ParseAnnotations(lf, bf)
	if err != nil {
		return nil, fmt.Errorf("Failed to parse annotations %v, %v: %w", labelFile, bboxFile, err)
	}
	return anns, nil
}

// ParseAnnotations parses the two annotation CSV files.
//
// The label CSV has a header row, and then rows of (image name, label).
// The bbox CSV has a header row, and then rows of (image name, x, y, w, h).
// An image may have many bbox rows, but only the first one is used.
// Every image with a non-zero label must have a bounding box.
func ParseAnnotations(labels, bboxes io.Reader) ([]Annotation, error) {
	boxRows, err := readRows(bboxes, 5)
	if err != nil {
		return nil, fmt.Errorf("bbox file: %w", err)
	}
	boxByName := map[string]*BBox{}
	for i, row := range boxRows {
		name := strings.TrimSpace(row[0])
		if _, exists := boxByName[name]; exists {
			continue
		}
		var v [4]float32
		for j := range v {
			f, err := strconv.ParseFloat(strings.TrimSpace(row[j+1]), 32)
			if err != nil {
				return nil, fmt.Errorf("bbox file line %v: %w", i+2, err)
			}
			v[j] = float32(f)
		}
		boxByName[name] = &BBox{X: v[0], Y: v[1], W: v[2], H: v[3]}
	}

	labelRows, err := readRows(labels, 2)
	if err != nil {
		return nil, fmt.Errorf("label file: %w", err)
	}
	anns := make([]Annotation, 0, len(labelRows))
	for i, row := range labelRows {
		name := strings.TrimSpace(row[0])
		label, err := strconv.Atoi(strings.TrimSpace(row[1]))
		if err != nil {
			return nil, fmt.Errorf("label file line %v: %w", i+2, err)
		}
		ann := Annotation{
			Name:  name,
			Label: label,
			Box:   boxByName[name],
		}
		if ann.Label != 0 && ann.Box == nil {
			return nil, fmt.Errorf("%w: %v", ErrMissingBox, name)
		}
		anns = append(anns, ann)
	}
	return anns, nil
}

// readRows returns all rows after the header, requiring at least minColumns per row
func readRows(r io.Reader, minColumns int) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New("Missing header row")
	}
	rows = rows[1:]
	for i, row := range rows {
		if len(row) < minColumns {
			return nil, fmt.Errorf("line %v has %v columns, but expected at least %v", i+2, len(row), minColumns)
		}
	}
	return rows, nil
}
