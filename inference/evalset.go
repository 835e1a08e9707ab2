// Package inference runs a trained classifier over an evaluation set and
// writes the submission file.
package inference

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tsawler/go-maskclf/errdefs"
	"github.com/tsawler/go-maskclf/vision/dataset"
)

// ImageRef names one evaluation image.
type ImageRef struct {
	ID   string
	Path string
}

// LoadEvalInfo reads the competition info.csv and resolves every ImageID
// against imageDir. Row order is kept.
func LoadEvalInfo(infoCSV, imageDir string) ([]ImageRef, error) {
	file, err := os.Open(infoCSV)
	if err != nil {
		return nil, errdefs.DataLoad("inference.LoadEvalInfo", err, "open %s", infoCSV)
	}
	defer file.Close()
	return ReadEvalInfo(file, imageDir)
}

// ReadEvalInfo parses info rows from r.
func ReadEvalInfo(r io.Reader, imageDir string) ([]ImageRef, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, errdefs.DataLoad("inference.ReadEvalInfo", err, "read header")
	}
	col := -1
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if strings.EqualFold(name, "ImageID") || strings.EqualFold(name, "image_id") {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, errdefs.DataLoad("inference.ReadEvalInfo", nil, "header %v lacks an ImageID column", header)
	}

	var refs []ImageRef
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, errdefs.DataLoad("inference.ReadEvalInfo", err, "line %d", line)
		}
		if col >= len(row) || strings.TrimSpace(row[col]) == "" {
			return nil, errdefs.DataLoad("inference.ReadEvalInfo", nil, "line %d: empty ImageID", line)
		}
		id := strings.TrimSpace(row[col])
		refs = append(refs, ImageRef{ID: id, Path: filepath.Join(imageDir, id)})
	}
	return refs, nil
}

// ListImages returns the image files directly inside dir, sorted by name.
// Hidden files are skipped.
func ListImages(dir string) ([]ImageRef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errdefs.DataLoad("inference.ListImages", err, "list %s", dir)
	}
	allowed := make(map[string]bool, len(dataset.DefaultExtensions))
	for _, ext := range dataset.DefaultExtensions {
		allowed[ext] = true
	}

	var refs []ImageRef
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !allowed[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		refs = append(refs, ImageRef{ID: name, Path: filepath.Join(dir, name)})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}
