package dataset

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/go-maskclf/errdefs"
)

var manifestColumns = map[string][]string{
	"path":   {"path", "image_path", "image", "file"},
	"mask":   {"mask", "mask_label"},
	"gender": {"gender", "gender_label"},
	"age":    {"age", "age_label"},
	"id":     {"id", "person_id"},
}

// LoadManifest reads a CSV manifest with a header row naming the image path
// and the three label columns. Relative image paths are resolved against
// the manifest's directory.
func LoadManifest(path string) ([]SampleRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errdefs.DataLoad("dataset.LoadManifest", err, "open %s", path)
	}
	defer file.Close()

	return ReadManifest(file, filepath.Dir(path))
}

// ReadManifest parses manifest rows from r, resolving relative paths
// against baseDir.
func ReadManifest(r io.Reader, baseDir string) ([]SampleRecord, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, errdefs.DataLoad("dataset.ReadManifest", err, "read header")
	}
	index, err := columnIndex(header)
	if err != nil {
		return nil, err
	}

	var records []SampleRecord
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, errdefs.DataLoad("dataset.ReadManifest", err, "line %d", line)
		}
		rec, err := parseRow(row, index, baseDir)
		if err != nil {
			return nil, errdefs.DataLoad("dataset.ReadManifest", err, "line %d", line)
		}
		records = append(records, rec)
	}

	if len(records) == 0 {
		return nil, errdefs.DataLoad("dataset.ReadManifest", nil, "manifest has no rows")
	}
	return records, nil
}

func columnIndex(header []string) (map[string]int, error) {
	index := make(map[string]int)
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		for key, aliases := range manifestColumns {
			for _, alias := range aliases {
				if name == alias {
					if _, seen := index[key]; !seen {
						index[key] = i
					}
				}
			}
		}
	}
	for _, required := range []string{"path", "mask", "gender", "age"} {
		if _, ok := index[required]; !ok {
			return nil, errdefs.DataLoad("dataset.ReadManifest", nil, "header %v lacks a %q column", header, required)
		}
	}
	return index, nil
}

func parseRow(row []string, index map[string]int, baseDir string) (SampleRecord, error) {
	field := func(key string) (string, error) {
		i, ok := index[key]
		if !ok {
			return "", nil
		}
		if i >= len(row) {
			return "", errors.Errorf("missing %s column", key)
		}
		return strings.TrimSpace(row[i]), nil
	}

	imagePath, err := field("path")
	if err != nil {
		return SampleRecord{}, err
	}
	if imagePath == "" {
		return SampleRecord{}, errors.New("empty image path")
	}
	if !filepath.IsAbs(imagePath) && baseDir != "" {
		imagePath = filepath.Join(baseDir, imagePath)
	}

	var rec SampleRecord
	rec.ImagePath = imagePath

	raw, err := field("mask")
	if err != nil {
		return SampleRecord{}, err
	}
	if rec.Labels.Mask, err = ParseMaskLabel(raw); err != nil {
		return SampleRecord{}, err
	}
	if raw, err = field("gender"); err != nil {
		return SampleRecord{}, err
	}
	if rec.Labels.Gender, err = ParseGenderLabel(raw); err != nil {
		return SampleRecord{}, err
	}
	if raw, err = field("age"); err != nil {
		return SampleRecord{}, err
	}
	if rec.Labels.Age, err = ParseAgeLabel(raw); err != nil {
		return SampleRecord{}, err
	}
	if rec.PersonID, err = field("id"); err != nil {
		return SampleRecord{}, err
	}
	if rec.PersonID == "" {
		rec.PersonID = filepath.Base(filepath.Dir(imagePath))
	}
	return rec, nil
}
