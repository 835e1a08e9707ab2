package dataset

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tsawler/go-maskclf/errdefs"
)

// DefaultExtensions are the image file extensions picked up from profile folders.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".webp"}

// LoadProfiles builds records from the competition folder layout where each
// person has a directory named <id>_<gender>_<race>_<age> holding the files
// mask1..mask5, incorrect_mask and normal.
func LoadProfiles(root string, extensions []string) ([]SampleRecord, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = true
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errdefs.DataLoad("dataset.LoadProfiles", err, "list %s", root)
	}

	var records []SampleRecord
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		id, labels, err := parseProfileName(entry.Name())
		if err != nil {
			return nil, err
		}

		profileDir := filepath.Join(root, entry.Name())
		files, err := os.ReadDir(profileDir)
		if err != nil {
			return nil, errdefs.DataLoad("dataset.LoadProfiles", err, "list %s", profileDir)
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || strings.HasPrefix(name, ".") {
				continue
			}
			ext := strings.ToLower(filepath.Ext(name))
			if !allowed[ext] {
				continue
			}
			mask, err := ParseMaskLabel(strings.TrimSuffix(name, filepath.Ext(name)))
			if err != nil {
				// Not one of the seven labeled shots.
				continue
			}
			l := labels
			l.Mask = mask
			records = append(records, SampleRecord{
				PersonID:  id,
				ImagePath: filepath.Join(profileDir, name),
				Labels:    l,
			})
		}
	}

	if len(records) == 0 {
		return nil, errdefs.DataLoad("dataset.LoadProfiles", nil, "no images found in %s", root)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ImagePath < records[j].ImagePath })
	return records, nil
}

// parseProfileName splits "000001_female_Asian_45".
func parseProfileName(name string) (string, LabelSet, error) {
	parts := strings.Split(name, "_")
	if len(parts) != 4 {
		return "", LabelSet{}, errdefs.DataLoad("dataset.LoadProfiles", nil, "profile folder %q is not <id>_<gender>_<race>_<age>", name)
	}
	gender, err := ParseGenderLabel(parts[1])
	if err != nil {
		return "", LabelSet{}, errdefs.DataLoad("dataset.LoadProfiles", err, "profile folder %q", name)
	}
	years, err := strconv.Atoi(parts[3])
	if err != nil {
		return "", LabelSet{}, errdefs.DataLoad("dataset.LoadProfiles", err, "profile folder %q has a non-numeric age", name)
	}
	return parts[0], LabelSet{Gender: gender, Age: AgeFromYears(years)}, nil
}
