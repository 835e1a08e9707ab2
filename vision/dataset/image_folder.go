package dataset

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tsawler/go-maskclf/errdefs"
)

// LoadClassFolders builds records from a directory structure where each
// subdirectory holds the images of one combined class and is named by its
// code, 0 through 17. Files named <person>_<anything> are grouped by the
// prefix before the first underscore; other files are their own group.
func LoadClassFolders(root string, extensions []string) ([]SampleRecord, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = true
	}

	classes, err := os.ReadDir(root)
	if err != nil {
		return nil, errdefs.DataLoad("dataset.LoadClassFolders", err, "list %s", root)
	}

	var records []SampleRecord
	for _, class := range classes {
		if !class.IsDir() || strings.HasPrefix(class.Name(), ".") {
			continue
		}
		code, err := strconv.Atoi(class.Name())
		if err != nil {
			return nil, errdefs.DataLoad("dataset.LoadClassFolders", err, "class folder %q is not a class code", class.Name())
		}
		labels, err := DecodeClass(code)
		if err != nil {
			return nil, errdefs.DataLoad("dataset.LoadClassFolders", err, "class folder %q", class.Name())
		}

		classPath := filepath.Join(root, class.Name())
		files, err := os.ReadDir(classPath)
		if err != nil {
			return nil, errdefs.DataLoad("dataset.LoadClassFolders", err, "list %s", classPath)
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || strings.HasPrefix(name, ".") || !allowed[strings.ToLower(filepath.Ext(name))] {
				continue
			}
			person := strings.TrimSuffix(name, filepath.Ext(name))
			if i := strings.Index(person, "_"); i > 0 {
				person = person[:i]
			}
			records = append(records, SampleRecord{
				PersonID:  person,
				ImagePath: filepath.Join(classPath, name),
				Labels:    labels,
			})
		}
	}

	if len(records) == 0 {
		return nil, errdefs.DataLoad("dataset.LoadClassFolders", nil, "no images found in %s", root)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ImagePath < records[j].ImagePath })
	return records, nil
}
