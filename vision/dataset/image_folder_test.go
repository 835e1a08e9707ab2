package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-maskclf/errdefs"
)

// createClassFolders writes empty image files under root/<class>/<name>.
func createClassFolders(t *testing.T, files map[string][]string) string {
	t.Helper()
	root := t.TempDir()
	for class, names := range files {
		dir := filepath.Join(root, class)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
		for _, name := range names {
			if err := os.WriteFile(filepath.Join(dir, name), []byte("img"), 0o644); err != nil {
				t.Fatalf("write %s: %v", name, err)
			}
		}
	}
	return root
}

func TestLoadClassFolders(t *testing.T) {
	root := createClassFolders(t, map[string][]string{
		"0":  {"001_a.jpg", "001_b.jpg", "notes.txt", ".hidden.jpg"},
		"17": {"002_mask1.png", "solo.jpeg"},
	})
	os.WriteFile(filepath.Join(root, "README"), []byte("x"), 0o644)

	records, err := LoadClassFolders(root, nil)
	if err != nil {
		t.Fatalf("LoadClassFolders: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("got %d records, want 4", len(records))
	}

	byPath := make(map[string]SampleRecord)
	for _, r := range records {
		if err := r.Validate(); err != nil {
			t.Errorf("invalid record: %v", err)
		}
		byPath[filepath.Base(r.ImagePath)] = r
	}
	if r := byPath["001_b.jpg"]; r.PersonID != "001" || r.Labels.Encode() != 0 {
		t.Errorf("001_b.jpg = %+v", r)
	}
	if r := byPath["002_mask1.png"]; r.PersonID != "002" || r.Labels != (LabelSet{Mask: NotWear, Gender: Female, Age: Old}) {
		t.Errorf("002_mask1.png = %+v", r)
	}
	if r := byPath["solo.jpeg"]; r.PersonID != "solo" {
		t.Errorf("solo.jpeg grouped as %q", r.PersonID)
	}

	t.Run("BadFolderName", func(t *testing.T) {
		root := createClassFolders(t, map[string][]string{"wear": {"a.jpg"}})
		if _, err := LoadClassFolders(root, nil); !errdefs.IsDataLoad(err) {
			t.Errorf("expected data load error, got %v", err)
		}
	})

	t.Run("CodeOutOfRange", func(t *testing.T) {
		root := createClassFolders(t, map[string][]string{"18": {"a.jpg"}})
		if _, err := LoadClassFolders(root, nil); !errdefs.IsDataLoad(err) {
			t.Errorf("expected data load error, got %v", err)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		root := createClassFolders(t, map[string][]string{"3": {"notes.txt"}})
		if _, err := LoadClassFolders(root, nil); !errdefs.IsDataLoad(err) {
			t.Errorf("expected data load error, got %v", err)
		}
	})
}
