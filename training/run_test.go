package training

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIncrementPath(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "exp")

	got, err := IncrementPath(base)
	if err != nil || got != base {
		t.Fatalf("fresh path: got %q, %v", got, err)
	}

	os.Mkdir(base, 0o755)
	if got, _ := IncrementPath(base); got != base+"2" {
		t.Errorf("after exp: got %q, want exp2", got)
	}

	os.Mkdir(base+"2", 0o755)
	os.Mkdir(base+"7", 0o755)
	os.Mkdir(base+"_other", 0o755)
	if got, _ := IncrementPath(base); got != base+"8" {
		t.Errorf("after exp7: got %q, want exp8", got)
	}
}

func TestRunContext(t *testing.T) {
	root := t.TempDir()
	first, err := NewRunContext(root, "exp")
	if err != nil {
		t.Fatalf("NewRunContext: %v", err)
	}
	second, err := NewRunContext(root, "exp")
	if err != nil {
		t.Fatalf("NewRunContext: %v", err)
	}
	if first.OutputDir == second.OutputDir {
		t.Fatalf("runs share directory %s", first.OutputDir)
	}
	if second.Name != "exp2" {
		t.Errorf("second run name = %q", second.Name)
	}
	if first.ID == second.ID {
		t.Error("runs share an ID")
	}
	if info, err := os.Stat(second.OutputDir); err != nil || !info.IsDir() {
		t.Errorf("output directory not created: %v", err)
	}

	want := filepath.Join(first.OutputDir, "BaseModel", "BaseModel_SGD")
	if got := first.CheckpointDir("BaseModel", "SGD"); got != want {
		t.Errorf("CheckpointDir = %q, want %q", got, want)
	}

	fold := first.Fold(3)
	if fold.ID != first.ID || fold.Tags["fold"] != "3" {
		t.Errorf("fold context = %+v", fold)
	}
	if fold.OutputDir != filepath.Join(first.OutputDir, "fold3") {
		t.Errorf("fold dir = %q", fold.OutputDir)
	}
	if _, ok := first.Tags["fold"]; ok {
		t.Error("fold tag leaked into the parent run")
	}
}
