package inference

import (
	"bytes"
	"context"
	"encoding/csv"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/tsawler/go-maskclf/checkpoints"
	"github.com/tsawler/go-maskclf/errdefs"
	"github.com/tsawler/go-maskclf/model"
	"github.com/tsawler/go-maskclf/vision/dataset"
	"github.com/tsawler/go-maskclf/vision/preprocessing"
)

func writeImage(t *testing.T, path string, shade uint8) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 12, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 12; x++ {
			img.Set(x, y, color.RGBA{shade, uint8(x * 20), uint8(y * 15), 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// evalSet writes n images plus an info.csv listing them in reverse order.
func evalSet(t *testing.T, n int) (infoCSV, imageDir string) {
	t.Helper()
	root := t.TempDir()
	imageDir = filepath.Join(root, "images")
	if err := os.Mkdir(imageDir, 0o755); err != nil {
		t.Fatal(err)
	}
	var info strings.Builder
	info.WriteString("ImageID,ans\n")
	for i := n - 1; i >= 0; i-- {
		name := "img" + strconv.Itoa(i) + ".png"
		writeImage(t, filepath.Join(imageDir, name), uint8(i*30))
		info.WriteString(name + ",0\n")
	}
	infoCSV = filepath.Join(root, "info.csv")
	if err := os.WriteFile(infoCSV, []byte(info.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return infoCSV, imageDir
}

func saveModel(t *testing.T, arch string) (model.Classifier, string) {
	t.Helper()
	m, err := model.New(model.Config{Arch: arch, Width: 6, Height: 8, Hidden: 8, Seed: 3})
	if err != nil {
		t.Fatalf("model.New: %v", err)
	}
	path := filepath.Join(t.TempDir(), "model.pth")
	ckpt := &checkpoints.Checkpoint{
		ModelSpec: m.Spec(),
		Optimizer: "SGD",
		Weights:   model.Snapshot(m),
		TrainingState: checkpoints.TrainingState{
			Epoch:      4,
			MetricName: "val_loss",
		},
	}
	if err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).SaveCheckpoint(ckpt, path); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	return m, path
}

func TestLoadEvalInfo(t *testing.T) {
	infoCSV, imageDir := evalSet(t, 3)
	refs, err := LoadEvalInfo(infoCSV, imageDir)
	if err != nil {
		t.Fatalf("LoadEvalInfo: %v", err)
	}
	if len(refs) != 3 || refs[0].ID != "img2.png" || refs[0].Path != filepath.Join(imageDir, "img2.png") {
		t.Errorf("refs = %+v", refs)
	}

	t.Run("MissingColumn", func(t *testing.T) {
		_, err := ReadEvalInfo(strings.NewReader("file,ans\na.png,1\n"), imageDir)
		if !errdefs.IsDataLoad(err) {
			t.Errorf("expected data load error, got %v", err)
		}
	})
	t.Run("EmptyID", func(t *testing.T) {
		_, err := ReadEvalInfo(strings.NewReader("ImageID,ans\n,1\n"), imageDir)
		if !errdefs.IsDataLoad(err) {
			t.Errorf("expected data load error, got %v", err)
		}
	})
	t.Run("MissingFile", func(t *testing.T) {
		if _, err := LoadEvalInfo(filepath.Join(imageDir, "nope.csv"), imageDir); !errdefs.IsDataLoad(err) {
			t.Errorf("expected data load error, got %v", err)
		}
	})
}

func TestListImages(t *testing.T) {
	_, imageDir := evalSet(t, 3)
	os.WriteFile(filepath.Join(imageDir, "notes.txt"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(imageDir, "._img0.png"), []byte("x"), 0o644)
	os.Mkdir(filepath.Join(imageDir, "sub.png"), 0o755)

	refs, err := ListImages(imageDir)
	if err != nil {
		t.Fatalf("ListImages: %v", err)
	}
	var ids []string
	for _, r := range refs {
		ids = append(ids, r.ID)
	}
	if got := strings.Join(ids, ","); got != "img0.png,img1.png,img2.png" {
		t.Errorf("ListImages = %s", got)
	}
}

func TestLoadClassifier(t *testing.T) {
	for _, arch := range []string{"BaseModel", "MLPModel"} {
		t.Run(arch, func(t *testing.T) {
			orig, path := saveModel(t, arch)
			m, ckpt, err := LoadClassifier(path, checkpoints.FormatJSON)
			if err != nil {
				t.Fatalf("LoadClassifier: %v", err)
			}
			if m.Name() != arch || ckpt.TrainingState.Epoch != 4 {
				t.Errorf("loaded %s at epoch %d", m.Name(), ckpt.TrainingState.Epoch)
			}
			want, got := orig.Parameters(), m.Parameters()
			for i := range want {
				for j := range want[i].Data {
					if want[i].Data[j] != got[i].Data[j] {
						t.Fatalf("parameter %s differs at %d", want[i].Name, j)
					}
				}
			}
		})
	}

	if _, _, err := LoadClassifier(filepath.Join(t.TempDir(), "missing.pth"), checkpoints.FormatJSON); !errdefs.IsCheckpointIO(err) {
		t.Errorf("expected checkpoint io error, got %v", err)
	}
}

func TestPredict(t *testing.T) {
	infoCSV, imageDir := evalSet(t, 7)
	refs, err := LoadEvalInfo(infoCSV, imageDir)
	if err != nil {
		t.Fatal(err)
	}
	_, path := saveModel(t, "MLPModel")
	m, _, err := LoadClassifier(path, checkpoints.FormatJSON)
	if err != nil {
		t.Fatal(err)
	}
	gen, err := NewGenerator(m, Config{BatchSize: 3, Workers: 2})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	preds, err := gen.Predict(context.Background(), refs)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(preds) != len(refs) {
		t.Fatalf("got %d predictions for %d images", len(preds), len(refs))
	}
	for i, p := range preds {
		if p.ImageID != refs[i].ID {
			t.Errorf("prediction %d is for %s, want %s", i, p.ImageID, refs[i].ID)
		}
		if !p.Labels.Valid() {
			t.Errorf("prediction %d has invalid labels %+v", i, p.Labels)
		}
	}

	again, err := gen.Predict(context.Background(), refs)
	if err != nil {
		t.Fatal(err)
	}
	for i := range preds {
		if preds[i] != again[i] {
			t.Fatalf("prediction %d not deterministic", i)
		}
	}

	t.Run("Empty", func(t *testing.T) {
		out, err := gen.Predict(context.Background(), nil)
		if err != nil || len(out) != 0 {
			t.Errorf("empty input: %d predictions, %v", len(out), err)
		}
	})

	t.Run("MissingImage", func(t *testing.T) {
		bad := append(append([]ImageRef(nil), refs...), ImageRef{ID: "gone.png", Path: filepath.Join(imageDir, "gone.png")})
		if _, err := gen.Predict(context.Background(), bad); !errdefs.IsDataLoad(err) {
			t.Errorf("expected data load error, got %v", err)
		}
	})

	t.Run("CorruptImage", func(t *testing.T) {
		corrupt := filepath.Join(imageDir, "corrupt.png")
		os.WriteFile(corrupt, []byte("not a png"), 0o644)
		if _, err := gen.Predict(context.Background(), []ImageRef{{ID: "corrupt.png", Path: corrupt}}); !errdefs.IsDataLoad(err) {
			t.Errorf("expected data load error, got %v", err)
		}
	})

	t.Run("BadConfig", func(t *testing.T) {
		if _, err := NewGenerator(m, Config{}); !errdefs.IsConfiguration(err) {
			t.Errorf("expected configuration error, got %v", err)
		}
	})
}

func TestWriteSubmission(t *testing.T) {
	var preds []Prediction
	for code := 0; code < dataset.NumClasses; code++ {
		labels, err := dataset.DecodeClass(code)
		if err != nil {
			t.Fatal(err)
		}
		preds = append(preds, Prediction{ImageID: "img" + strconv.Itoa(code) + ".jpg", Labels: labels})
	}

	var buf bytes.Buffer
	if err := WriteSubmission(&buf, preds); err != nil {
		t.Fatalf("WriteSubmission: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(rows) != len(preds)+1 {
		t.Fatalf("got %d rows, want %d", len(rows), len(preds)+1)
	}
	if got := strings.Join(rows[0], ","); got != "image_id,mask_label,gender_label,age_label" {
		t.Errorf("header = %s", got)
	}
	for i, row := range rows[1:] {
		mask, err1 := dataset.ParseMaskLabel(row[1])
		gender, err2 := dataset.ParseGenderLabel(row[2])
		age, err3 := dataset.ParseAgeLabel(row[3])
		if err1 != nil || err2 != nil || err3 != nil {
			t.Fatalf("row %d has invalid enums: %v", i, row)
		}
		if got := (dataset.LabelSet{Mask: mask, Gender: gender, Age: age}); got != preds[i].Labels {
			t.Errorf("row %d = %+v, want %+v", i, got, preds[i].Labels)
		}
	}
	if rows[12][1] != "Incorrect" || rows[12][2] != "Female" || rows[12][3] != "Old" {
		t.Errorf("code 11 row = %v", rows[12])
	}
}

func TestWriteClassCodes(t *testing.T) {
	preds := []Prediction{
		{ImageID: "a.jpg", Labels: dataset.LabelSet{Mask: dataset.NotWear, Gender: dataset.Female, Age: dataset.Old}},
		{ImageID: "b.jpg", Labels: dataset.LabelSet{}},
	}
	path := filepath.Join(t.TempDir(), "out", "submission.csv")
	if err := SaveSubmission(path, preds, true); err != nil {
		t.Fatalf("SaveSubmission: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(data), "ImageID,ans\na.jpg,17\nb.jpg,0\n"; got != want {
		t.Errorf("class codes = %q, want %q", got, want)
	}
}

func TestGeneratorNormalization(t *testing.T) {
	mean, std := [3]float32{0.3, 0.4, 0.5}, [3]float32{0.1, 0.2, 0.3}
	trained, err := model.New(model.Config{Arch: "BaseModel", Width: 6, Height: 8, Mean: mean, Std: std})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "model.pth")
	ckpt := &checkpoints.Checkpoint{ModelSpec: trained.Spec(), Optimizer: "SGD", Weights: model.Snapshot(trained)}
	if err := checkpoints.NewCheckpointSaver(checkpoints.FormatProto).SaveCheckpoint(ckpt, path); err != nil {
		t.Fatal(err)
	}
	m, _, err := LoadClassifier(path, checkpoints.FormatProto)
	if err != nil {
		t.Fatalf("LoadClassifier: %v", err)
	}

	gen, err := NewGenerator(m, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if gotMean, gotStd := gen.Normalization(); gotMean != mean || gotStd != std {
		t.Errorf("checkpoint statistics not applied: %v, %v", gotMean, gotStd)
	}

	override := Config{BatchSize: 4, Mean: [3]float32{0.5, 0.5, 0.5}, Std: [3]float32{0.5, 0.5, 0.5}}
	if gen, _ := NewGenerator(m, override); gen == nil {
		t.Fatal("NewGenerator with explicit statistics failed")
	} else if gotMean, _ := gen.Normalization(); gotMean != override.Mean {
		t.Errorf("explicit statistics ignored: %v", gotMean)
	}

	plain, _ := saveModel(t, "MLPModel")
	gen, err = NewGenerator(plain, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if gotMean, gotStd := gen.Normalization(); gotMean != preprocessing.DefaultMean || gotStd != preprocessing.DefaultStd {
		t.Errorf("defaults not applied: %v, %v", gotMean, gotStd)
	}
}
