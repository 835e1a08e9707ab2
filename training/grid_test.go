package training

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/tsawler/go-maskclf/vision/dataset"
	"github.com/tsawler/go-maskclf/vision/preprocessing"
)

func TestRenderPredictionGrid(t *testing.T) {
	const batch, channels, height, width = 5, 3, 8, 6
	flat := make([]float32, batch*channels*height*width)
	for i := range flat {
		flat[i] = float32(i%7)/3 - 1
	}
	images := tensors.FromFlatDataAndDimensions(flat, batch, channels, height, width)
	truth := make([]dataset.LabelSet, batch)
	preds := make([]dataset.LabelSet, batch)
	for i := range truth {
		truth[i], _ = dataset.DecodeClass(i)
		preds[i], _ = dataset.DecodeClass(17 - i)
	}
	mean, std := preprocessing.DefaultMean, preprocessing.DefaultStd
	dir := t.TempDir()

	path := filepath.Join(dir, ResultsFile)
	if err := RenderPredictionGrid(images, truth, preds, mean, std, DefaultGridSize, path); err != nil {
		t.Fatalf("RenderPredictionGrid: %v", err)
	}
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		t.Errorf("grid not written: %v", err)
	}

	t.Run("Errors", func(t *testing.T) {
		flatImages := tensors.FromFlatDataAndDimensions(flat, batch, channels*height*width)
		ints := tensors.FromFlatDataAndDimensions(make([]int32, batch*3), batch, 1, 3, 1)
		cases := map[string]func() error{
			"Rank":   func() error { return RenderPredictionGrid(flatImages, truth, preds, mean, std, 4, path) },
			"Labels": func() error { return RenderPredictionGrid(images, truth[:2], preds, mean, std, 4, path) },
			"DType":  func() error { return RenderPredictionGrid(ints, truth, preds, mean, std, 4, path) },
			"None":   func() error { return RenderPredictionGrid(images, truth, preds, mean, std, 0, path) },
		}
		for name, render := range cases {
			if err := render(); err == nil {
				t.Errorf("%s: expected an error", name)
			}
		}
	})
}

func TestGridTitle(t *testing.T) {
	truth := dataset.LabelSet{Mask: dataset.Wear, Gender: dataset.Female, Age: dataset.Old}
	pred := dataset.LabelSet{Mask: dataset.NotWear, Gender: dataset.Male, Age: dataset.Old}
	want := "mask - gt: Wear, pred: NotWear\ngender - gt: Female, pred: Male\nage - gt: Old, pred: Old"
	if got := gridTitle(truth, pred); got != want {
		t.Errorf("gridTitle = %q, want %q", got, want)
	}
}

func TestDenormalizeTile(t *testing.T) {
	mean, std := [3]float32{0.5, 0.5, 0.5}, [3]float32{0.25, 0.25, 0.25}
	// one pixel per channel: back to 0.5, clamped to 1, clamped to 0
	img := denormalizeTile([]float32{0, 4, -4}, 3, 1, 1, mean, std)
	c := img.RGBAAt(0, 0)
	if c.R != 128 || c.G != 255 || c.B != 0 || c.A != 255 {
		t.Errorf("pixel = %+v", c)
	}
	gray := denormalizeTile([]float32{0}, 1, 1, 1, mean, std)
	if c := gray.RGBAAt(0, 0); c.R != c.G || c.G != c.B {
		t.Errorf("single channel pixel not gray: %+v", c)
	}
}
