package training

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/tsawler/go-maskclf/checkpoints"
	"github.com/tsawler/go-maskclf/vision/dataset"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// ResultsFile holds the validation prediction grid of the latest epoch.
const ResultsFile = "results.png"

// DefaultGridSize is the number of validation images drawn per epoch.
const DefaultGridSize = 16

// RenderPredictionGrid draws the first n images of a [batch, channels,
// height, width] float32 tensor in a square grid. Each tile is titled with
// its true and predicted labels per task. Pixels are mapped back from
// normalized values with mean and std.
func RenderPredictionGrid(images *tensors.Tensor, truth, preds []dataset.LabelSet, mean, std [3]float32, n int, path string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("render %s: %v", path, r)
		}
	}()

	dims := images.Shape().Dimensions
	if len(dims) != 4 {
		return errors.Errorf("image tensor has shape %v, want [batch, channels, height, width]", dims)
	}
	batch, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	if len(truth) < batch || len(preds) < batch {
		return errors.Errorf("%d images but %d labels and %d predictions", batch, len(truth), len(preds))
	}
	n = min(n, batch)
	if n <= 0 {
		return errors.New("no images to render")
	}

	var flat []float32
	images.ConstFlatData(func(data any) {
		if f, ok := data.([]float32); ok {
			flat = slices.Clone(f)
		}
	})
	if flat == nil {
		return errors.Errorf("image tensor holds %s, want float32", images.DType())
	}

	cols := int(math.Ceil(math.Sqrt(float64(n))))
	rows := (n + cols - 1) / cols
	plots := make([][]*plot.Plot, rows)
	for r := range plots {
		plots[r] = make([]*plot.Plot, cols)
	}
	per := channels * height * width
	for i := 0; i < n; i++ {
		p := plot.New()
		p.HideAxes()
		p.Title.Text = gridTitle(truth[i], preds[i])
		p.Title.TextStyle.Font.Size = vg.Points(7)
		img := denormalizeTile(flat[i*per:(i+1)*per], channels, height, width, mean, std)
		p.Add(plotter.NewImage(img, 0, 0, float64(width), float64(height)))
		plots[i/cols][i%cols] = p
	}

	canvas := vgimg.New(vg.Length(cols)*2*vg.Inch, vg.Length(rows)*2.5*vg.Inch)
	tiles := draw.Tiles{Rows: rows, Cols: cols, PadX: vg.Millimeter, PadY: vg.Millimeter, PadTop: vg.Points(2)}
	aligned := plot.Align(plots, tiles, draw.New(canvas))
	for r := range plots {
		for c, p := range plots[r] {
			if p != nil {
				p.Draw(aligned[r][c])
			}
		}
	}
	return checkpoints.WriteFileAtomic(path, func(w io.Writer) error {
		_, err := vgimg.PngCanvas{Canvas: canvas}.WriteTo(w)
		return err
	})
}

func gridTitle(truth, pred dataset.LabelSet) string {
	lines := make([]string, 0, dataset.NumTasks)
	for _, task := range dataset.Tasks {
		names := task.ClassNames()
		lines = append(lines, fmt.Sprintf("%s - gt: %s, pred: %s", task, names[truth.Get(task)], names[pred.Get(task)]))
	}
	return strings.Join(lines, "\n")
}

// denormalizeTile converts one CHW plane set back to an 8-bit image.
// Single channel data is drawn as gray.
func denormalizeTile(data []float32, channels, height, width int, mean, std [3]float32) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	plane := height * width
	pixel := func(c, i int) uint8 {
		if c >= channels {
			c = 0
		}
		v := data[c*plane+i]
		if c < 3 {
			v = v*std[c] + mean[c]
		}
		return uint8(math.Round(float64(min(max(v, 0), 1)) * 255))
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			img.SetRGBA(x, y, color.RGBA{R: pixel(0, i), G: pixel(1, i), B: pixel(2, i), A: 255})
		}
	}
	return img
}
