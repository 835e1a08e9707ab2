package training

import (
	"math"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Image files written next to the checkpoints of a run.
const (
	CurvesFile       = "curves.png"
	LRFile           = "lr.png"
	ConfusionFile    = "confusion.png"
	ParametersFile   = "parameters.png"
	PlotDataFile     = "curves.json"
	plotPixelsPerInc = 96
)

// RenderPlot draws pd to path. The image format follows the extension
// (png, svg, pdf, ...). A log Y axis falls back to linear unless every
// value is positive.
func RenderPlot(pd PlotData, path string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("render %s: %v", path, r)
		}
	}()

	p := plot.New()
	p.Title.Text = pd.Title
	p.X.Label.Text = pd.Config.XAxisLabel
	p.Y.Label.Text = pd.Config.YAxisLabel
	if pd.Config.ShowGrid {
		p.Add(plotter.NewGrid())
	}
	if pd.Config.YAxisScale == "log" {
		if lo, hi, ok := positiveRange(pd.Series); ok {
			p.Y.Scale = plot.LogScale{}
			p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
			if lo == hi {
				// plot widens an empty range by one unit, which would go negative
				p.Y.Min, p.Y.Max = lo/2, hi*2
			}
		}
	}

	for i, s := range pd.Series {
		if len(s.Data) == 0 {
			continue
		}
		if s.Type == "heatmap" {
			p.Add(plotter.NewHeatMap(newGrid(s.Data), palette.Heat(16, 1)))
			continue
		}
		pts := make(plotter.XYs, len(s.Data))
		for j, d := range s.Data {
			pts[j].X, pts[j].Y = d.X, d.Y
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return errors.Wrapf(err, "plot series %q", s.Name)
		}
		line.Width = vg.Points(2)
		line.Color = plotutil.Color(i)
		p.Add(line)
		if pd.Config.ShowLegend {
			p.Legend.Add(s.Name, line)
		}
	}
	p.Legend.Top = true

	width, height := pd.Config.Width, pd.Config.Height
	if width <= 0 || height <= 0 {
		width, height = 800, 600
	}
	w := vg.Inch * vg.Length(width) / plotPixelsPerInc
	h := vg.Inch * vg.Length(height) / plotPixelsPerInc
	return errors.Wrapf(p.Save(w, h, path), "save plot %s", path)
}

// positiveRange returns the Y extent of the line series, with ok false when
// any value is not positive or there are no points.
func positiveRange(series []SeriesData) (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, s := range series {
		for _, d := range s.Data {
			if !(d.Y > 0) || math.IsInf(d.Y, 0) {
				return 0, 0, false
			}
			lo, hi = math.Min(lo, d.Y), math.Max(hi, d.Y)
		}
	}
	return lo, hi, lo <= hi
}

// RenderCurves writes the JSON chart data and every chart image of vc
// into dir.
func RenderCurves(vc *VisualizationCollector, dir string) error {
	if vc.Epochs() == 0 {
		return nil
	}
	if err := vc.SaveJSON(filepath.Join(dir, PlotDataFile)); err != nil {
		return err
	}
	files := map[PlotType]string{
		TrainingCurves:        CurvesFile,
		LearningRateSchedule:  LRFile,
		ConfusionMatrixPlot:   ConfusionFile,
		ParameterDistribution: ParametersFile,
	}
	for _, pd := range vc.Plots() {
		if err := RenderPlot(pd, filepath.Join(dir, files[pd.PlotType])); err != nil {
			return err
		}
	}
	return nil
}

// heatGrid adapts heatmap points to plotter.GridXYZ. Points carry integer
// column (X) and row (Y) coordinates.
type heatGrid struct {
	cols, rows int
	z          [][]float64
}

func newGrid(data []DataPoint) heatGrid {
	g := heatGrid{}
	for _, d := range data {
		if c := int(d.X) + 1; c > g.cols {
			g.cols = c
		}
		if r := int(d.Y) + 1; r > g.rows {
			g.rows = r
		}
	}
	g.z = make([][]float64, g.rows)
	for r := range g.z {
		g.z[r] = make([]float64, g.cols)
	}
	for _, d := range data {
		g.z[int(d.Y)][int(d.X)] = d.Z
	}
	return g
}

func (g heatGrid) Dims() (c, r int)   { return g.cols, g.rows }
func (g heatGrid) Z(c, r int) float64 { return g.z[r][c] }
func (g heatGrid) X(c int) float64    { return float64(c) }
func (g heatGrid) Y(r int) float64    { return float64(r) }
