package training

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-maskclf/model"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// PlotType identifies a chart produced from collected run data.
type PlotType string

const (
	TrainingCurves        PlotType = "training_curves"
	LearningRateSchedule  PlotType = "learning_rate_schedule"
	ConfusionMatrixPlot   PlotType = "confusion_matrix"
	ParameterDistribution PlotType = "parameter_distribution"
)

// PlotData is the serializable description of one chart. It is written to
// curves.json and rendered to PNG by RenderPlot.
type PlotData struct {
	PlotType  PlotType     `json:"plot_type"`
	Title     string       `json:"title"`
	Timestamp time.Time    `json:"timestamp"`
	ModelName string       `json:"model_name"`
	Series    []SeriesData `json:"series"`
	Config    PlotConfig   `json:"config"`
}

// SeriesData is one data series of a chart.
type SeriesData struct {
	Name string      `json:"name"`
	Type string      `json:"type"` // "line", "scatter", "heatmap", "bar"
	Data []DataPoint `json:"data"`
}

// DataPoint is a single (x, y[, z]) value.
type DataPoint struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z,omitempty"`
	Label string  `json:"label,omitempty"`
}

// PlotConfig holds axis and canvas settings.
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	YAxisScale string `json:"y_axis_scale"` // "linear", "log"
	ShowLegend bool   `json:"show_legend"`
	ShowGrid   bool   `json:"show_grid"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// ParameterStats summarizes the values of one parameter tensor.
type ParameterStats struct {
	Name      string    `json:"name"`
	Mean      float64   `json:"mean"`
	Std       float64   `json:"std"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
	Histogram []float64 `json:"histogram"`
	Bins      []float64 `json:"bins"`
}

// VisualizationCollector accumulates per-epoch results of a run.
type VisualizationCollector struct {
	modelName string

	epochs     []int
	trainLoss  []float64
	trainAcc   []float64
	valLoss    []float64
	valAcc     []float64
	valF1      []float64
	lrs        []float64
	confusion  [][]int
	classNames []string
	params     []ParameterStats
}

// NewVisualizationCollector creates an empty collector.
func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{modelName: modelName}
}

// RecordEpoch appends the scalar results of one epoch.
func (vc *VisualizationCollector) RecordEpoch(r EpochResult) {
	vc.epochs = append(vc.epochs, r.Epoch)
	vc.trainLoss = append(vc.trainLoss, r.TrainLoss)
	vc.trainAcc = append(vc.trainAcc, r.TrainAcc)
	vc.valLoss = append(vc.valLoss, r.ValLoss)
	vc.valAcc = append(vc.valAcc, r.Val.Accuracy)
	vc.valF1 = append(vc.valF1, r.Val.F1)
	vc.lrs = append(vc.lrs, r.LearningRate)
}

// RecordConfusionMatrix keeps a copy of the latest validation matrix.
func (vc *VisualizationCollector) RecordConfusionMatrix(cm *ConfusionMatrix, classNames []string) {
	vc.confusion = make([][]int, len(cm.Matrix))
	for i, row := range cm.Matrix {
		vc.confusion[i] = append([]int(nil), row...)
	}
	vc.classNames = append([]string(nil), classNames...)
}

// RecordParameterStats replaces the parameter summaries with those of params.
func (vc *VisualizationCollector) RecordParameterStats(params []*model.Parameter) {
	vc.params = vc.params[:0]
	for _, p := range params {
		vc.params = append(vc.params, parameterStats(p, 20))
	}
}

func parameterStats(p *model.Parameter, bins int) ParameterStats {
	values := make([]float64, len(p.Data))
	for i, v := range p.Data {
		values[i] = float64(v)
	}
	s := ParameterStats{Name: p.Name}
	if len(values) == 0 {
		return s
	}
	s.Mean, s.Std = stat.MeanStdDev(values, nil)
	s.Min, s.Max = floats.Min(values), floats.Max(values)
	if s.Min == s.Max {
		s.Bins = []float64{s.Min, s.Max}
		s.Histogram = []float64{float64(len(values))}
		return s
	}
	dividers := make([]float64, bins+1)
	floats.Span(dividers, s.Min, s.Max)
	// Histogram needs the upper edge strictly above the largest value
	dividers[bins] = s.Max + (s.Max-s.Min)*1e-9
	sort.Float64s(values)
	s.Bins = dividers
	s.Histogram = stat.Histogram(nil, dividers, values, nil)
	return s
}

// Epochs returns the number of recorded epochs.
func (vc *VisualizationCollector) Epochs() int { return len(vc.epochs) }

func (vc *VisualizationCollector) series(name, kind string, ys []float64) SeriesData {
	s := SeriesData{Name: name, Type: kind, Data: make([]DataPoint, len(ys))}
	for i, y := range ys {
		s.Data[i] = DataPoint{X: float64(vc.epochs[i]), Y: y}
	}
	return s
}

// GenerateTrainingCurvesPlot returns loss and accuracy per epoch.
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Curves - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series: []SeriesData{
			vc.series("Training Loss", "line", vc.trainLoss),
			vc.series("Training Accuracy", "line", vc.trainAcc),
			vc.series("Validation Loss", "line", vc.valLoss),
			vc.series("Validation Accuracy", "line", vc.valAcc),
			vc.series("Validation F1", "line", vc.valF1),
		},
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Loss / Accuracy",
			YAxisScale: "linear",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      800,
			Height:     600,
		},
	}
}

// GenerateLearningRateSchedulePlot returns the rate used in each epoch.
func (vc *VisualizationCollector) GenerateLearningRateSchedulePlot() PlotData {
	return PlotData{
		PlotType:  LearningRateSchedule,
		Title:     fmt.Sprintf("Learning Rate Schedule - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    []SeriesData{vc.series("Learning Rate", "line", vc.lrs)},
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Learning Rate",
			YAxisScale: "log",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      800,
			Height:     400,
		},
	}
}

// GenerateConfusionMatrixPlot returns the latest validation matrix as a
// heatmap, or an empty PlotData when none was recorded.
func (vc *VisualizationCollector) GenerateConfusionMatrixPlot() PlotData {
	if len(vc.confusion) == 0 {
		return PlotData{}
	}
	var data []DataPoint
	for i, row := range vc.confusion {
		for j, value := range row {
			data = append(data, DataPoint{
				X:     float64(j),
				Y:     float64(i),
				Z:     float64(value),
				Label: fmt.Sprintf("True: %s, Pred: %s", vc.classNames[i], vc.classNames[j]),
			})
		}
	}
	return PlotData{
		PlotType:  ConfusionMatrixPlot,
		Title:     fmt.Sprintf("Confusion Matrix - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    []SeriesData{{Name: "Confusion Matrix", Type: "heatmap", Data: data}},
		Config: PlotConfig{
			XAxisLabel: "Predicted Class",
			YAxisLabel: "True Class",
			Width:      600,
			Height:     600,
		},
	}
}

// GenerateParameterDistributionPlot returns one histogram series per
// parameter tensor.
func (vc *VisualizationCollector) GenerateParameterDistributionPlot() PlotData {
	pd := PlotData{
		PlotType:  ParameterDistribution,
		Title:     fmt.Sprintf("Parameter Distribution - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Config: PlotConfig{
			XAxisLabel: "Value",
			YAxisLabel: "Count",
			ShowLegend: true,
			Width:      800,
			Height:     600,
		},
	}
	for _, s := range vc.params {
		series := SeriesData{Name: s.Name, Type: "bar"}
		for i, count := range s.Histogram {
			series.Data = append(series.Data, DataPoint{X: (s.Bins[i] + s.Bins[i+1]) / 2, Y: count})
		}
		pd.Series = append(pd.Series, series)
	}
	return pd
}

// Plots returns every non-empty chart.
func (vc *VisualizationCollector) Plots() []PlotData {
	plots := []PlotData{vc.GenerateTrainingCurvesPlot(), vc.GenerateLearningRateSchedulePlot()}
	if cm := vc.GenerateConfusionMatrixPlot(); len(cm.Series) > 0 {
		plots = append(plots, cm)
	}
	if len(vc.params) > 0 {
		plots = append(plots, vc.GenerateParameterDistributionPlot())
	}
	return plots
}

// ToJSON serializes pd.
func (pd PlotData) ToJSON() (string, error) {
	data, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal plot data")
	}
	return string(data), nil
}

// SaveJSON writes every chart description to path.
func (vc *VisualizationCollector) SaveJSON(path string) error {
	data, err := json.MarshalIndent(vc.Plots(), "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal plot data")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "write %s", path)
}

// Clear drops everything collected so far.
func (vc *VisualizationCollector) Clear() {
	name := vc.modelName
	*vc = VisualizationCollector{modelName: name}
}
