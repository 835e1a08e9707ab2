package training

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-maskclf/model"
	"github.com/tsawler/go-maskclf/vision/dataset"
)

// MetricType selects a summary statistic of a confusion matrix.
type MetricType int

const (
	Accuracy MetricType = iota
	MacroPrecision
	MacroRecall
	MacroF1
	MicroF1
)

func (mt MetricType) String() string {
	switch mt {
	case Accuracy:
		return "Accuracy"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case MicroF1:
		return "MicroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts predictions per (true, predicted) class pair.
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates an empty matrix.
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Reset clears all counts.
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Add records one prediction.
func (cm *ConfusionMatrix) Add(trueClass, predClass int) error {
	if trueClass < 0 || trueClass >= cm.NumClasses || predClass < 0 || predClass >= cm.NumClasses {
		return fmt.Errorf("class pair (%d, %d) outside [0, %d)", trueClass, predClass, cm.NumClasses)
	}
	cm.Matrix[trueClass][predClass]++
	cm.TotalSamples++
	return nil
}

// UpdateFromLogits records the argmax of each row against trueLabels.
func (cm *ConfusionMatrix) UpdateFromLogits(logits [][]float32, trueLabels []int) error {
	if len(logits) != len(trueLabels) {
		return fmt.Errorf("labels length mismatch: expected %d, got %d", len(logits), len(trueLabels))
	}
	for i, row := range logits {
		if len(row) != cm.NumClasses {
			return fmt.Errorf("class count mismatch: expected %d, got %d", cm.NumClasses, len(row))
		}
		if err := cm.Add(trueLabels[i], Argmax(row)); err != nil {
			return err
		}
	}
	return nil
}

// Merge adds the counts of other.
func (cm *ConfusionMatrix) Merge(other *ConfusionMatrix) error {
	if other.NumClasses != cm.NumClasses {
		return fmt.Errorf("class count mismatch: expected %d, got %d", cm.NumClasses, other.NumClasses)
	}
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] += other.Matrix[i][j]
		}
	}
	cm.TotalSamples += other.TotalSamples
	return nil
}

// GetMetric computes the requested statistic.
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Accuracy:
		return cm.GetAccuracy()
	case MacroPrecision:
		return cm.macro(func(tp, fp, fn float64) (float64, bool) { return ratio(tp, tp+fp) })
	case MacroRecall:
		return cm.macro(func(tp, fp, fn float64) (float64, bool) { return ratio(tp, tp+fn) })
	case MacroF1:
		return cm.macro(func(tp, fp, fn float64) (float64, bool) { return ratio(2*tp, 2*tp+fp+fn) })
	case MicroF1:
		// every misclassification is one FP and one FN, so micro F1 is accuracy
		return cm.GetAccuracy()
	}
	return 0
}

// macro averages a per-class score over the classes for which it is
// defined, i.e. those that appear in either the labels or the predictions.
func (cm *ConfusionMatrix) macro(score func(tp, fp, fn float64) (float64, bool)) float64 {
	sum, n := 0.0, 0
	for class := 0; class < cm.NumClasses; class++ {
		tp := float64(cm.Matrix[class][class])
		var fp, fn float64
		for other := 0; other < cm.NumClasses; other++ {
			if other != class {
				fp += float64(cm.Matrix[other][class])
				fn += float64(cm.Matrix[class][other])
			}
		}
		if tp+fp+fn == 0 {
			continue
		}
		v, ok := score(tp, fp, fn)
		if !ok {
			v = 0
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func ratio(num, den float64) (float64, bool) {
	if den == 0 {
		return 0, false
	}
	return num / den, true
}

// GetAccuracy returns the fraction of correct predictions.
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

func (cm *ConfusionMatrix) String() string {
	var b strings.Builder
	for i, row := range cm.Matrix {
		if i > 0 {
			b.WriteByte('\n')
		}
		for j, v := range row {
			if j > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%5d", v)
		}
	}
	return b.String()
}

// Argmax returns the index of the largest value, preferring the first on ties.
func Argmax(row []float32) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}

// TaskMetrics accumulates confusion matrices for every label head plus the
// combined 18-class code.
type TaskMetrics struct {
	heads    [dataset.NumTasks]*ConfusionMatrix
	combined *ConfusionMatrix
}

// NewTaskMetrics creates empty matrices.
func NewTaskMetrics() *TaskMetrics {
	m := &TaskMetrics{combined: NewConfusionMatrix(dataset.NumClasses)}
	for _, task := range dataset.Tasks {
		m.heads[task] = NewConfusionMatrix(task.NumClasses())
	}
	return m
}

// Update records a batch of logits against its labels.
func (m *TaskMetrics) Update(logits model.Logits, labels []dataset.LabelSet) error {
	if logits.BatchSize() != len(labels) {
		return fmt.Errorf("labels length mismatch: expected %d, got %d", logits.BatchSize(), len(labels))
	}
	for i, l := range labels {
		var codes [dataset.NumTasks]int
		for _, task := range dataset.Tasks {
			codes[task] = Argmax(logits[task][i])
			if err := m.heads[task].Add(l.Get(task), codes[task]); err != nil {
				return err
			}
		}
		pred, err := dataset.LabelSetFromCodes(codes)
		if err != nil {
			return err
		}
		if err := m.combined.Add(l.Encode(), pred.Encode()); err != nil {
			return err
		}
	}
	return nil
}

// Task returns the matrix of one head, or the combined matrix for
// dataset.CombinedTask.
func (m *TaskMetrics) Task(task dataset.Task) *ConfusionMatrix {
	if task == dataset.CombinedTask {
		return m.combined
	}
	return m.heads[task]
}

// Summary is the scalar view of a TaskMetrics.
type Summary struct {
	Accuracy float64            `json:"accuracy"`
	F1       float64            `json:"f1"`
	TaskAcc  map[string]float64 `json:"task_acc"`
	TaskF1   map[string]float64 `json:"task_f1"`
}

// Summary returns accuracy and macro F1 of the combined code and per head.
func (m *TaskMetrics) Summary() Summary {
	s := Summary{
		Accuracy: m.combined.GetAccuracy(),
		F1:       m.combined.GetMetric(MacroF1),
		TaskAcc:  map[string]float64{},
		TaskF1:   map[string]float64{},
	}
	for _, task := range dataset.Tasks {
		s.TaskAcc[task.String()] = m.heads[task].GetAccuracy()
		s.TaskF1[task.String()] = m.heads[task].GetMetric(MacroF1)
	}
	return s
}
