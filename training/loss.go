package training

import (
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/go-maskclf/errdefs"
	"github.com/tsawler/go-maskclf/model"
	"github.com/tsawler/go-maskclf/vision/dataset"
)

const f1Epsilon = 1e-7

// Criterion is a per-head classification loss over soft targets.
type Criterion interface {
	Name() string
	// Loss returns the batch-mean loss and its gradient with respect to the
	// logits. Every target row is a probability vector.
	Loss(logits, targets [][]float32) (float64, [][]float32, error)
}

// LossOptions carries criterion hyperparameters.
type LossOptions struct {
	Smoothing float32 // label_smoothing
	Gamma     float32 // focal
}

// CrossEntropyLoss is softmax cross-entropy.
type CrossEntropyLoss struct{}

func (CrossEntropyLoss) Name() string { return "cross_entropy" }

func (CrossEntropyLoss) Loss(logits, targets [][]float32) (float64, [][]float32, error) {
	return focal(logits, targets, 0)
}

// LabelSmoothingLoss mixes every target with the uniform distribution
// before taking the cross-entropy.
type LabelSmoothingLoss struct {
	Smoothing float32
}

func (l LabelSmoothingLoss) Name() string { return "label_smoothing" }

func (l LabelSmoothingLoss) Loss(logits, targets [][]float32) (float64, [][]float32, error) {
	smoothed := make([][]float32, len(targets))
	for i, row := range targets {
		k := float32(len(row))
		out := make([]float32, len(row))
		for j, t := range row {
			out[j] = (1-l.Smoothing)*t + l.Smoothing/k
		}
		smoothed[i] = out
	}
	return focal(logits, smoothed, 0)
}

// FocalLoss down-weights well classified samples by (1-p)^Gamma.
type FocalLoss struct {
	Gamma float32
}

func (f FocalLoss) Name() string { return "focal" }

func (f FocalLoss) Loss(logits, targets [][]float32) (float64, [][]float32, error) {
	return focal(logits, targets, float64(f.Gamma))
}

// F1Loss is one minus the soft macro F1 of the batch, computed on softmax
// probabilities. Per class, F1 = 2*tp / (sum(p) + sum(t) + eps).
type F1Loss struct{}

func (F1Loss) Name() string { return "f1" }

func (F1Loss) Loss(logits, targets [][]float32) (float64, [][]float32, error) {
	if err := checkShapes(logits, targets); err != nil {
		return 0, nil, err
	}
	n := len(logits)
	if n == 0 {
		return 0, nil, nil
	}
	k := len(logits[0])
	probs := make([][]float64, n)
	tp := make([]float64, k)
	den := make([]float64, k)
	for i, row := range logits {
		probs[i] = softmax(row)
		for c := 0; c < k; c++ {
			t := float64(targets[i][c])
			tp[c] += t * probs[i][c]
			den[c] += t + probs[i][c]
		}
	}
	var mean float64
	for c := 0; c < k; c++ {
		den[c] += f1Epsilon
		mean += 2 * tp[c] / den[c]
	}
	mean /= float64(k)

	grad := make([][]float32, n)
	dp := make([]float64, k)
	for i := range logits {
		var dot float64
		for c := 0; c < k; c++ {
			t := float64(targets[i][c])
			// d(1 - mean F1)/dp
			dp[c] = -(2*t/den[c] - 2*tp[c]/(den[c]*den[c])) / float64(k)
			dot += probs[i][c] * dp[c]
		}
		g := make([]float32, k)
		for c := 0; c < k; c++ {
			g[c] = float32(probs[i][c] * (dp[c] - dot))
		}
		grad[i] = g
	}
	return 1 - mean, grad, nil
}

// focal computes -sum_k t_k (1-p_k)^gamma log p_k averaged over the batch.
// gamma 0 is plain cross-entropy.
func focal(logits, targets [][]float32, gamma float64) (float64, [][]float32, error) {
	if err := checkShapes(logits, targets); err != nil {
		return 0, nil, err
	}
	n := len(logits)
	if n == 0 {
		return 0, nil, nil
	}
	scale := 1 / float64(n)
	var total float64
	grad := make([][]float32, n)
	for i, row := range logits {
		p := softmax(row)
		k := len(row)
		weight := make([]float64, k)
		var tg float64
		for c := 0; c < k; c++ {
			t := float64(targets[i][c])
			if t == 0 {
				continue
			}
			logp := math.Log(math.Max(p[c], 1e-30))
			q := 1 - p[c]
			mod, g := 1.0, 1.0
			if gamma != 0 {
				q = math.Max(q, 1e-12)
				mod = math.Pow(q, gamma)
				g = mod - gamma*p[c]*math.Pow(q, gamma-1)*logp
			}
			total -= t * mod * logp
			weight[c] = t * g
			tg += weight[c]
		}
		out := make([]float32, k)
		for c := 0; c < k; c++ {
			out[c] = float32((p[c]*tg - weight[c]) * scale)
		}
		grad[i] = out
	}
	return total * scale, grad, nil
}

func softmax(row []float32) []float64 {
	out := make([]float64, len(row))
	if len(row) == 0 {
		return out
	}
	hi := float64(row[0])
	for _, v := range row {
		hi = math.Max(hi, float64(v))
	}
	var sum float64
	for i, v := range row {
		out[i] = math.Exp(float64(v) - hi)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func checkShapes(logits, targets [][]float32) error {
	if len(logits) != len(targets) {
		return errors.Errorf("loss: %d logit rows but %d targets", len(logits), len(targets))
	}
	for i := range logits {
		if len(logits[i]) != len(targets[i]) {
			return errors.Errorf("loss: row %d has %d logits but %d target classes", i, len(logits[i]), len(targets[i]))
		}
	}
	return nil
}

var criteria = map[string]func(LossOptions) Criterion{
	"cross_entropy":   func(LossOptions) Criterion { return CrossEntropyLoss{} },
	"label_smoothing": func(o LossOptions) Criterion { return LabelSmoothingLoss{Smoothing: o.Smoothing} },
	"focal":           func(o LossOptions) Criterion { return FocalLoss{Gamma: o.Gamma} },
	"f1":              func(LossOptions) Criterion { return F1Loss{} },
}

// CriterionNames lists the registered criteria.
func CriterionNames() []string {
	names := make([]string, 0, len(criteria))
	for name := range criteria {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewCriterion returns the criterion registered under name.
func NewCriterion(name string, opts LossOptions) (Criterion, error) {
	build, ok := criteria[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, errdefs.Configuration("training.NewCriterion", "unknown criterion %q (have %v)", name, CriterionNames())
	}
	if opts.Smoothing < 0 || opts.Smoothing >= 1 {
		return nil, errdefs.Configuration("training.NewCriterion", "label smoothing must be in [0, 1), got %g", opts.Smoothing)
	}
	if opts.Gamma < 0 {
		return nil, errdefs.Configuration("training.NewCriterion", "focal gamma cannot be negative, got %g", opts.Gamma)
	}
	return build(opts), nil
}

// LossResult is the outcome of one MultiTaskLoss evaluation.
type LossResult struct {
	Total   float64
	PerTask [dataset.NumTasks]float64
	Grad    model.Logits
}

// MultiTaskLoss applies one criterion to every head and sums the results,
// optionally weighted per task.
type MultiTaskLoss struct {
	criterion Criterion
	weights   [dataset.NumTasks]float64
}

// NewMultiTaskLoss builds the loss. An empty weights map means unit
// weights; otherwise its keys must be exactly the task names.
func NewMultiTaskLoss(name string, weights map[string]float64, opts LossOptions) (*MultiTaskLoss, error) {
	criterion, err := NewCriterion(name, opts)
	if err != nil {
		return nil, err
	}
	m := &MultiTaskLoss{criterion: criterion}
	for _, task := range dataset.Tasks {
		m.weights[task] = 1
	}
	if len(weights) == 0 {
		return m, nil
	}

	var missing, unknown []string
	for _, task := range dataset.Tasks {
		w, ok := weights[task.String()]
		if !ok {
			missing = append(missing, task.String())
			continue
		}
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, errdefs.Configuration("training.NewMultiTaskLoss", "weight of %s must be a finite non-negative number, got %g", task, w)
		}
		m.weights[task] = w
	}
	for key := range weights {
		if _, err := taskByName(key); err != nil {
			unknown = append(unknown, key)
		}
	}
	if len(missing) > 0 || len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, errdefs.Configuration("training.NewMultiTaskLoss", "task weights must name exactly mask, gender and age (missing %v, unknown %v)", missing, unknown)
	}
	return m, nil
}

func taskByName(name string) (dataset.Task, error) {
	for _, task := range dataset.Tasks {
		if task.String() == name {
			return task, nil
		}
	}
	return 0, errors.Errorf("unknown task %q", name)
}

// Criterion returns the per-head criterion.
func (m *MultiTaskLoss) Criterion() Criterion { return m.criterion }

// Weight returns the weight of task.
func (m *MultiTaskLoss) Weight(task dataset.Task) float64 { return m.weights[task] }

// Compute evaluates the loss of logits against per-sample targets.
func (m *MultiTaskLoss) Compute(logits model.Logits, targets []dataset.Target) (LossResult, error) {
	var res LossResult
	for _, task := range dataset.Tasks {
		rows := make([][]float32, len(targets))
		for i, t := range targets {
			rows[i] = t[task]
		}
		value, grad, err := m.criterion.Loss(logits[task], rows)
		if err != nil {
			return res, errors.Wrapf(err, "%s head", task)
		}
		w := m.weights[task]
		res.PerTask[task] = value
		res.Total += w * value
		if w != 1 {
			for _, g := range grad {
				for j := range g {
					g[j] *= float32(w)
				}
			}
		}
		res.Grad[task] = grad
	}
	return res, nil
}
