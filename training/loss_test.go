package training

import (
	"math"
	"testing"

	"github.com/tsawler/go-maskclf/errdefs"
	"github.com/tsawler/go-maskclf/model"
	"github.com/tsawler/go-maskclf/vision/dataset"
)

func sampleLogits() [][]float32 {
	return [][]float32{
		{1.2, -0.3, 0.5},
		{-0.7, 0.4, 2.0},
		{0.1, 0.1, -1.5},
	}
}

func sampleTargets() [][]float32 {
	return [][]float32{
		{1, 0, 0},
		{0, 0.3, 0.7},
		{0, 1, 0},
	}
}

func crossEntropyRef(logits, targets [][]float32) float64 {
	var total float64
	for i, row := range logits {
		p := softmax(row)
		for c, t := range targets[i] {
			total -= float64(t) * math.Log(p[c])
		}
	}
	return total / float64(len(logits))
}

func TestCriteria(t *testing.T) {
	logits, targets := sampleLogits(), sampleTargets()
	want := crossEntropyRef(logits, targets)

	t.Run("CrossEntropy", func(t *testing.T) {
		got, _, err := CrossEntropyLoss{}.Loss(logits, targets)
		if err != nil {
			t.Fatalf("Loss: %v", err)
		}
		if math.Abs(got-want) > 1e-9 {
			t.Errorf("cross entropy = %f, want %f", got, want)
		}
	})

	t.Run("ReducesToCrossEntropy", func(t *testing.T) {
		for _, c := range []Criterion{LabelSmoothingLoss{}, FocalLoss{}} {
			got, _, err := c.Loss(logits, targets)
			if err != nil {
				t.Fatalf("%s: %v", c.Name(), err)
			}
			if math.Abs(got-want) > 1e-9 {
				t.Errorf("%s with zero parameter = %f, want %f", c.Name(), got, want)
			}
		}
	})

	t.Run("FocalIsSmaller", func(t *testing.T) {
		got, _, _ := FocalLoss{Gamma: 2}.Loss(logits, targets)
		if got >= want || got <= 0 {
			t.Errorf("focal loss %f should be in (0, %f)", got, want)
		}
	})

	t.Run("F1Perfect", func(t *testing.T) {
		confident := [][]float32{{30, 0, 0}, {0, 30, 0}, {0, 0, 30}}
		hard := [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
		got, _, err := F1Loss{}.Loss(confident, hard)
		if err != nil {
			t.Fatalf("Loss: %v", err)
		}
		if got > 1e-6 {
			t.Errorf("f1 loss of perfect predictions = %g", got)
		}
	})

	t.Run("ShapeMismatch", func(t *testing.T) {
		if _, _, err := (CrossEntropyLoss{}).Loss(logits, targets[:2]); err == nil {
			t.Error("expected row count error")
		}
		if _, _, err := (F1Loss{}).Loss([][]float32{{1, 2}}, [][]float32{{1, 0, 0}}); err == nil {
			t.Error("expected class count error")
		}
	})
}

func TestCriterionGradients(t *testing.T) {
	const eps = 1e-3
	for _, c := range []Criterion{
		CrossEntropyLoss{},
		LabelSmoothingLoss{Smoothing: 0.1},
		FocalLoss{Gamma: 2},
		FocalLoss{Gamma: 0.5},
		F1Loss{},
	} {
		t.Run(c.Name(), func(t *testing.T) {
			logits, targets := sampleLogits(), sampleTargets()
			_, grad, err := c.Loss(logits, targets)
			if err != nil {
				t.Fatalf("Loss: %v", err)
			}
			for i := range logits {
				for j := range logits[i] {
					orig := logits[i][j]
					logits[i][j] = orig + eps
					up, _, _ := c.Loss(logits, targets)
					logits[i][j] = orig - eps
					down, _, _ := c.Loss(logits, targets)
					logits[i][j] = orig

					numeric := (up - down) / (2 * eps)
					if math.Abs(numeric-float64(grad[i][j])) > 1e-3 {
						t.Errorf("grad[%d][%d] = %f, numeric %f", i, j, grad[i][j], numeric)
					}
				}
			}
		})
	}
}

func taskBatch() (model.Logits, []dataset.Target) {
	labels := []dataset.LabelSet{
		{Mask: dataset.Wear, Gender: dataset.Female, Age: dataset.Middle},
		{Mask: dataset.Incorrect, Gender: dataset.Male, Age: dataset.Old},
	}
	var logits model.Logits
	for _, task := range dataset.Tasks {
		logits[task] = make([][]float32, len(labels))
		for i := range labels {
			row := make([]float32, task.NumClasses())
			for c := range row {
				row[c] = float32((int(task)+1)*(c+1)*(i+2)%5) / 3
			}
			logits[task][i] = row
		}
	}
	targets := make([]dataset.Target, len(labels))
	for i, l := range labels {
		targets[i] = dataset.OneHot(l)
	}
	return logits, targets
}

func TestMultiTaskLoss(t *testing.T) {
	logits, targets := taskBatch()

	t.Run("UnweightedSum", func(t *testing.T) {
		loss, err := NewMultiTaskLoss("cross_entropy", nil, LossOptions{})
		if err != nil {
			t.Fatalf("NewMultiTaskLoss: %v", err)
		}
		res, err := loss.Compute(logits, targets)
		if err != nil {
			t.Fatalf("Compute: %v", err)
		}
		var want float64
		for _, task := range dataset.Tasks {
			rows := make([][]float32, len(targets))
			for i := range targets {
				rows[i] = targets[i][task]
			}
			ce := crossEntropyRef(logits[task], rows)
			if math.Abs(res.PerTask[task]-ce) > 1e-9 {
				t.Errorf("%s loss = %f, want %f", task, res.PerTask[task], ce)
			}
			want += ce
		}
		if math.Abs(res.Total-want) > 1e-9 {
			t.Errorf("total = %f, want %f", res.Total, want)
		}
	})

	t.Run("Weighted", func(t *testing.T) {
		plain, _ := NewMultiTaskLoss("cross_entropy", nil, LossOptions{})
		weighted, err := NewMultiTaskLoss("cross_entropy", map[string]float64{"mask": 2, "gender": 0, "age": 1}, LossOptions{})
		if err != nil {
			t.Fatalf("NewMultiTaskLoss: %v", err)
		}
		a, _ := plain.Compute(logits, targets)
		b, _ := weighted.Compute(logits, targets)
		want := 2*a.PerTask[dataset.MaskTask] + a.PerTask[dataset.AgeTask]
		if math.Abs(b.Total-want) > 1e-9 {
			t.Errorf("weighted total = %f, want %f", b.Total, want)
		}
		for _, g := range b.Grad[dataset.GenderTask] {
			for _, v := range g {
				if v != 0 {
					t.Fatalf("zero-weight head has gradient %v", g)
				}
			}
		}
		if got, want := b.Grad[dataset.MaskTask][0][0], 2*a.Grad[dataset.MaskTask][0][0]; math.Abs(float64(got-want)) > 1e-6 {
			t.Errorf("mask gradient = %f, want %f", got, want)
		}
	})

	t.Run("WeightKeys", func(t *testing.T) {
		bad := []map[string]float64{
			{"mask": 1, "gender": 1},
			{"mask": 1, "gender": 1, "age": 1, "combined": 1},
			{"mask": 1, "gender": 1, "Age": 1},
			{"mask": -1, "gender": 1, "age": 1},
		}
		for _, w := range bad {
			if _, err := NewMultiTaskLoss("cross_entropy", w, LossOptions{}); !errdefs.IsConfiguration(err) {
				t.Errorf("weights %v: expected configuration error, got %v", w, err)
			}
		}
	})

	t.Run("UnknownCriterion", func(t *testing.T) {
		if _, err := NewMultiTaskLoss("hinge", nil, LossOptions{}); !errdefs.IsConfiguration(err) {
			t.Errorf("expected configuration error, got %v", err)
		}
		if _, err := NewMultiTaskLoss("label_smoothing", nil, LossOptions{Smoothing: 1}); !errdefs.IsConfiguration(err) {
			t.Errorf("expected configuration error for smoothing 1, got %v", err)
		}
	})

	t.Run("MixedTargetsSumToOne", func(t *testing.T) {
		mixed := []dataset.Target{targets[0].Blend(targets[1], 0.3), targets[1]}
		loss, _ := NewMultiTaskLoss("cross_entropy", nil, LossOptions{})
		res, err := loss.Compute(logits, mixed)
		if err != nil {
			t.Fatalf("Compute: %v", err)
		}
		// softmax gradients of a unit-mass target sum to zero per row
		for _, task := range dataset.Tasks {
			var sum float32
			for _, v := range res.Grad[task][0] {
				sum += v
			}
			if math.Abs(float64(sum)) > 1e-6 {
				t.Errorf("%s gradient row sums to %f", task, sum)
			}
		}
	})
}
