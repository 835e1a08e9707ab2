package inference

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-maskclf/checkpoints"
	"github.com/tsawler/go-maskclf/errdefs"
	"github.com/tsawler/go-maskclf/model"
	"github.com/tsawler/go-maskclf/vision/augmentation"
	"github.com/tsawler/go-maskclf/vision/dataset"
	"github.com/tsawler/go-maskclf/vision/preprocessing"
	"k8s.io/klog/v2"
)

// Prediction is the decoded output for one image.
type Prediction struct {
	ImageID string
	Labels  dataset.LabelSet
}

// Config controls batching of a Generator.
type Config struct {
	BatchSize int
	Workers   int
	Mean, Std [3]float32
}

// DefaultConfig matches the validation batch size used in training and
// normalizes the way the checkpoint was trained.
func DefaultConfig() Config {
	return Config{BatchSize: 1000, Workers: 4}
}

// LoadClassifier rebuilds the architecture stored in the checkpoint at path
// and restores its weights.
func LoadClassifier(path string, format checkpoints.CheckpointFormat) (model.Classifier, *checkpoints.Checkpoint, error) {
	ckpt, err := checkpoints.NewCheckpointSaver(format).LoadCheckpoint(path)
	if err != nil {
		return nil, nil, err
	}
	m, err := model.FromSpec(ckpt.ModelSpec)
	if err != nil {
		return nil, nil, errdefs.CheckpointIO("rebuild", path, err)
	}
	if err := model.Restore(m, ckpt.Weights); err != nil {
		return nil, nil, errdefs.CheckpointIO("restore", path, err)
	}
	return m, ckpt, nil
}

// Generator predicts labels with a trained classifier.
type Generator struct {
	model     model.Classifier
	transform *augmentation.Pipeline
	cfg       Config
}

// NewGenerator prepares m for evaluation. Images are resized to the input
// size recorded in the model spec. A zero Std selects the normalization
// recorded in the spec, or the dataset statistics when it has none.
func NewGenerator(m model.Classifier, cfg Config) (*Generator, error) {
	if cfg.BatchSize <= 0 {
		return nil, errdefs.Configuration("inference.NewGenerator", "batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	spec := m.Spec()
	if cfg.Std == ([3]float32{}) {
		var ok bool
		if cfg.Mean, cfg.Std, ok = model.Normalization(spec); !ok {
			cfg.Mean, cfg.Std = preprocessing.DefaultMean, preprocessing.DefaultStd
		}
	}
	transform, err := augmentation.Lookup("valid", augmentation.Options{
		Width:  spec.InputWidth,
		Height: spec.InputHeight,
		Mean:   cfg.Mean,
		Std:    cfg.Std,
	})
	if err != nil {
		return nil, err
	}
	return &Generator{model: m, transform: transform, cfg: cfg}, nil
}

// Normalization returns the channel statistics applied to every image.
func (g *Generator) Normalization() (mean, std [3]float32) {
	return g.cfg.Mean, g.cfg.Std
}

// Predict returns one prediction per ref in input order. Any image that
// cannot be read aborts the run with a DataLoadError.
func (g *Generator) Predict(ctx context.Context, refs []ImageRef) ([]Prediction, error) {
	g.model.SetTraining(false)
	start := time.Now()

	preds := make([]Prediction, 0, len(refs))
	for lo := 0; lo < len(refs); lo += g.cfg.BatchSize {
		hi := min(lo+g.cfg.BatchSize, len(refs))
		batch, err := g.predictBatch(ctx, refs[lo:hi])
		if err != nil {
			return nil, err
		}
		preds = append(preds, batch...)
		klog.V(1).InfoS("Predicted batch", "done", hi, "total", len(refs))
	}
	klog.InfoS("Inference done", "images", len(preds), "elapsed", time.Since(start))
	return preds, nil
}

func (g *Generator) predictBatch(ctx context.Context, refs []ImageRef) ([]Prediction, error) {
	paths := make([]string, len(refs))
	for i, r := range refs {
		paths[i] = r.Path
	}
	images, err := preprocessing.LoadBatch(ctx, paths, g.cfg.Workers)
	if err != nil {
		if errdefs.IsDataLoad(err) {
			return nil, err
		}
		return nil, errdefs.DataLoad("inference.Predict", err, "load batch")
	}
	for i, img := range images {
		if images[i], err = g.transform.Apply(img, nil); err != nil {
			return nil, errdefs.DataLoad("inference.Predict", err, "transform %s", refs[i].Path)
		}
	}

	logits, err := g.model.Forward(images)
	if err != nil {
		return nil, errors.Wrap(err, "forward")
	}
	preds := make([]Prediction, len(refs))
	for i, r := range refs {
		var codes [dataset.NumTasks]int
		for _, task := range dataset.Tasks {
			codes[task] = argmax(logits[task][i])
		}
		labels, err := dataset.LabelSetFromCodes(codes)
		if err != nil {
			return nil, err
		}
		preds[i] = Prediction{ImageID: r.ID, Labels: labels}
	}
	return preds, nil
}

func argmax(row []float32) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}
