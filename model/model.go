// Package model defines the classifier capability the training loop drives
// and two small pure-Go reference architectures.
package model

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/tsawler/go-maskclf/checkpoints"
	"github.com/tsawler/go-maskclf/errdefs"
	"github.com/tsawler/go-maskclf/vision/dataset"
	"github.com/tsawler/go-maskclf/vision/preprocessing"
)

// Logits holds one [batch][classes] matrix per label head.
type Logits [dataset.NumTasks][][]float32

// BatchSize returns the number of rows of the first head.
func (l Logits) BatchSize() int { return len(l[0]) }

// Parameter is a trainable tensor and its accumulated gradient.
type Parameter struct {
	Name  string
	Shape []int
	Data  []float32
	Grad  []float32
}

func newParameter(name string, shape ...int) *Parameter {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Parameter{Name: name, Shape: shape, Data: make([]float32, n), Grad: make([]float32, n)}
}

// Classifier maps a batch of images to per-task logits and back-propagates
// logit gradients into its parameters.
type Classifier interface {
	Name() string
	Spec() checkpoints.ModelSpec
	Forward(images []*preprocessing.Image) (Logits, error)
	// Backward accumulates parameter gradients for the last Forward call.
	Backward(grad Logits) error
	Parameters() []*Parameter
	// SetTraining toggles train-time behavior such as dropout.
	SetTraining(training bool)
}

// Config describes a model to build.
type Config struct {
	Arch    string
	Width   int
	Height  int
	Hidden  int
	Dropout float64
	Seed    uint64
	// Mean and Std record the input normalization in the spec. A zero Std
	// records nothing.
	Mean, Std [3]float32
}

// Factory builds a classifier from a config.
type Factory func(Config) (Classifier, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		"BaseModel": func(c Config) (Classifier, error) { return NewBaseModel(c) },
		"MLPModel":  func(c Config) (Classifier, error) { return NewMLPModel(c) },
	}
)

// Register adds or replaces an architecture.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Names lists registered architectures in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New builds the architecture named by cfg.Arch. Names match exactly first,
// then case-insensitively.
func New(cfg Config) (Classifier, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Arch]
	if !ok {
		for name, candidate := range registry {
			if strings.EqualFold(name, cfg.Arch) {
				f, ok, cfg.Arch = candidate, true, name
				break
			}
		}
	}
	registryMu.RUnlock()
	if !ok {
		return nil, errdefs.Configuration("model.New", "unknown model %q (known: %s)", cfg.Arch, strings.Join(Names(), ", "))
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, errdefs.Configuration("model.New", "dropout must be in [0, 1), got %g", cfg.Dropout)
	}
	for c, v := range cfg.Std {
		if cfg.Std != ([3]float32{}) && !(v > 0) {
			return nil, errdefs.Configuration("model.New", "std of channel %d must be positive, got %g", c, v)
		}
	}
	return f(cfg)
}

// FromSpec rebuilds an untrained model from a checkpoint spec.
func FromSpec(spec checkpoints.ModelSpec) (Classifier, error) {
	cfg := Config{
		Arch:    spec.Arch,
		Width:   spec.InputWidth,
		Height:  spec.InputHeight,
		Hidden:  spec.Hidden,
		Dropout: spec.Dropout,
	}
	if len(spec.Mean) != 0 || len(spec.Std) != 0 {
		if len(spec.Mean) != 3 || len(spec.Std) != 3 {
			return nil, errdefs.Configuration("model.FromSpec", "normalization needs 3 channels, got mean %v std %v", spec.Mean, spec.Std)
		}
		copy(cfg.Mean[:], spec.Mean)
		copy(cfg.Std[:], spec.Std)
	}
	return New(cfg)
}

// Normalization returns the channel statistics recorded in spec, or ok
// false when it has none.
func Normalization(spec checkpoints.ModelSpec) (mean, std [3]float32, ok bool) {
	if len(spec.Mean) != 3 || len(spec.Std) != 3 {
		return mean, std, false
	}
	copy(mean[:], spec.Mean)
	copy(std[:], spec.Std)
	return mean, std, true
}

// spec fills the fields every architecture shares.
func (c Config) spec() checkpoints.ModelSpec {
	s := checkpoints.ModelSpec{
		Arch:        c.Arch,
		InputWidth:  c.Width,
		InputHeight: c.Height,
		Hidden:      c.Hidden,
		Dropout:     c.Dropout,
		NumClasses:  headSizes(),
	}
	if c.Std != ([3]float32{}) {
		s.Mean = append([]float32(nil), c.Mean[:]...)
		s.Std = append([]float32(nil), c.Std[:]...)
	}
	return s
}

// Snapshot copies the parameters of c.
func Snapshot(c Classifier) []checkpoints.WeightTensor {
	params := c.Parameters()
	out := make([]checkpoints.WeightTensor, len(params))
	for i, p := range params {
		out[i] = checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float32(nil), p.Data...),
		}
	}
	return out
}

// Restore loads weights into c by name. Every parameter must be present
// with a matching shape.
func Restore(c Classifier, weights []checkpoints.WeightTensor) error {
	byName := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	for _, p := range c.Parameters() {
		w, ok := byName[p.Name]
		if !ok {
			return errors.Errorf("missing weight %s", p.Name)
		}
		if len(w.Data) != len(p.Data) || !sameShape(w.Shape, p.Shape) {
			return errors.Errorf("weight %s has shape %v, model expects %v", p.Name, w.Shape, p.Shape)
		}
		copy(p.Data, w.Data)
	}
	return nil
}

// ZeroGrad clears accumulated gradients.
func ZeroGrad(params []*Parameter) {
	for _, p := range params {
		clear(p.Grad)
	}
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func checkGrad(grad Logits, batch int) error {
	for _, task := range dataset.Tasks {
		if len(grad[task]) != batch {
			return errors.Errorf("gradient for %s has %d rows, last forward had %d", task, len(grad[task]), batch)
		}
		for _, row := range grad[task] {
			if len(row) != task.NumClasses() {
				return errors.Errorf("gradient for %s has %d classes, want %d", task, len(row), task.NumClasses())
			}
		}
	}
	return nil
}
