package model

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"github.com/tsawler/go-maskclf/checkpoints"
	"github.com/tsawler/go-maskclf/vision/dataset"
	"github.com/tsawler/go-maskclf/vision/preprocessing"
)

// BaseModel average-pools each image to a fixed grid and feeds the pooled
// pixels, after dropout, to one linear head per task.
type BaseModel struct {
	cfg      Config
	heads    [dataset.NumTasks]*dense
	rng      *rand.Rand
	training bool

	input [][]float32
	mask  [][]float32
}

// NewBaseModel builds a BaseModel with seeded initial weights.
func NewBaseModel(cfg Config) (*BaseModel, error) {
	cfg.Arch, cfg.Hidden = "BaseModel", 0
	rng := rand.New(rand.NewPCG(cfg.Seed, 0xba5e))
	m := &BaseModel{cfg: cfg, rng: rng}
	for _, task := range dataset.Tasks {
		m.heads[task] = newDense(task.String(), numFeatures, task.NumClasses(), rng)
	}
	return m, nil
}

func (m *BaseModel) Name() string { return m.cfg.Arch }

func (m *BaseModel) Spec() checkpoints.ModelSpec {
	return m.cfg.spec()
}

func (m *BaseModel) SetTraining(training bool) { m.training = training }

func (m *BaseModel) Parameters() []*Parameter {
	var params []*Parameter
	for _, h := range m.heads {
		params = append(params, h.w, h.b)
	}
	return params
}

func (m *BaseModel) Forward(images []*preprocessing.Image) (Logits, error) {
	if len(images) == 0 {
		return Logits{}, errors.New("empty batch")
	}
	x := make([][]float32, len(images))
	for i, img := range images {
		x[i] = poolFeatures(img)
	}
	m.mask = nil
	if m.training && m.cfg.Dropout > 0 {
		m.mask = dropoutMask(m.rng, len(x), numFeatures, m.cfg.Dropout)
		x = applyMask(x, m.mask)
	}
	m.input = x

	var out Logits
	for _, task := range dataset.Tasks {
		out[task] = m.heads[task].forward(x)
	}
	return out, nil
}

func (m *BaseModel) Backward(grad Logits) error {
	if m.input == nil {
		return errors.New("backward called before forward")
	}
	if err := checkGrad(grad, len(m.input)); err != nil {
		return err
	}
	for _, task := range dataset.Tasks {
		m.heads[task].backward(m.input, grad[task])
	}
	return nil
}

func headSizes() []int {
	sizes := make([]int, len(dataset.Tasks))
	for i, task := range dataset.Tasks {
		sizes[i] = task.NumClasses()
	}
	return sizes
}
