package model

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"github.com/tsawler/go-maskclf/checkpoints"
	"github.com/tsawler/go-maskclf/vision/dataset"
	"github.com/tsawler/go-maskclf/vision/preprocessing"
)

// DefaultHidden is the MLPModel hidden width when the config leaves it unset.
const DefaultHidden = 64

// MLPModel shares one ReLU hidden layer between the task heads.
type MLPModel struct {
	cfg      Config
	hidden   *dense
	heads    [dataset.NumTasks]*dense
	rng      *rand.Rand
	training bool

	input  [][]float32
	active [][]float32 // hidden activations after ReLU and dropout
	relu   [][]float32 // hidden pre-activations
	mask   [][]float32
}

func NewMLPModel(cfg Config) (*MLPModel, error) {
	cfg.Arch = "MLPModel"
	if cfg.Hidden == 0 {
		cfg.Hidden = DefaultHidden
	}
	if cfg.Hidden < 0 {
		return nil, errors.Errorf("hidden width must be positive, got %d", cfg.Hidden)
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, 0x3e1f))
	m := &MLPModel{cfg: cfg, rng: rng}
	m.hidden = newDense("hidden", numFeatures, cfg.Hidden, rng)
	for _, task := range dataset.Tasks {
		m.heads[task] = newDense(task.String(), cfg.Hidden, task.NumClasses(), rng)
	}
	return m, nil
}

func (m *MLPModel) Name() string { return m.cfg.Arch }

func (m *MLPModel) Spec() checkpoints.ModelSpec {
	return m.cfg.spec()
}

func (m *MLPModel) SetTraining(training bool) { m.training = training }

func (m *MLPModel) Parameters() []*Parameter {
	params := []*Parameter{m.hidden.w, m.hidden.b}
	for _, h := range m.heads {
		params = append(params, h.w, h.b)
	}
	return params
}

func (m *MLPModel) Forward(images []*preprocessing.Image) (Logits, error) {
	if len(images) == 0 {
		return Logits{}, errors.New("empty batch")
	}
	x := make([][]float32, len(images))
	for i, img := range images {
		x[i] = poolFeatures(img)
	}
	m.input = x

	pre := m.hidden.forward(x)
	h := make([][]float32, len(pre))
	for n, row := range pre {
		r := make([]float32, len(row))
		for i, v := range row {
			if v > 0 {
				r[i] = v
			}
		}
		h[n] = r
	}
	m.relu = pre
	m.mask = nil
	if m.training && m.cfg.Dropout > 0 {
		m.mask = dropoutMask(m.rng, len(h), m.cfg.Hidden, m.cfg.Dropout)
		h = applyMask(h, m.mask)
	}
	m.active = h

	var out Logits
	for _, task := range dataset.Tasks {
		out[task] = m.heads[task].forward(h)
	}
	return out, nil
}

func (m *MLPModel) Backward(grad Logits) error {
	if m.input == nil {
		return errors.New("backward called before forward")
	}
	if err := checkGrad(grad, len(m.input)); err != nil {
		return err
	}
	gh := make([][]float32, len(m.input))
	for n := range gh {
		gh[n] = make([]float32, m.cfg.Hidden)
	}
	for _, task := range dataset.Tasks {
		gi := m.heads[task].backward(m.active, grad[task])
		for n, row := range gi {
			for i, v := range row {
				gh[n][i] += v
			}
		}
	}
	for n, row := range gh {
		for i := range row {
			if m.mask != nil {
				row[i] *= m.mask[n][i]
			}
			if m.relu[n][i] <= 0 {
				row[i] = 0
			}
		}
	}
	m.hidden.backward(m.input, gh)
	return nil
}
