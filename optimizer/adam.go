package optimizer

import (
	"math"

	"github.com/tsawler/go-maskclf/checkpoints"
	"github.com/tsawler/go-maskclf/model"
)

// AdamOptimizerState implements Adam, or AdamW when Decoupled is set
type AdamOptimizerState struct {
	buffers
	config AdamConfig
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
	// Decoupled applies weight decay directly to the weights (AdamW)
	// instead of adding it to the gradient.
	Decoupled bool
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// NewAdamOptimizer creates a new Adam optimizer
func NewAdamOptimizer(config AdamConfig) *AdamOptimizerState {
	kind := "Adam"
	if config.Decoupled {
		kind = "AdamW"
	}
	return &AdamOptimizerState{buffers: newBuffers(kind, config.LearningRate), config: config}
}

func (a *AdamOptimizerState) Step(params []*model.Parameter) error {
	if err := checkParams(params); err != nil {
		return err
	}
	a.stepCount++
	c := a.config
	t := float64(a.stepCount)
	bias1 := float32(1 - math.Pow(float64(c.Beta1), t))
	bias2 := float32(1 - math.Pow(float64(c.Beta2), t))

	for _, p := range params {
		m := a.slot("m", p)
		v := a.slot("v", p)
		for i, w := range p.Data {
			g := p.Grad[i]
			if c.Decoupled {
				w -= a.lr * c.WeightDecay * w
			} else {
				g = decayed(g, w, c.WeightDecay)
			}
			m[i] = c.Beta1*m[i] + (1-c.Beta1)*g
			v[i] = c.Beta2*v[i] + (1-c.Beta2)*g*g
			mHat := m[i] / bias1
			vHat := v[i] / bias2
			p.Data[i] = w - a.lr*mHat/(float32(math.Sqrt(float64(vHat)))+c.Epsilon)
		}
	}
	return nil
}

func (a *AdamOptimizerState) GetState() *checkpoints.OptimizerState {
	return a.state(map[string]float64{
		"beta1":        float64(a.config.Beta1),
		"beta2":        float64(a.config.Beta2),
		"epsilon":      float64(a.config.Epsilon),
		"weight_decay": float64(a.config.WeightDecay),
	})
}

func (a *AdamOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	return a.load(state)
}
