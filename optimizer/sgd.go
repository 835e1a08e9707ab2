package optimizer

import (
	"github.com/tsawler/go-maskclf/checkpoints"
	"github.com/tsawler/go-maskclf/model"
)

// SGDOptimizerState is stochastic gradient descent with optional momentum
type SGDOptimizerState struct {
	buffers
	config SGDConfig
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{LearningRate: 0.01}
}

// NewSGDOptimizer creates a new SGD optimizer
func NewSGDOptimizer(config SGDConfig) *SGDOptimizerState {
	return &SGDOptimizerState{buffers: newBuffers("SGD", config.LearningRate), config: config}
}

func (s *SGDOptimizerState) Step(params []*model.Parameter) error {
	if err := checkParams(params); err != nil {
		return err
	}
	s.stepCount++
	for _, p := range params {
		var velocity []float32
		if s.config.Momentum != 0 {
			velocity = s.slot("momentum", p)
		}
		for i, w := range p.Data {
			g := decayed(p.Grad[i], w, s.config.WeightDecay)
			if velocity != nil {
				velocity[i] = s.config.Momentum*velocity[i] + g
				if s.config.Nesterov {
					g += s.config.Momentum * velocity[i]
				} else {
					g = velocity[i]
				}
			}
			p.Data[i] = w - s.lr*g
		}
	}
	return nil
}

func (s *SGDOptimizerState) GetState() *checkpoints.OptimizerState {
	nesterov := 0.0
	if s.config.Nesterov {
		nesterov = 1
	}
	return s.state(map[string]float64{
		"momentum":     float64(s.config.Momentum),
		"weight_decay": float64(s.config.WeightDecay),
		"nesterov":     nesterov,
	})
}

func (s *SGDOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	return s.load(state)
}
