package optimizer

import (
	"math"

	"github.com/tsawler/go-maskclf/checkpoints"
	"github.com/tsawler/go-maskclf/model"
)

// AdaGradOptimizerState adapts the step size by the accumulated squared
// gradients
type AdaGradOptimizerState struct {
	buffers
	config AdaGradConfig
}

// AdaGradConfig holds configuration for AdaGrad optimizer
type AdaGradConfig struct {
	LearningRate float32 // Learning rate
	Epsilon      float32 // Small constant for numerical stability
	WeightDecay  float32 // L2 regularization strength
}

// DefaultAdaGradConfig returns default AdaGrad optimizer configuration
func DefaultAdaGradConfig() AdaGradConfig {
	return AdaGradConfig{
		LearningRate: 0.01,
		Epsilon:      1e-10,
	}
}

// NewAdaGradOptimizer creates a new AdaGrad optimizer
func NewAdaGradOptimizer(config AdaGradConfig) *AdaGradOptimizerState {
	return &AdaGradOptimizerState{buffers: newBuffers("AdaGrad", config.LearningRate), config: config}
}

func (a *AdaGradOptimizerState) Step(params []*model.Parameter) error {
	if err := checkParams(params); err != nil {
		return err
	}
	a.stepCount++
	for _, p := range params {
		sum := a.slot("squared_grad_sum", p)
		for i, w := range p.Data {
			g := decayed(p.Grad[i], w, a.config.WeightDecay)
			sum[i] += g * g
			p.Data[i] = w - a.lr*g/(float32(math.Sqrt(float64(sum[i])))+a.config.Epsilon)
		}
	}
	return nil
}

func (a *AdaGradOptimizerState) GetState() *checkpoints.OptimizerState {
	return a.state(map[string]float64{
		"epsilon":      float64(a.config.Epsilon),
		"weight_decay": float64(a.config.WeightDecay),
	})
}

func (a *AdaGradOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	return a.load(state)
}
