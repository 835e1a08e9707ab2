package optimizer

import (
	"math"

	"github.com/tsawler/go-maskclf/checkpoints"
	"github.com/tsawler/go-maskclf/model"
)

// AdaDeltaOptimizerState uses running averages of squared gradients and
// squared updates
type AdaDeltaOptimizerState struct {
	buffers
	config AdaDeltaConfig
}

// AdaDeltaConfig holds configuration for AdaDelta optimizer
type AdaDeltaConfig struct {
	LearningRate float32
	Rho          float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdaDeltaConfig returns default AdaDelta optimizer configuration
func DefaultAdaDeltaConfig() AdaDeltaConfig {
	return AdaDeltaConfig{
		LearningRate: 1.0,
		Rho:          0.9,
		Epsilon:      1e-6,
	}
}

// NewAdaDeltaOptimizer creates a new AdaDelta optimizer
func NewAdaDeltaOptimizer(config AdaDeltaConfig) *AdaDeltaOptimizerState {
	return &AdaDeltaOptimizerState{buffers: newBuffers("AdaDelta", config.LearningRate), config: config}
}

func (a *AdaDeltaOptimizerState) Step(params []*model.Parameter) error {
	if err := checkParams(params); err != nil {
		return err
	}
	a.stepCount++
	c := a.config
	for _, p := range params {
		sq := a.slot("squared_grad_avg", p)
		delta := a.slot("squared_delta_avg", p)
		for i, w := range p.Data {
			g := decayed(p.Grad[i], w, c.WeightDecay)
			sq[i] = c.Rho*sq[i] + (1-c.Rho)*g*g
			update := float32(math.Sqrt(float64(delta[i]+c.Epsilon))/math.Sqrt(float64(sq[i]+c.Epsilon))) * g
			delta[i] = c.Rho*delta[i] + (1-c.Rho)*update*update
			p.Data[i] = w - a.lr*update
		}
	}
	return nil
}

func (a *AdaDeltaOptimizerState) GetState() *checkpoints.OptimizerState {
	return a.state(map[string]float64{
		"rho":          float64(a.config.Rho),
		"epsilon":      float64(a.config.Epsilon),
		"weight_decay": float64(a.config.WeightDecay),
	})
}

func (a *AdaDeltaOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	return a.load(state)
}
