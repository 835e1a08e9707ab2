package optimizer

import (
	"math"

	"github.com/tsawler/go-maskclf/checkpoints"
	"github.com/tsawler/go-maskclf/model"
)

// RMSPropOptimizerState scales updates by a running average of squared
// gradients
type RMSPropOptimizerState struct {
	buffers
	config RMSPropConfig
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float32
	Alpha        float32
	Epsilon      float32
	WeightDecay  float32
	Momentum     float32
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
	}
}

// NewRMSPropOptimizer creates a new RMSProp optimizer
func NewRMSPropOptimizer(config RMSPropConfig) *RMSPropOptimizerState {
	return &RMSPropOptimizerState{buffers: newBuffers("RMSProp", config.LearningRate), config: config}
}

func (r *RMSPropOptimizerState) Step(params []*model.Parameter) error {
	if err := checkParams(params); err != nil {
		return err
	}
	r.stepCount++
	c := r.config
	for _, p := range params {
		sq := r.slot("squared_grad_avg", p)
		var gAvg, buf []float32
		if c.Centered {
			gAvg = r.slot("grad_avg", p)
		}
		if c.Momentum > 0 {
			buf = r.slot("momentum", p)
		}
		for i, w := range p.Data {
			g := decayed(p.Grad[i], w, c.WeightDecay)
			sq[i] = c.Alpha*sq[i] + (1-c.Alpha)*g*g
			avg := sq[i]
			if gAvg != nil {
				gAvg[i] = c.Alpha*gAvg[i] + (1-c.Alpha)*g
				avg -= gAvg[i] * gAvg[i]
			}
			denom := float32(math.Sqrt(float64(max(avg, 0)))) + c.Epsilon
			if buf != nil {
				buf[i] = c.Momentum*buf[i] + g/denom
				p.Data[i] = w - r.lr*buf[i]
			} else {
				p.Data[i] = w - r.lr*g/denom
			}
		}
	}
	return nil
}

func (r *RMSPropOptimizerState) GetState() *checkpoints.OptimizerState {
	centered := 0.0
	if r.config.Centered {
		centered = 1
	}
	return r.state(map[string]float64{
		"alpha":        float64(r.config.Alpha),
		"epsilon":      float64(r.config.Epsilon),
		"weight_decay": float64(r.config.WeightDecay),
		"momentum":     float64(r.config.Momentum),
		"centered":     centered,
	})
}

func (r *RMSPropOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	return r.load(state)
}
