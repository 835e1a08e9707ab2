package optimizer

import (
	"math"

	"github.com/tsawler/go-maskclf/checkpoints"
	"github.com/tsawler/go-maskclf/model"
)

// NadamOptimizerState is Adam with Nesterov momentum
type NadamOptimizerState struct {
	buffers
	config NadamConfig
}

// NadamConfig holds configuration for Nadam optimizer
type NadamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultNadamConfig returns default Nadam optimizer configuration
func DefaultNadamConfig() NadamConfig {
	return NadamConfig{
		LearningRate: 0.002,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// NewNadamOptimizer creates a new Nadam optimizer
func NewNadamOptimizer(config NadamConfig) *NadamOptimizerState {
	return &NadamOptimizerState{buffers: newBuffers("Nadam", config.LearningRate), config: config}
}

func (n *NadamOptimizerState) Step(params []*model.Parameter) error {
	if err := checkParams(params); err != nil {
		return err
	}
	n.stepCount++
	c := n.config
	t := float64(n.stepCount)
	bias1 := float32(1 - math.Pow(float64(c.Beta1), t))
	bias1Next := float32(1 - math.Pow(float64(c.Beta1), t+1))
	bias2 := float32(1 - math.Pow(float64(c.Beta2), t))

	for _, p := range params {
		m := n.slot("m", p)
		v := n.slot("v", p)
		for i, w := range p.Data {
			g := decayed(p.Grad[i], w, c.WeightDecay)
			m[i] = c.Beta1*m[i] + (1-c.Beta1)*g
			v[i] = c.Beta2*v[i] + (1-c.Beta2)*g*g
			mHat := c.Beta1*m[i]/bias1Next + (1-c.Beta1)*g/bias1
			vHat := v[i] / bias2
			p.Data[i] = w - n.lr*mHat/(float32(math.Sqrt(float64(vHat)))+c.Epsilon)
		}
	}
	return nil
}

func (n *NadamOptimizerState) GetState() *checkpoints.OptimizerState {
	return n.state(map[string]float64{
		"beta1":        float64(n.config.Beta1),
		"beta2":        float64(n.config.Beta2),
		"epsilon":      float64(n.config.Epsilon),
		"weight_decay": float64(n.config.WeightDecay),
	})
}

func (n *NadamOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	return n.load(state)
}
