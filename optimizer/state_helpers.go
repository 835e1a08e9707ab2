package optimizer

import (
	"fmt"
	"sort"

	"github.com/tsawler/go-maskclf/checkpoints"
	"github.com/tsawler/go-maskclf/model"
)

// buffers holds per-parameter state vectors by state type and parameter
// name, allocated on first use.
type buffers struct {
	kind      string
	lr        float32
	stepCount uint64
	slots     map[string]map[string][]float32
}

func newBuffers(kind string, lr float32) buffers {
	return buffers{kind: kind, lr: lr, slots: make(map[string]map[string][]float32)}
}

func (b *buffers) Name() string                  { return b.kind }
func (b *buffers) GetStepCount() uint64          { return b.stepCount }
func (b *buffers) UpdateLearningRate(lr float32) { b.lr = lr }
func (b *buffers) LearningRate() float32         { return b.lr }

func (b *buffers) slot(stateType string, p *model.Parameter) []float32 {
	m, ok := b.slots[stateType]
	if !ok {
		m = make(map[string][]float32)
		b.slots[stateType] = m
	}
	buf, ok := m[p.Name]
	if !ok || len(buf) != len(p.Data) {
		buf = make([]float32, len(p.Data))
		m[p.Name] = buf
	}
	return buf
}

func checkParams(params []*model.Parameter) error {
	for _, p := range params {
		if len(p.Grad) != len(p.Data) {
			return fmt.Errorf("parameter %s has %d values but %d gradients", p.Name, len(p.Data), len(p.Grad))
		}
	}
	return nil
}

// state exports hyperparameters and buffers in a stable order.
func (b *buffers) state(hyper map[string]float64) *checkpoints.OptimizerState {
	params := map[string]float64{
		"learning_rate": float64(b.lr),
		"step_count":    float64(b.stepCount),
	}
	for k, v := range hyper {
		params[k] = v
	}
	st := &checkpoints.OptimizerState{Type: b.kind, Parameters: params}

	types := make([]string, 0, len(b.slots))
	for t := range b.slots {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		names := make([]string, 0, len(b.slots[t]))
		for n := range b.slots[t] {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			st.StateData = append(st.StateData, checkpoints.OptimizerTensor{
				Name:      n,
				StateType: t,
				Data:      append([]float32(nil), b.slots[t][n]...),
			})
		}
	}
	return st
}

// load restores buffers and step count. Hyperparameters stay as configured
// except the learning rate, which follows the schedule that was saved.
func (b *buffers) load(state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("no optimizer state")
	}
	if err := validateStateType(b.kind, state); err != nil {
		return err
	}
	b.slots = make(map[string]map[string][]float32)
	for _, t := range state.StateData {
		m, ok := b.slots[t.StateType]
		if !ok {
			m = make(map[string][]float32)
			b.slots[t.StateType] = m
		}
		m[t.Name] = append([]float32(nil), t.Data...)
	}
	b.stepCount = extractUint64Param(state.Parameters, "step_count", 0)
	b.lr = extractFloat32Param(state.Parameters, "learning_rate", b.lr)
	return nil
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// extractFloat32Param safely extracts a float32 parameter from the state map
func extractFloat32Param(params map[string]float64, key string, defaultValue float32) float32 {
	if val, ok := params[key]; ok {
		return float32(val)
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]float64, key string, defaultValue uint64) uint64 {
	if val, ok := params[key]; ok {
		return uint64(val)
	}
	return defaultValue
}

// decayed returns the gradient with L2 weight decay folded in.
func decayed(g, w, weightDecay float32) float32 {
	if weightDecay != 0 {
		return g + weightDecay*w
	}
	return g
}
