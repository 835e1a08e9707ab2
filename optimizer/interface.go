// Package optimizer updates model parameters from their accumulated
// gradients.
package optimizer

import (
	"sort"
	"strings"

	"github.com/tsawler/go-maskclf/checkpoints"
	"github.com/tsawler/go-maskclf/errdefs"
	"github.com/tsawler/go-maskclf/model"
)

// Optimizer defines the common interface for all optimizers
type Optimizer interface {
	// Name returns the optimizer type, e.g. "SGD".
	Name() string

	// Step applies one update to params using their Grad fields.
	Step(params []*model.Parameter) error

	// GetState extracts optimizer state for checkpointing
	GetState() *checkpoints.OptimizerState

	// LoadState restores optimizer state from checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// LearningRate returns the current learning rate
	LearningRate() float32
}

var constructors = map[string]func(lr, weightDecay float32) Optimizer{
	"sgd": func(lr, wd float32) Optimizer {
		return NewSGDOptimizer(SGDConfig{LearningRate: lr, Momentum: 0.9, WeightDecay: wd})
	},
	"adam": func(lr, wd float32) Optimizer {
		c := DefaultAdamConfig()
		c.LearningRate, c.WeightDecay = lr, wd
		return NewAdamOptimizer(c)
	},
	"adamw": func(lr, wd float32) Optimizer {
		c := DefaultAdamConfig()
		c.LearningRate, c.WeightDecay, c.Decoupled = lr, wd, true
		return NewAdamOptimizer(c)
	},
	"rmsprop": func(lr, wd float32) Optimizer {
		c := DefaultRMSPropConfig()
		c.LearningRate, c.WeightDecay = lr, wd
		return NewRMSPropOptimizer(c)
	},
	"adagrad": func(lr, wd float32) Optimizer {
		c := DefaultAdaGradConfig()
		c.LearningRate, c.WeightDecay = lr, wd
		return NewAdaGradOptimizer(c)
	},
	"adadelta": func(lr, wd float32) Optimizer {
		c := DefaultAdaDeltaConfig()
		c.LearningRate, c.WeightDecay = lr, wd
		return NewAdaDeltaOptimizer(c)
	},
	"nadam": func(lr, wd float32) Optimizer {
		c := DefaultNadamConfig()
		c.LearningRate, c.WeightDecay = lr, wd
		return NewNadamOptimizer(c)
	},
}

// New builds an optimizer by case-insensitive name with the given learning
// rate and L2 weight decay. SGD uses momentum 0.9.
func New(name string, lr, weightDecay float32) (Optimizer, error) {
	ctor, ok := constructors[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, errdefs.Configuration("optimizer.New", "unknown optimizer %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	if lr <= 0 {
		return nil, errdefs.Configuration("optimizer.New", "learning rate must be positive, got %g", lr)
	}
	if weightDecay < 0 {
		return nil, errdefs.Configuration("optimizer.New", "weight decay cannot be negative, got %g", weightDecay)
	}
	return ctor(lr, weightDecay), nil
}

// Names lists the known optimizer names.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for n := range constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
