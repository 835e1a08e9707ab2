package training

import (
	"math"
	"sort"
	"strings"

	"github.com/tsawler/go-maskclf/errdefs"
)

// LRScheduler maps an epoch to a learning rate. Implementations are pure
// except ReduceLROnPlateau, which also tracks the monitored metric.
type LRScheduler interface {
	// GetLR returns the learning rate for the zero-based epoch.
	GetLR(epoch int, baseLR float64) float64
	Name() string
}

// MetricScheduler is implemented by schedulers that react to validation
// results. The trainer calls Observe once per epoch.
type MetricScheduler interface {
	LRScheduler
	Observe(metric float64)
}

// StepLR multiplies the rate by Gamma every StepSize epochs.
type StepLR struct {
	StepSize int
	Gamma    float64
}

func (s *StepLR) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLR) Name() string { return "StepLR" }

// ExponentialLR multiplies the rate by Gamma every epoch.
type ExponentialLR struct {
	Gamma float64
}

func (s *ExponentialLR) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLR) Name() string { return "ExponentialLR" }

// CosineAnnealingLR anneals from the base rate to EtaMin over TMax epochs.
type CosineAnnealingLR struct {
	TMax   int
	EtaMin float64
}

func (s *CosineAnnealingLR) GetLR(epoch int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLR) Name() string { return "CosineAnnealingLR" }

// ReduceLROnPlateau scales the rate by Factor after Patience epochs without
// the validation loss improving by more than Threshold.
type ReduceLROnPlateau struct {
	Factor    float64
	Patience  int
	Threshold float64

	best      float64
	badEpochs int
	scale     float64
	seen      bool
}

func (s *ReduceLROnPlateau) Observe(metric float64) {
	if s.scale == 0 {
		s.scale = 1
	}
	if !s.seen || metric < s.best-s.Threshold {
		s.best, s.badEpochs, s.seen = metric, 0, true
		return
	}
	s.badEpochs++
	if s.badEpochs >= s.Patience {
		s.scale *= s.Factor
		s.badEpochs = 0
	}
}

func (s *ReduceLROnPlateau) GetLR(epoch int, baseLR float64) float64 {
	if s.scale == 0 {
		return baseLR
	}
	return baseLR * s.scale
}

func (s *ReduceLROnPlateau) Name() string { return "ReduceLROnPlateau" }

// ConstantLR keeps the base rate.
type ConstantLR struct{}

func (ConstantLR) GetLR(epoch int, baseLR float64) float64 { return baseLR }

func (ConstantLR) Name() string { return "ConstantLR" }

var schedulerNames = map[string]string{
	"step":        "step",
	"steplr":      "step",
	"exponential": "exponential",
	"exp":         "exponential",
	"cosine":      "cosine",
	"plateau":     "plateau",
	"none":        "none",
	"constant":    "none",
	"":            "none",
}

// SchedulerNames lists the accepted scheduler names.
func SchedulerNames() []string {
	var names []string
	seen := map[string]bool{}
	for _, canonical := range schedulerNames {
		if canonical != "" && !seen[canonical] {
			seen[canonical] = true
			names = append(names, canonical)
		}
	}
	sort.Strings(names)
	return names
}

// NewScheduler builds a scheduler by name. step and gamma parameterize the
// step and exponential schedules and the plateau patience and factor;
// epochs bounds the cosine schedule.
func NewScheduler(name string, step int, gamma float64, epochs int) (LRScheduler, error) {
	kind, ok := schedulerNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, errdefs.Configuration("training.NewScheduler", "unknown scheduler %q (have %v)", name, SchedulerNames())
	}
	needGamma := kind == "step" || kind == "exponential" || kind == "plateau"
	if needGamma && (gamma <= 0 || gamma > 1) {
		return nil, errdefs.Configuration("training.NewScheduler", "lr_gamma must be in (0, 1], got %g", gamma)
	}
	switch kind {
	case "step":
		if step <= 0 {
			return nil, errdefs.Configuration("training.NewScheduler", "lr_decay_step must be positive, got %d", step)
		}
		return &StepLR{StepSize: step, Gamma: gamma}, nil
	case "exponential":
		return &ExponentialLR{Gamma: gamma}, nil
	case "cosine":
		if epochs <= 0 {
			return nil, errdefs.Configuration("training.NewScheduler", "epochs must be positive, got %d", epochs)
		}
		return &CosineAnnealingLR{TMax: epochs}, nil
	case "plateau":
		if step <= 0 {
			return nil, errdefs.Configuration("training.NewScheduler", "lr_decay_step must be positive, got %d", step)
		}
		return &ReduceLROnPlateau{Factor: gamma, Patience: step, Threshold: 1e-4}, nil
	}
	return ConstantLR{}, nil
}
