package training

import (
	"math"
	"testing"

	"github.com/tsawler/go-maskclf/errdefs"
)

func TestStepLR(t *testing.T) {
	scheduler, err := NewScheduler("step", 2, 0.1, 10)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	baseLR := 0.1

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.1},
		{2, 0.01},
		{3, 0.01},
		{4, 0.001},
		{6, 0.0001},
	}

	for _, tt := range tests {
		lr := scheduler.GetLR(tt.epoch, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-10 {
			t.Errorf("Epoch %d: expected LR %g, got %g", tt.epoch, tt.expectedLR, lr)
		}
	}
}

func TestExponentialLR(t *testing.T) {
	scheduler := &ExponentialLR{Gamma: 0.9}
	for epoch, want := range []float64{0.1, 0.09, 0.081, 0.0729} {
		if lr := scheduler.GetLR(epoch, 0.1); math.Abs(lr-want) > 1e-10 {
			t.Errorf("Epoch %d: expected LR %g, got %g", epoch, want, lr)
		}
	}
}

func TestCosineAnnealingLR(t *testing.T) {
	scheduler := &CosineAnnealingLR{TMax: 4, EtaMin: 0.001}
	baseLR := 0.01

	if lr := scheduler.GetLR(0, baseLR); math.Abs(lr-baseLR) > 1e-12 {
		t.Errorf("epoch 0: expected %g, got %g", baseLR, lr)
	}
	if lr, want := scheduler.GetLR(2, baseLR), (baseLR+0.001)/2; math.Abs(lr-want) > 1e-12 {
		t.Errorf("midpoint: expected %g, got %g", want, lr)
	}
	if lr := scheduler.GetLR(10, baseLR); lr != 0.001 {
		t.Errorf("past TMax: expected eta min, got %g", lr)
	}
	prev := baseLR + 1
	for epoch := 0; epoch <= 4; epoch++ {
		lr := scheduler.GetLR(epoch, baseLR)
		if lr > prev {
			t.Fatalf("cosine schedule increased at epoch %d", epoch)
		}
		prev = lr
	}
}

func TestReduceLROnPlateau(t *testing.T) {
	s := &ReduceLROnPlateau{Factor: 0.5, Patience: 2, Threshold: 0}
	if lr := s.GetLR(0, 1); lr != 1 {
		t.Fatalf("initial LR = %g", lr)
	}

	s.Observe(1.0)
	s.Observe(0.9)
	if lr := s.GetLR(2, 1); lr != 1 {
		t.Errorf("LR reduced while improving: %g", lr)
	}
	s.Observe(0.95)
	s.Observe(0.95)
	if lr := s.GetLR(4, 1); lr != 0.5 {
		t.Errorf("expected one reduction, got %g", lr)
	}
	s.Observe(0.95)
	s.Observe(0.95)
	if lr := s.GetLR(6, 1); lr != 0.25 {
		t.Errorf("expected two reductions, got %g", lr)
	}
}

func TestNewScheduler(t *testing.T) {
	for _, name := range []string{"", "none", "constant"} {
		s, err := NewScheduler(name, 0, 0, 1)
		if err != nil {
			t.Fatalf("NewScheduler(%q): %v", name, err)
		}
		if lr := s.GetLR(100, 0.3); lr != 0.3 {
			t.Errorf("%q changed the rate to %g", name, lr)
		}
	}

	bad := []struct {
		name  string
		step  int
		gamma float64
	}{
		{"warmup", 1, 0.5},
		{"step", 0, 0.5},
		{"step", 1, 0},
		{"exponential", 1, 1.5},
		{"plateau", 0, 0.5},
	}
	for _, tt := range bad {
		if _, err := NewScheduler(tt.name, tt.step, tt.gamma, 5); !errdefs.IsConfiguration(err) {
			t.Errorf("NewScheduler(%q, %d, %g): expected configuration error, got %v", tt.name, tt.step, tt.gamma, err)
		}
	}

	if _, ok := mustScheduler(t, "plateau").(MetricScheduler); !ok {
		t.Error("plateau scheduler should observe metrics")
	}
	if got := mustScheduler(t, "StepLR").Name(); got != "StepLR" {
		t.Errorf("Name = %q", got)
	}
}

func mustScheduler(t *testing.T, name string) LRScheduler {
	t.Helper()
	s, err := NewScheduler(name, 3, 0.5, 10)
	if err != nil {
		t.Fatalf("NewScheduler(%q): %v", name, err)
	}
	return s
}
