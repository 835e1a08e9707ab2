package training

import (
	"math"
	"testing"

	"github.com/tsawler/go-maskclf/errdefs"
)

func TestEarlyStopping(t *testing.T) {
	t.Run("MonotonicNeverStops", func(t *testing.T) {
		e, err := NewEarlyStopping(Min, 2, 0)
		if err != nil {
			t.Fatalf("NewEarlyStopping: %v", err)
		}
		for epoch := 1; epoch <= 50; epoch++ {
			d, err := e.Observe(epoch, 1/float64(epoch))
			if err != nil {
				t.Fatalf("Observe: %v", err)
			}
			if d.State != Improved || !d.Save {
				t.Fatalf("epoch %d: state %s save %v", epoch, d.State, d.Save)
			}
		}
	})

	t.Run("FlatStopsAtPatiencePlusOne", func(t *testing.T) {
		for _, patience := range []int{1, 3, 5} {
			e, _ := NewEarlyStopping(Min, patience, 0)
			for epoch := 1; epoch <= patience+1; epoch++ {
				d, err := e.Observe(epoch, 0.5)
				if err != nil {
					t.Fatalf("Observe: %v", err)
				}
				switch {
				case epoch == 1 && d.State != Improved:
					t.Fatalf("patience %d: first observation should improve on +Inf", patience)
				case epoch > 1 && epoch <= patience && d.State != Waiting:
					t.Fatalf("patience %d: epoch %d state %s, want WAITING", patience, epoch, d.State)
				case epoch == patience+1 && d.State != Stopped:
					t.Fatalf("patience %d: epoch %d state %s, want STOPPED", patience, epoch, d.State)
				}
			}
		}
	})

	t.Run("StoppedIsTerminal", func(t *testing.T) {
		e, _ := NewEarlyStopping(Max, 1, 0)
		e.Observe(1, 0.5)
		e.Observe(2, 0.4)
		if e.State() != Stopped {
			t.Fatalf("state %s, want STOPPED", e.State())
		}
		d, err := e.Observe(3, 0.9)
		if err == nil || d.State != Stopped {
			t.Errorf("observe after stop: state %s err %v", d.State, err)
		}
		if e.History().Len() != 2 {
			t.Errorf("history recorded an observation after stop")
		}
	})

	t.Run("MinDelta", func(t *testing.T) {
		e, _ := NewEarlyStopping(Max, 10, 0.05)
		e.Observe(1, 0.50)
		if d, _ := e.Observe(2, 0.54); d.State != Waiting || d.Save {
			t.Errorf("improvement within min_delta counted: %+v", d)
		}
		if d, _ := e.Observe(3, 0.56); d.State != Improved || d.Best != 0.56 {
			t.Errorf("improvement beyond min_delta missed: %+v", d)
		}
		if e.Stalled() != 0 {
			t.Errorf("stall counter not reset: %d", e.Stalled())
		}
	})

	t.Run("InitialBest", func(t *testing.T) {
		lo, _ := NewEarlyStopping(Min, 1, 0)
		hi, _ := NewEarlyStopping(Max, 1, 0)
		if !math.IsInf(lo.Best(), 1) || !math.IsInf(hi.Best(), -1) {
			t.Errorf("initial best = %f, %f", lo.Best(), hi.Best())
		}
	})

	t.Run("ZeroPatienceNeverStops", func(t *testing.T) {
		e, _ := NewEarlyStopping(Min, 0, 0)
		for epoch := 1; epoch <= 20; epoch++ {
			if d, _ := e.Observe(epoch, 1); d.State == Stopped {
				t.Fatalf("stopped at epoch %d with patience 0", epoch)
			}
		}
	})

	t.Run("Reset", func(t *testing.T) {
		e, _ := NewEarlyStopping(Min, 1, 0)
		e.Observe(1, 1)
		e.Observe(2, 1)
		e.Reset()
		if e.State() != Waiting || e.History().Len() != 0 || !math.IsInf(e.Best(), 1) {
			t.Errorf("reset left state %s, %d entries, best %f", e.State(), e.History().Len(), e.Best())
		}
		if d, err := e.Observe(1, 2); err != nil || d.State != Improved {
			t.Errorf("fresh run: %+v %v", d, err)
		}
	})

	t.Run("SeedBest", func(t *testing.T) {
		e, _ := NewEarlyStopping(Max, 2, 0)
		e.SeedBest(0.8)
		if d, _ := e.Observe(3, 0.7); d.State != Waiting || d.Save || d.Best != 0.8 {
			t.Errorf("worse than seeded best: %+v", d)
		}
		if d, _ := e.Observe(4, 0.85); d.State != Improved || !d.Save {
			t.Errorf("better than seeded best: %+v", d)
		}
	})

	t.Run("Errors", func(t *testing.T) {
		if _, err := NewEarlyStopping(Min, -1, 0); !errdefs.IsConfiguration(err) {
			t.Errorf("expected configuration error for negative patience, got %v", err)
		}
		if _, err := NewEarlyStopping(Min, 1, -0.1); !errdefs.IsConfiguration(err) {
			t.Errorf("expected configuration error for negative min_delta, got %v", err)
		}
		e, _ := NewEarlyStopping(Min, 3, 0)
		e.Observe(2, 1)
		if _, err := e.Observe(2, 0.5); err == nil {
			t.Error("expected error for a repeated epoch")
		}
		if _, err := e.Observe(3, math.NaN()); err == nil {
			t.Error("expected error for NaN")
		}
	})
}

func TestParseMonitor(t *testing.T) {
	tests := []struct {
		in   string
		name string
		mode Mode
	}{
		{"", "val_loss", Min},
		{"val_loss", "val_loss", Min},
		{"VAL_ACC", "val_acc", Max},
		{"f1", "val_f1", Max},
	}
	for _, tt := range tests {
		m, err := ParseMonitor(tt.in)
		if err != nil {
			t.Fatalf("ParseMonitor(%q): %v", tt.in, err)
		}
		if m.Name != tt.name || m.Mode != tt.mode {
			t.Errorf("ParseMonitor(%q) = %+v", tt.in, m)
		}
	}
	if _, err := ParseMonitor("val_auc"); !errdefs.IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}

	r := EpochResult{ValLoss: 0.3, Val: Summary{Accuracy: 0.8, F1: 0.7}}
	if v := (Monitor{Name: "val_f1"}).Value(r); v != 0.7 {
		t.Errorf("val_f1 value = %f", v)
	}
	if v := (Monitor{Name: "val_loss"}).Value(r); v != 0.3 {
		t.Errorf("val_loss value = %f", v)
	}
}
