package training

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/go-maskclf/errdefs"
)

// StopState is the state of an EarlyStopping monitor.
type StopState int

const (
	Waiting StopState = iota
	Improved
	Stopped
)

func (s StopState) String() string {
	switch s {
	case Waiting:
		return "WAITING"
	case Improved:
		return "IMPROVED"
	case Stopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("StopState(%d)", int(s))
	}
}

// Mode tells whether lower or higher metric values are better.
type Mode int

const (
	Min Mode = iota
	Max
)

func (m Mode) String() string {
	if m == Max {
		return "max"
	}
	return "min"
}

// Monitor names the validation metric that drives early stopping and
// best-checkpoint selection.
type Monitor struct {
	Name string
	Mode Mode
}

// ParseMonitor accepts val_loss, val_acc and val_f1.
func ParseMonitor(name string) (Monitor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "val_loss", "loss":
		return Monitor{Name: "val_loss", Mode: Min}, nil
	case "val_acc", "acc", "accuracy":
		return Monitor{Name: "val_acc", Mode: Max}, nil
	case "val_f1", "f1":
		return Monitor{Name: "val_f1", Mode: Max}, nil
	}
	return Monitor{}, errdefs.Configuration("training.ParseMonitor", "unknown monitor %q (have val_loss, val_acc, val_f1)", name)
}

// Value picks the monitored value out of an epoch result.
func (m Monitor) Value(r EpochResult) float64 {
	switch m.Name {
	case "val_acc":
		return r.Val.Accuracy
	case "val_f1":
		return r.Val.F1
	}
	return r.ValLoss
}

// HistoryEntry is one validation observation.
type HistoryEntry struct {
	Epoch int
	Value float64
}

// ValidationHistory is an append-only record of validation metrics.
type ValidationHistory struct {
	entries []HistoryEntry
}

// Append records value for epoch. Epochs must strictly increase.
func (h *ValidationHistory) Append(epoch int, value float64) error {
	if n := len(h.entries); n > 0 && epoch <= h.entries[n-1].Epoch {
		return errors.Errorf("validation history: epoch %d after epoch %d", epoch, h.entries[n-1].Epoch)
	}
	h.entries = append(h.entries, HistoryEntry{Epoch: epoch, Value: value})
	return nil
}

// Entries returns a copy of the recorded observations.
func (h *ValidationHistory) Entries() []HistoryEntry {
	return append([]HistoryEntry(nil), h.entries...)
}

func (h *ValidationHistory) Len() int { return len(h.entries) }

// Decision is the monitor's reaction to one observation.
type Decision struct {
	State StopState
	// Save is set when the observation is a new best and the caller
	// should write the best checkpoint.
	Save bool
	Best float64
}

// EarlyStopping halts training after Patience consecutive observations
// that fail to improve on the best value by more than MinDelta.
// Patience 0 never stops but still reports improvements.
type EarlyStopping struct {
	mode     Mode
	patience int
	minDelta float64

	best    float64
	stalled int
	state   StopState
	history ValidationHistory
}

// NewEarlyStopping creates a monitor in the WAITING state.
func NewEarlyStopping(mode Mode, patience int, minDelta float64) (*EarlyStopping, error) {
	if patience < 0 {
		return nil, errdefs.Configuration("training.NewEarlyStopping", "patience cannot be negative, got %d", patience)
	}
	if minDelta < 0 || math.IsNaN(minDelta) {
		return nil, errdefs.Configuration("training.NewEarlyStopping", "min_delta cannot be negative, got %g", minDelta)
	}
	e := &EarlyStopping{mode: mode, patience: patience, minDelta: minDelta}
	e.Reset()
	return e, nil
}

// Reset prepares the monitor for a new run.
func (e *EarlyStopping) Reset() {
	e.best = math.Inf(1)
	if e.mode == Max {
		e.best = math.Inf(-1)
	}
	e.stalled = 0
	e.state = Waiting
	e.history = ValidationHistory{}
}

// Observe records the metric of epoch and returns the new state. Calling
// Observe after STOPPED is an error.
func (e *EarlyStopping) Observe(epoch int, value float64) (Decision, error) {
	if e.state == Stopped {
		return Decision{State: Stopped, Best: e.best}, errors.New("early stopping: observe after STOPPED")
	}
	if math.IsNaN(value) {
		return Decision{State: e.state, Best: e.best}, errors.Errorf("early stopping: epoch %d metric is NaN", epoch)
	}
	if err := e.history.Append(epoch, value); err != nil {
		return Decision{State: e.state, Best: e.best}, err
	}

	if e.improves(value) {
		e.best = value
		e.stalled = 0
		e.state = Improved
		return Decision{State: Improved, Save: true, Best: value}, nil
	}
	e.stalled++
	if e.patience > 0 && e.stalled >= e.patience {
		e.state = Stopped
	} else {
		e.state = Waiting
	}
	return Decision{State: e.state, Best: e.best}, nil
}

func (e *EarlyStopping) improves(value float64) bool {
	if e.mode == Max {
		return value > e.best+e.minDelta
	}
	return value < e.best-e.minDelta
}

// SeedBest sets the value later observations must improve on, as when
// continuing a run that already has a best checkpoint.
func (e *EarlyStopping) SeedBest(best float64) { e.best = best }

func (e *EarlyStopping) State() StopState { return e.state }

// Best returns the best value so far, or the initial infinity.
func (e *EarlyStopping) Best() float64 { return e.best }

// Stalled returns the number of observations since the last improvement.
func (e *EarlyStopping) Stalled() int { return e.stalled }

func (e *EarlyStopping) History() *ValidationHistory { return &e.history }
