package dataset

import (
	"github.com/tsawler/go-maskclf/errdefs"
)

var frequencyTasks = []Task{MaskTask, GenderTask, AgeTask, CombinedTask}

// ClassFrequencyTable counts label occurrences per task. It is derived once
// from a dataset and never modified afterwards.
type ClassFrequencyTable struct {
	counts [CombinedTask + 1][]int
	total  int
}

// NewClassFrequencyTable counts the labels of records.
func NewClassFrequencyTable(records []SampleRecord) *ClassFrequencyTable {
	t := &ClassFrequencyTable{total: len(records)}
	for _, task := range frequencyTasks {
		t.counts[task] = make([]int, task.NumClasses())
	}
	for _, r := range records {
		for _, task := range frequencyTasks {
			t.counts[task][r.Labels.Get(task)]++
		}
	}
	return t
}

// FrequencyTable derives the table for the dataset.
func (d *MaskDataset) FrequencyTable() *ClassFrequencyTable {
	return NewClassFrequencyTable(d.records)
}

// Count returns how many samples carry class for task.
func (t *ClassFrequencyTable) Count(task Task, class int) int {
	if task < MaskTask || task > CombinedTask || class < 0 || class >= len(t.counts[task]) {
		return 0
	}
	return t.counts[task][class]
}

// Counts returns a copy of the per-class counts for task.
func (t *ClassFrequencyTable) Counts(task Task) []int {
	if task < MaskTask || task > CombinedTask {
		return nil
	}
	out := make([]int, len(t.counts[task]))
	copy(out, t.counts[task])
	return out
}

// Total returns the dataset size the table was built from.
func (t *ClassFrequencyTable) Total() int {
	return t.total
}

// Validate checks that each task's counts sum to the dataset size.
func (t *ClassFrequencyTable) Validate() error {
	for _, task := range frequencyTasks {
		sum := 0
		for _, c := range t.counts[task] {
			sum += c
		}
		if sum != t.total {
			return errdefs.Configuration("dataset.ClassFrequencyTable", "%s counts sum to %d, dataset has %d samples", task, sum, t.total)
		}
	}
	return nil
}
