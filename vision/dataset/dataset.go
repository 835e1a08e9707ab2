package dataset

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/tsawler/go-maskclf/errdefs"
)

// MaskDataset maps an ordered list of records to individual samples.
type MaskDataset struct {
	records []SampleRecord
}

// NewMaskDataset validates records and wraps them. Every record must carry
// exactly one valid label per task.
func NewMaskDataset(records []SampleRecord) (*MaskDataset, error) {
	if len(records) == 0 {
		return nil, errdefs.DataLoad("dataset.NewMaskDataset", nil, "no records")
	}
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	owned := make([]SampleRecord, len(records))
	copy(owned, records)
	return &MaskDataset{records: owned}, nil
}

// Len returns the number of samples.
func (d *MaskDataset) Len() int {
	return len(d.records)
}

// GetItem returns the image path and labels at index.
func (d *MaskDataset) GetItem(index int) (string, LabelSet, error) {
	r, err := d.Record(index)
	if err != nil {
		return "", LabelSet{}, err
	}
	return r.ImagePath, r.Labels, nil
}

// Record returns the record at index.
func (d *MaskDataset) Record(index int) (SampleRecord, error) {
	if index < 0 || index >= len(d.records) {
		return SampleRecord{}, errdefs.DataLoad("dataset.GetItem", nil, "index %d out of range [0, %d)", index, len(d.records))
	}
	return d.records[index], nil
}

// Labels returns the class code of every sample for task, in dataset order.
func (d *MaskDataset) Labels(task Task) []int {
	out := make([]int, len(d.records))
	for i, r := range d.records {
		out[i] = r.Labels.Get(task)
	}
	return out
}

// Groups returns the person id of every sample, in dataset order.
func (d *MaskDataset) Groups() []string {
	out := make([]string, len(d.records))
	for i, r := range d.records {
		out[i] = r.PersonID
	}
	return out
}

// Subset returns a dataset holding the samples at indices.
func (d *MaskDataset) Subset(indices []int) *MaskDataset {
	sub := &MaskDataset{records: make([]SampleRecord, len(indices))}
	for i, idx := range indices {
		sub.records[i] = d.records[idx]
	}
	return sub
}

// Split shuffles samples with seed and holds out valRatio of them.
func (d *MaskDataset) Split(valRatio float64, seed uint64) (*MaskDataset, *MaskDataset) {
	n := len(d.records)
	valSize := int(float64(n) * valRatio)

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	rng := rand.New(rand.NewPCG(seed, 0x5eed))
	rng.Shuffle(n, func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})

	return d.Subset(indices[valSize:]), d.Subset(indices[:valSize])
}

// SplitByProfile holds out valRatio of the people, so that no person has
// images on both sides of the split.
func (d *MaskDataset) SplitByProfile(valRatio float64, seed uint64) (*MaskDataset, *MaskDataset) {
	byPerson := make(map[string][]int)
	var people []string
	for i, r := range d.records {
		if _, ok := byPerson[r.PersonID]; !ok {
			people = append(people, r.PersonID)
		}
		byPerson[r.PersonID] = append(byPerson[r.PersonID], i)
	}
	sort.Strings(people)

	rng := rand.New(rand.NewPCG(seed, 0x9e0f))
	rng.Shuffle(len(people), func(i, j int) {
		people[i], people[j] = people[j], people[i]
	})

	valPeople := int(float64(len(people)) * valRatio)
	var trainIdx, valIdx []int
	for i, p := range people {
		if i < valPeople {
			valIdx = append(valIdx, byPerson[p]...)
		} else {
			trainIdx = append(trainIdx, byPerson[p]...)
		}
	}
	sort.Ints(trainIdx)
	sort.Ints(valIdx)
	return d.Subset(trainIdx), d.Subset(valIdx)
}

// String summarizes the dataset and its per-task distribution.
func (d *MaskDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("MaskDataset: %d samples\n", len(d.records)))
	table := NewClassFrequencyTable(d.records)
	for _, task := range Tasks {
		sb.WriteString(fmt.Sprintf("  %s:", task))
		for class, name := range task.ClassNames() {
			sb.WriteString(fmt.Sprintf(" %s=%d", name, table.Count(task, class)))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
