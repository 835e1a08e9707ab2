package dataloader

import (
	"math/rand/v2"

	"github.com/tsawler/go-maskclf/errdefs"
	"github.com/tsawler/go-maskclf/vision/dataset"
	"gonum.org/v1/gonum/stat/distuv"
)

// Sampler yields the dataset indices visited in one epoch, in order.
type Sampler interface {
	Epoch(epoch int) ([]int, error)
	// Len is the number of indices per epoch.
	Len() int
}

func epochRNG(seed uint64, epoch int) *rand.Rand {
	return rand.New(rand.NewPCG(seed, uint64(epoch)+1))
}

// SequentialSampler visits 0..N-1 in order.
type SequentialSampler struct {
	N int
}

func (s SequentialSampler) Len() int { return s.N }

func (s SequentialSampler) Epoch(int) ([]int, error) {
	out := make([]int, s.N)
	for i := range out {
		out[i] = i
	}
	return out, nil
}

// RandomSampler visits every index once per epoch in a fresh order.
type RandomSampler struct {
	N    int
	Seed uint64
}

func (s RandomSampler) Len() int { return s.N }

func (s RandomSampler) Epoch(epoch int) ([]int, error) {
	return epochRNG(s.Seed, epoch).Perm(s.N), nil
}

// SubsetRandomSampler visits a fixed subset of indices, reshuffled every
// epoch. Cross-validation folds train through it over the full dataset.
type SubsetRandomSampler struct {
	Indices []int
	Seed    uint64
}

func (s SubsetRandomSampler) Len() int { return len(s.Indices) }

func (s SubsetRandomSampler) Epoch(epoch int) ([]int, error) {
	out := make([]int, len(s.Indices))
	copy(out, s.Indices)
	rng := epochRNG(s.Seed, epoch)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out, nil
}

// ImbalancedSampler draws N indices per epoch with replacement, weighting
// each sample by the inverse frequency of its class. Every class then has
// the same expected number of draws.
type ImbalancedSampler struct {
	weights []float64
	indices []int // dataset index of each weight; nil means identity
	seed    uint64
}

// NewImbalancedSampler builds a sampler for samples with the given class
// labels. counts[c] is the number of samples in class c; a label whose count
// is zero or missing is a configuration error.
func NewImbalancedSampler(labels []int, counts []int, seed uint64) (*ImbalancedSampler, error) {
	if len(labels) == 0 {
		return nil, errdefs.Configuration("dataloader.ImbalancedSampler", "no samples")
	}
	weights := make([]float64, len(labels))
	for i, label := range labels {
		if label < 0 || label >= len(counts) {
			return nil, errdefs.Configuration("dataloader.ImbalancedSampler", "sample %d has label %d outside the frequency table", i, label)
		}
		if counts[label] <= 0 {
			return nil, errdefs.Configuration("dataloader.ImbalancedSampler", "class %d has count %d", label, counts[label])
		}
		weights[i] = 1 / float64(counts[label])
	}
	return &ImbalancedSampler{weights: weights, seed: seed}, nil
}

// ImbalancedSamplerFor balances ds on the classes of task.
func ImbalancedSamplerFor(ds *dataset.MaskDataset, task dataset.Task, seed uint64) (*ImbalancedSampler, error) {
	return NewImbalancedSampler(ds.Labels(task), ds.FrequencyTable().Counts(task), seed)
}

// ImbalancedSubsetSampler balances the samples of ds at indices on the
// classes of task, with frequencies counted within the subset. Epochs
// yield indices into ds.
func ImbalancedSubsetSampler(ds *dataset.MaskDataset, indices []int, task dataset.Task, seed uint64) (*ImbalancedSampler, error) {
	for _, idx := range indices {
		if idx < 0 || idx >= ds.Len() {
			return nil, errdefs.Configuration("dataloader.ImbalancedSampler", "subset index %d outside a dataset of %d", idx, ds.Len())
		}
	}
	sub := ds.Subset(indices)
	s, err := NewImbalancedSampler(sub.Labels(task), sub.FrequencyTable().Counts(task), seed)
	if err != nil {
		return nil, err
	}
	s.indices = append([]int(nil), indices...)
	return s, nil
}

func (s *ImbalancedSampler) Len() int { return len(s.weights) }

// Weights returns a copy of the per-sample weights.
func (s *ImbalancedSampler) Weights() []float64 {
	out := make([]float64, len(s.weights))
	copy(out, s.weights)
	return out
}

func (s *ImbalancedSampler) Epoch(epoch int) ([]int, error) {
	cat := distuv.NewCategorical(s.weights, epochRNG(s.seed, epoch))
	out := make([]int, len(s.weights))
	for i := range out {
		out[i] = int(cat.Rand())
		if s.indices != nil {
			out[i] = s.indices[out[i]]
		}
	}
	return out, nil
}
