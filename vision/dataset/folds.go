package dataset

import (
	"math/rand/v2"
	"sort"

	"github.com/tsawler/go-maskclf/errdefs"
)

// Fold holds the train and validation indices of one cross-validation fold.
type Fold struct {
	Train []int
	Val   []int
}

// KFold shuffles n indices with seed and deals them into k folds.
func KFold(n, k int, seed uint64) ([]Fold, error) {
	if err := checkFolds(n, k); err != nil {
		return nil, err
	}
	perm := rand.New(rand.NewPCG(seed, 0xf01d)).Perm(n)
	assign := make([]int, n)
	for pos, idx := range perm {
		assign[idx] = pos % k
	}
	return buildFolds(assign, k), nil
}

// StratifiedKFold keeps the class proportions of labels in every fold.
func StratifiedKFold(labels []int, k int, seed uint64) ([]Fold, error) {
	if err := checkFolds(len(labels), k); err != nil {
		return nil, err
	}
	byClass := make(map[int][]int)
	var classes []int
	for i, c := range labels {
		if _, ok := byClass[c]; !ok {
			classes = append(classes, c)
		}
		byClass[c] = append(byClass[c], i)
	}
	sort.Ints(classes)

	rng := rand.New(rand.NewPCG(seed, 0x57a7))
	assign := make([]int, len(labels))
	next := 0
	for _, c := range classes {
		members := byClass[c]
		rng.Shuffle(len(members), func(i, j int) { members[i], members[j] = members[j], members[i] })
		for _, idx := range members {
			assign[idx] = next % k
			next++
		}
	}
	return buildFolds(assign, k), nil
}

// GroupKFold puts every member of a group into the same fold, balancing
// fold sizes greedily from the largest group down.
func GroupKFold(groups []string, k int) ([]Fold, error) {
	members := make(map[string][]int)
	var names []string
	for i, g := range groups {
		if _, ok := members[g]; !ok {
			names = append(names, g)
		}
		members[g] = append(members[g], i)
	}
	if len(names) < k {
		return nil, errdefs.Configuration("dataset.GroupKFold", "%d groups cannot fill %d folds", len(names), k)
	}
	if err := checkFolds(len(groups), k); err != nil {
		return nil, err
	}
	sort.SliceStable(names, func(i, j int) bool {
		if len(members[names[i]]) != len(members[names[j]]) {
			return len(members[names[i]]) > len(members[names[j]])
		}
		return names[i] < names[j]
	})

	sizes := make([]int, k)
	assign := make([]int, len(groups))
	for _, name := range names {
		smallest := 0
		for f := 1; f < k; f++ {
			if sizes[f] < sizes[smallest] {
				smallest = f
			}
		}
		for _, idx := range members[name] {
			assign[idx] = smallest
		}
		sizes[smallest] += len(members[name])
	}
	return buildFolds(assign, k), nil
}

func checkFolds(n, k int) error {
	if k < 2 {
		return errdefs.Configuration("dataset.folds", "need at least 2 folds, got %d", k)
	}
	if n < k {
		return errdefs.Configuration("dataset.folds", "%d samples cannot fill %d folds", n, k)
	}
	return nil
}

func buildFolds(assign []int, k int) []Fold {
	folds := make([]Fold, k)
	for idx, f := range assign {
		for other := range folds {
			if other == f {
				folds[other].Val = append(folds[other].Val, idx)
			} else {
				folds[other].Train = append(folds[other].Train, idx)
			}
		}
	}
	return folds
}
