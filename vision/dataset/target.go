package dataset

// Target holds one probability vector per label head. One-hot targets come
// straight from a LabelSet; batch mixing produces blended soft targets.
type Target [NumTasks][]float32

// OneHot returns the one-hot target for l.
func OneHot(l LabelSet) Target {
	var t Target
	for _, task := range Tasks {
		v := make([]float32, task.NumClasses())
		v[l.Get(task)] = 1
		t[task] = v
	}
	return t
}

// Blend returns lambda*t + (1-lambda)*other per head.
func (t Target) Blend(other Target, lambda float32) Target {
	var out Target
	for _, task := range Tasks {
		a, b := t[task], other[task]
		v := make([]float32, len(a))
		for i := range a {
			v[i] = lambda*a[i] + (1-lambda)*b[i]
		}
		out[task] = v
	}
	return out
}

// Mass returns the sum of the probability vector for task.
func (t Target) Mass(task Task) float32 {
	var s float32
	for _, p := range t[task] {
		s += p
	}
	return s
}

// Argmax returns the most probable class for task.
func (t Target) Argmax(task Task) int {
	best := 0
	for i, p := range t[task] {
		if p > t[task][best] {
			best = i
		}
	}
	return best
}
