package preprocessing

import (
	"context"
	"math"
)

// Per-channel statistics of the mask competition training images.
var (
	DefaultMean = [3]float32{0.548, 0.504, 0.479}
	DefaultStd  = [3]float32{0.237, 0.247, 0.246}
)

// statsChunk bounds how many decoded images DatasetStats holds at once.
const statsChunk = 64

// StatsAccumulator sums per-channel moments over images of any size.
type StatsAccumulator struct {
	sum, sq [3]float64
	count   float64
}

// Add folds the pixels of img into the running sums.
func (a *StatsAccumulator) Add(img *Image) {
	for c := 0; c < 3 && c < img.Channels; c++ {
		for _, v := range img.Plane(c) {
			a.sum[c] += float64(v)
			a.sq[c] += float64(v) * float64(v)
		}
	}
	a.count += float64(img.Width * img.Height)
}

// Result returns the mean and standard deviation seen so far, or the
// dataset defaults when nothing was added.
func (a *StatsAccumulator) Result() (mean, std [3]float32) {
	if a.count == 0 {
		return DefaultMean, DefaultStd
	}
	for c := 0; c < 3; c++ {
		m := a.sum[c] / a.count
		mean[c] = float32(m)
		std[c] = float32(math.Sqrt(math.Max(a.sq[c]/a.count-m*m, 0)))
	}
	return mean, std
}

// ChannelStats computes per-channel mean and standard deviation over images.
func ChannelStats(images []*Image) (mean, std [3]float32) {
	var acc StatsAccumulator
	for _, img := range images {
		acc.Add(img)
	}
	return acc.Result()
}

// DatasetStats decodes paths in chunks and returns their channel
// statistics without keeping every image in memory.
func DatasetStats(ctx context.Context, paths []string, workers int) (mean, std [3]float32, err error) {
	var acc StatsAccumulator
	for start := 0; start < len(paths); start += statsChunk {
		images, err := LoadBatch(ctx, paths[start:min(start+statsChunk, len(paths))], workers)
		if err != nil {
			return mean, std, err
		}
		for _, img := range images {
			acc.Add(img)
		}
	}
	mean, std = acc.Result()
	return mean, std, nil
}
