package dataloader

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tsawler/go-maskclf/errdefs"
	"github.com/tsawler/go-maskclf/vision/augmentation"
	"github.com/tsawler/go-maskclf/vision/dataset"
	"github.com/tsawler/go-maskclf/vision/preprocessing"
	"golang.org/x/sync/errgroup"
)

// Dataset is the read side of a labeled image collection.
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, labels dataset.LabelSet, err error)
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize  int
	DropLast   bool
	NumWorkers int // parallel decodes per batch
	Seed       uint64

	// Transform runs on every sample; nil leaves images as decoded.
	Transform augmentation.Transform
	// CutMix, when set, mixes each batch after the per-sample transform.
	CutMix *augmentation.CutMix

	MaxCacheSize int           // decoded images to keep; 0 disables caching
	CacheManager *CacheManager // optional cache shared with other loaders
}

// DataLoader turns a Dataset and a Sampler into batches.
type DataLoader struct {
	dataset Dataset
	sampler Sampler
	config  Config
	cache   *CacheManager
}

// NewDataLoader creates a data loader. A nil sampler visits the dataset in
// order.
func NewDataLoader(ds Dataset, sampler Sampler, config Config) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, errdefs.Configuration("dataloader.NewDataLoader", "batch size must be positive, got %d", config.BatchSize)
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 4
	}
	if config.CutMix != nil {
		if err := config.CutMix.Validate(); err != nil {
			return nil, err
		}
	}
	if sampler == nil {
		sampler = SequentialSampler{N: ds.Len()}
	}
	cache := config.CacheManager
	if cache == nil {
		cache = NewCacheManager(config.MaxCacheSize)
	}
	return &DataLoader{dataset: ds, sampler: sampler, config: config, cache: cache}, nil
}

// NumBatches returns how many batches an epoch of n sampled indices yields.
func (dl *DataLoader) NumBatches(n int) int {
	if dl.config.DropLast {
		return n / dl.config.BatchSize
	}
	return (n + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// Len returns the number of samples an epoch visits.
func (dl *DataLoader) Len() int { return dl.sampler.Len() }

// BatchSize returns the configured batch size.
func (dl *DataLoader) BatchSize() int { return dl.config.BatchSize }

// Iterate loads the batches of epoch in sampler order and calls fn on each.
// The next batch is decoded while fn runs. A load failure aborts the epoch
// with a DataLoadError; an error from fn is returned as is.
func (dl *DataLoader) Iterate(ctx context.Context, epoch int, fn func(*Batch) error) error {
	indices, err := dl.sampler.Epoch(epoch)
	if err != nil {
		return err
	}
	for _, idx := range indices {
		if idx < 0 || idx >= dl.dataset.Len() {
			return errdefs.DataLoad("dataloader.Iterate", nil, "sampler produced index %d for a dataset of %d", idx, dl.dataset.Len())
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan *Batch, 1)

	g.Go(func() error {
		defer close(batches)
		for b := 0; b < dl.NumBatches(len(indices)); b++ {
			start := b * dl.config.BatchSize
			end := min(start+dl.config.BatchSize, len(indices))
			batch, err := dl.loadBatch(gctx, epoch, b, start, indices[start:end])
			if err != nil {
				return err
			}
			select {
			case batches <- batch:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		for batch := range batches {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := fn(batch); err != nil {
				return err
			}
		}
		return nil
	})

	return g.Wait()
}

// loadBatch decodes, transforms and optionally mixes one batch. offset is
// the position of the batch's first sample within the epoch.
func (dl *DataLoader) loadBatch(ctx context.Context, epoch, number, offset int, indices []int) (*Batch, error) {
	n := len(indices)
	batch := &Batch{
		Number:  number,
		Indices: append([]int(nil), indices...),
		Images:  make([]*preprocessing.Image, n),
		Labels:  make([]dataset.LabelSet, n),
		Targets: make([]dataset.Target, n),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(dl.config.NumWorkers)
	for i, idx := range indices {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			path, labels, err := dl.dataset.GetItem(idx)
			if err != nil {
				return errdefs.DataLoad("dataloader.loadBatch", err, "sample %d", idx)
			}
			img, err := dl.loadImage(path)
			if err != nil {
				return err
			}
			if dl.config.Transform != nil {
				img, err = dl.config.Transform.Apply(img, augmentation.SampleRNG(dl.config.Seed, epoch, offset+i))
				if err != nil {
					return errors.Wrapf(err, "transform sample %d", idx)
				}
			}
			batch.Images[i] = img
			batch.Labels[i] = labels
			batch.Targets[i] = dataset.OneHot(labels)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if dl.config.CutMix != nil {
		images, targets, info, err := dl.config.CutMix.Mix(batch.Images, batch.Targets, augmentation.BatchRNG(dl.config.Seed, epoch, number))
		if err != nil {
			return nil, err
		}
		batch.Images, batch.Targets, batch.Mix = images, targets, info
	}
	return batch, nil
}

func (dl *DataLoader) loadImage(path string) (*preprocessing.Image, error) {
	if img, ok := dl.cache.Get(path); ok {
		return img, nil
	}
	img, err := preprocessing.LoadFile(path)
	if err != nil {
		return nil, err
	}
	dl.cache.Put(path, img)
	return img, nil
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	return dl.cache.Stats().String()
}

// GetCacheManager returns the cache manager for sharing between DataLoaders
func (dl *DataLoader) GetCacheManager() *CacheManager {
	return dl.cache
}
