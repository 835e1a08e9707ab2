package dataloader

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/tsawler/go-maskclf/errdefs"
	"github.com/tsawler/go-maskclf/vision/augmentation"
	"github.com/tsawler/go-maskclf/vision/dataset"
	"github.com/tsawler/go-maskclf/vision/preprocessing"
)

// Batch is one group of samples ready for a model. Targets are one-hot
// unless Mix.Applied, in which case they are the blended pair targets.
type Batch struct {
	Number  int
	Indices []int
	Images  []*preprocessing.Image
	Labels  []dataset.LabelSet
	Targets []dataset.Target
	Mix     augmentation.MixInfo
}

// Size returns the number of samples.
func (b *Batch) Size() int { return len(b.Images) }

// Flat returns the images as one NCHW buffer with its dimensions.
func (b *Batch) Flat() ([]float32, [4]int, error) {
	if len(b.Images) == 0 {
		return nil, [4]int{}, errdefs.Configuration("dataloader.Batch", "empty batch")
	}
	first := b.Images[0]
	dims := [4]int{len(b.Images), first.Channels, first.Height, first.Width}
	per := first.Channels * first.Height * first.Width
	flat := make([]float32, 0, per*len(b.Images))
	for i, img := range b.Images {
		if img.Channels != first.Channels || img.Width != first.Width || img.Height != first.Height {
			return nil, [4]int{}, errdefs.Configuration("dataloader.Batch", "image %d is %dx%dx%d, batch is %dx%dx%d",
				i, img.Channels, img.Height, img.Width, first.Channels, first.Height, first.Width)
		}
		flat = append(flat, img.Data...)
	}
	return flat, dims, nil
}

// Tensor exports the images as a float32 GoMLX tensor shaped
// [batch, channels, height, width].
func (b *Batch) Tensor() (*tensors.Tensor, error) {
	flat, dims, err := b.Flat()
	if err != nil {
		return nil, err
	}
	return tensors.FromFlatDataAndDimensions(flat, dims[:]...), nil
}
