package augmentation

import (
	"sort"
	"strings"

	"github.com/tsawler/go-maskclf/errdefs"
	"github.com/tsawler/go-maskclf/vision/preprocessing"
)

// Options parameterize the preset pipelines.
type Options struct {
	Width, Height int
	Mean, Std     [3]float32
}

// DefaultOptions returns the 96x128 input size with the dataset statistics.
func DefaultOptions() Options {
	return Options{
		Width:  96,
		Height: 128,
		Mean:   preprocessing.DefaultMean,
		Std:    preprocessing.DefaultStd,
	}
}

type presetFunc func(Options) *Pipeline

var presets = map[string]presetFunc{
	"base":   Base,
	"custom": Custom,
	"valid":  Valid,
}

var aliases = map[string]string{
	"baseaugmentation":   "base",
	"customaugmentation": "custom",
	"validation":         "valid",
	"none":               "valid",
}

// Base resizes, flips, lightly jitters colors and normalizes.
func Base(o Options) *Pipeline {
	return Compose(
		Resize{Width: o.Width, Height: o.Height},
		HorizontalFlip{P: 0.5},
		ColorJitter{Brightness: 0.1, Contrast: 0.1, Saturation: 0.1, P: 0.5},
		Normalize{Mean: o.Mean, Std: o.Std},
	)
}

// Custom is the heavier training pipeline: a face-centered crop followed by
// occlusion and degradation stages.
func Custom(o Options) *Pipeline {
	return Compose(
		CenterCrop{Width: 240, Height: 320},
		Resize{Width: o.Width, Height: o.Height},
		HorizontalFlip{P: 0.5},
		CoarseDropout{P: 0.5, MinHoles: 5, MaxHoles: 20, MinHeight: 8, MaxHeight: 15, MinWidth: 8, MaxWidth: 15},
		Downscale{P: 0.5, ScaleMin: 0.7, ScaleMax: 0.9999999},
		Blur{P: 0.5, MinKernel: 1, MaxKernel: 3},
		RandomErasing{P: 0.25, ScaleMin: 0.02, ScaleMax: 0.15, RatioMin: 0.3, RatioMax: 3.3},
		Normalize{Mean: o.Mean, Std: o.Std},
	)
}

// Valid is deterministic: resize and normalize only.
func Valid(o Options) *Pipeline {
	return Compose(
		Resize{Width: o.Width, Height: o.Height},
		Normalize{Mean: o.Mean, Std: o.Std},
	)
}

// Lookup returns the preset registered under name. Matching ignores case
// and also accepts the class-style names BaseAugmentation and
// CustomAugmentation.
func Lookup(name string, o Options) (*Pipeline, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := aliases[key]; ok {
		key = alias
	}
	build, ok := presets[key]
	if !ok {
		return nil, errdefs.Configuration("augmentation.Lookup", "unknown augmentation %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	if o.Width <= 0 || o.Height <= 0 {
		return nil, errdefs.Configuration("augmentation.Lookup", "resize must be positive, got %dx%d", o.Width, o.Height)
	}
	return build(o), nil
}

// Names lists the preset names in sorted order.
func Names() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
