package augmentation

import (
	"fmt"
	"image"
	"math"
	"math/rand/v2"

	"github.com/tsawler/go-maskclf/errdefs"
	"github.com/tsawler/go-maskclf/vision/dataset"
	"github.com/tsawler/go-maskclf/vision/preprocessing"
	"gonum.org/v1/gonum/stat/distuv"
)

// CutMix pastes a random box from a partner sample into each sample of a
// batch and blends the targets by area.
type CutMix struct {
	Prob  float64
	Alpha float64
}

// MixInfo describes what one Mix call did. Lambda is the weight of each
// sample's own target, equal to the fraction of its pixels left in place.
type MixInfo struct {
	Applied bool
	Lambda  float64
	Rect    image.Rectangle
	Perm    []int
}

// DefaultCutMix mixes half of the batches with lambda ~ Beta(1, 1).
func DefaultCutMix() CutMix {
	return CutMix{Prob: 0.5, Alpha: 1.0}
}

// Validate checks the parameters.
func (c CutMix) Validate() error {
	if c.Prob < 0 || c.Prob > 1 {
		return errdefs.Configuration("augmentation.CutMix", "prob must be in [0, 1], got %g", c.Prob)
	}
	if c.Alpha <= 0 {
		return errdefs.Configuration("augmentation.CutMix", "alpha must be positive, got %g", c.Alpha)
	}
	return nil
}

func (c CutMix) String() string {
	return fmt.Sprintf("CutMix(prob=%.2f,alpha=%.2f)", c.Prob, c.Alpha)
}

// Mix returns mixed copies of images and targets. The inputs are never
// modified. All images must share one size. When mixing is skipped, or the
// drawn box has zero area, the copies equal the inputs and Applied is false.
func (c CutMix) Mix(images []*preprocessing.Image, targets []dataset.Target, rng *rand.Rand) ([]*preprocessing.Image, []dataset.Target, MixInfo, error) {
	if len(images) != len(targets) {
		return nil, nil, MixInfo{}, errdefs.Configuration("augmentation.CutMix", "%d images but %d targets", len(images), len(targets))
	}
	outImages := make([]*preprocessing.Image, len(images))
	for i, img := range images {
		outImages[i] = img.Clone()
	}
	outTargets := make([]dataset.Target, len(targets))
	copy(outTargets, targets)
	info := MixInfo{Lambda: 1}

	if len(images) < 2 || rng.Float64() >= c.Prob {
		return outImages, outTargets, info, nil
	}
	w, h := images[0].Width, images[0].Height
	for i, img := range images {
		if img.Width != w || img.Height != h || img.Channels != images[0].Channels {
			return nil, nil, MixInfo{}, errdefs.Configuration("augmentation.CutMix", "image %d is %dx%d, batch is %dx%d", i, img.Width, img.Height, w, h)
		}
	}

	beta := distuv.Beta{Alpha: c.Alpha, Beta: c.Alpha, Src: rng}
	lambda := beta.Rand()
	rect := randBox(w, h, lambda, rng)
	perm := rng.Perm(len(images))
	if rect.Empty() {
		return outImages, outTargets, info, nil
	}

	adjusted := 1 - float64(rect.Dx()*rect.Dy())/float64(w*h)
	for i, j := range perm {
		src, dst := images[j], outImages[i]
		for ch := 0; ch < dst.Channels; ch++ {
			for y := rect.Min.Y; y < rect.Max.Y; y++ {
				for x := rect.Min.X; x < rect.Max.X; x++ {
					dst.Set(ch, x, y, src.At(ch, x, y))
				}
			}
		}
		outTargets[i] = targets[i].Blend(targets[j], float32(adjusted))
	}
	return outImages, outTargets, MixInfo{Applied: true, Lambda: adjusted, Rect: rect, Perm: perm}, nil
}

// randBox draws a box of about (1-lambda) of the image area centered at a
// uniform point, clipped to the image.
func randBox(w, h int, lambda float64, rng *rand.Rand) image.Rectangle {
	cut := math.Sqrt(1 - lambda)
	cw, chh := int(float64(w)*cut), int(float64(h)*cut)
	cx, cy := rng.IntN(w), rng.IntN(h)
	r := image.Rect(cx-cw/2, cy-chh/2, cx+cw/2, cy+chh/2)
	return r.Intersect(image.Rect(0, 0, w, h))
}
