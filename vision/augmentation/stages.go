package augmentation

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/tsawler/go-maskclf/errdefs"
	"github.com/tsawler/go-maskclf/vision/preprocessing"
)

// Resize scales to a fixed size.
type Resize struct {
	Width, Height int
}

func (r Resize) Apply(img *preprocessing.Image, _ *rand.Rand) (*preprocessing.Image, error) {
	if r.Width <= 0 || r.Height <= 0 {
		return nil, errdefs.Configuration("augmentation.Resize", "size must be positive, got %dx%d", r.Width, r.Height)
	}
	return preprocessing.Resize(img, r.Width, r.Height), nil
}

func (r Resize) Name() string { return fmt.Sprintf("Resize(%dx%d)", r.Width, r.Height) }

// CenterCrop cuts a centered window, clipped to the image size.
type CenterCrop struct {
	Width, Height int
}

func (c CenterCrop) Apply(img *preprocessing.Image, _ *rand.Rand) (*preprocessing.Image, error) {
	return preprocessing.CenterCrop(img, c.Width, c.Height), nil
}

func (c CenterCrop) Name() string { return fmt.Sprintf("CenterCrop(%dx%d)", c.Width, c.Height) }

// HorizontalFlip mirrors the image with probability P.
type HorizontalFlip struct {
	P float64
}

func (h HorizontalFlip) Apply(img *preprocessing.Image, rng *rand.Rand) (*preprocessing.Image, error) {
	out := img.Clone()
	if rng.Float64() >= h.P {
		return out, nil
	}
	for c := 0; c < img.Channels; c++ {
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width; x++ {
				out.Set(c, x, y, img.At(c, img.Width-1-x, y))
			}
		}
	}
	return out, nil
}

func (h HorizontalFlip) Name() string { return fmt.Sprintf("HorizontalFlip(p=%.2f)", h.P) }

// ColorJitter perturbs brightness, contrast and saturation by random
// factors drawn from [1-x, 1+x], with probability P. Input must be in [0, 1].
type ColorJitter struct {
	Brightness, Contrast, Saturation float64
	P                                float64
}

func (j ColorJitter) Apply(img *preprocessing.Image, rng *rand.Rand) (*preprocessing.Image, error) {
	out := img.Clone()
	if rng.Float64() >= j.P || img.Channels < 3 {
		return out, nil
	}
	factor := func(amount float64) float32 {
		return float32(1 - amount + 2*amount*rng.Float64())
	}
	b, c, s := factor(j.Brightness), factor(j.Contrast), factor(j.Saturation)

	n := img.Width * img.Height
	r, g, bl := out.Plane(0), out.Plane(1), out.Plane(2)
	var mean float32
	for i := 0; i < n; i++ {
		r[i] *= b
		g[i] *= b
		bl[i] *= b
		mean += 0.299*r[i] + 0.587*g[i] + 0.114*bl[i]
	}
	mean /= float32(n)
	for i := 0; i < n; i++ {
		r[i] = (r[i]-mean)*c + mean
		g[i] = (g[i]-mean)*c + mean
		bl[i] = (bl[i]-mean)*c + mean
		gray := 0.299*r[i] + 0.587*g[i] + 0.114*bl[i]
		r[i] = clamp01((r[i]-gray)*s + gray)
		g[i] = clamp01((g[i]-gray)*s + gray)
		bl[i] = clamp01((bl[i]-gray)*s + gray)
	}
	return out, nil
}

func (j ColorJitter) Name() string {
	return fmt.Sprintf("ColorJitter(b=%.2f,c=%.2f,s=%.2f,p=%.2f)", j.Brightness, j.Contrast, j.Saturation, j.P)
}

// Normalize subtracts Mean and divides by Std per channel.
type Normalize struct {
	Mean, Std [3]float32
}

func (n Normalize) Apply(img *preprocessing.Image, _ *rand.Rand) (*preprocessing.Image, error) {
	for c, s := range n.Std {
		if s == 0 {
			return nil, errdefs.Configuration("augmentation.Normalize", "std of channel %d is zero", c)
		}
	}
	return preprocessing.Normalize(img, n.Mean, n.Std), nil
}

func (n Normalize) Name() string { return "Normalize" }

// RandomErasing blanks one rectangle whose area fraction is drawn from
// [ScaleMin, ScaleMax] and aspect ratio from [RatioMin, RatioMax].
type RandomErasing struct {
	P                  float64
	ScaleMin, ScaleMax float64
	RatioMin, RatioMax float64
	Value              float32
}

func (e RandomErasing) Apply(img *preprocessing.Image, rng *rand.Rand) (*preprocessing.Image, error) {
	out := img.Clone()
	if rng.Float64() >= e.P {
		return out, nil
	}
	area := float64(img.Width * img.Height)
	logMin, logMax := math.Log(e.RatioMin), math.Log(e.RatioMax)
	for attempt := 0; attempt < 10; attempt++ {
		target := area * (e.ScaleMin + (e.ScaleMax-e.ScaleMin)*rng.Float64())
		ratio := math.Exp(logMin + (logMax-logMin)*rng.Float64())
		h := int(math.Round(math.Sqrt(target * ratio)))
		w := int(math.Round(math.Sqrt(target / ratio)))
		if w < 1 || h < 1 || w >= img.Width || h >= img.Height {
			continue
		}
		x0 := rng.IntN(img.Width - w + 1)
		y0 := rng.IntN(img.Height - h + 1)
		fillRect(out, x0, y0, w, h, e.Value)
		return out, nil
	}
	return out, nil
}

func (e RandomErasing) Name() string { return fmt.Sprintf("RandomErasing(p=%.2f)", e.P) }

// CoarseDropout blanks between MinHoles and MaxHoles small rectangles.
type CoarseDropout struct {
	P                    float64
	MinHoles, MaxHoles   int
	MinHeight, MaxHeight int
	MinWidth, MaxWidth   int
	Fill                 float32
}

func (d CoarseDropout) Apply(img *preprocessing.Image, rng *rand.Rand) (*preprocessing.Image, error) {
	out := img.Clone()
	if rng.Float64() >= d.P {
		return out, nil
	}
	holes := between(rng, d.MinHoles, d.MaxHoles)
	for i := 0; i < holes; i++ {
		h := between(rng, d.MinHeight, d.MaxHeight)
		w := between(rng, d.MinWidth, d.MaxWidth)
		if w > img.Width {
			w = img.Width
		}
		if h > img.Height {
			h = img.Height
		}
		if w <= 0 || h <= 0 {
			continue
		}
		x0 := rng.IntN(img.Width - w + 1)
		y0 := rng.IntN(img.Height - h + 1)
		fillRect(out, x0, y0, w, h, d.Fill)
	}
	return out, nil
}

func (d CoarseDropout) Name() string {
	return fmt.Sprintf("CoarseDropout(holes=%d-%d,p=%.2f)", d.MinHoles, d.MaxHoles, d.P)
}

// Downscale lowers the resolution by a factor in [ScaleMin, ScaleMax] and
// scales back up, keeping the original size.
type Downscale struct {
	P                  float64
	ScaleMin, ScaleMax float64
}

func (d Downscale) Apply(img *preprocessing.Image, rng *rand.Rand) (*preprocessing.Image, error) {
	if rng.Float64() >= d.P {
		return img.Clone(), nil
	}
	scale := d.ScaleMin + (d.ScaleMax-d.ScaleMin)*rng.Float64()
	w := max(1, int(float64(img.Width)*scale))
	h := max(1, int(float64(img.Height)*scale))
	small := preprocessing.Resize(img, w, h)
	return preprocessing.Resize(small, img.Width, img.Height), nil
}

func (d Downscale) Name() string {
	return fmt.Sprintf("Downscale(%.2f-%.2f,p=%.2f)", d.ScaleMin, d.ScaleMax, d.P)
}

// Blur applies a box blur with an odd kernel size drawn from
// [MinKernel, MaxKernel].
type Blur struct {
	P                    float64
	MinKernel, MaxKernel int
}

func (b Blur) Apply(img *preprocessing.Image, rng *rand.Rand) (*preprocessing.Image, error) {
	if rng.Float64() >= b.P {
		return img.Clone(), nil
	}
	k := between(rng, b.MinKernel, b.MaxKernel)
	if k%2 == 0 {
		k++
	}
	if k <= 1 {
		return img.Clone(), nil
	}
	return boxBlur(img, k/2), nil
}

func (b Blur) Name() string { return fmt.Sprintf("Blur(%d-%d,p=%.2f)", b.MinKernel, b.MaxKernel, b.P) }

// GaussianNoise adds N(Mean, Std) noise to every value with probability P.
type GaussianNoise struct {
	Mean, Std float64
	P         float64
}

func (g GaussianNoise) Apply(img *preprocessing.Image, rng *rand.Rand) (*preprocessing.Image, error) {
	out := img.Clone()
	if rng.Float64() >= g.P {
		return out, nil
	}
	for i := range out.Data {
		out.Data[i] += float32(rng.NormFloat64()*g.Std + g.Mean)
	}
	return out, nil
}

func (g GaussianNoise) Name() string { return fmt.Sprintf("GaussianNoise(mean=%g,std=%g)", g.Mean, g.Std) }

func between(rng *rand.Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rng.IntN(hi-lo+1)
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func fillRect(img *preprocessing.Image, x0, y0, w, h int, value float32) {
	for c := 0; c < img.Channels; c++ {
		for y := y0; y < y0+h; y++ {
			for x := x0; x < x0+w; x++ {
				img.Set(c, x, y, value)
			}
		}
	}
}

func boxBlur(img *preprocessing.Image, radius int) *preprocessing.Image {
	out := img.Clone()
	for c := 0; c < img.Channels; c++ {
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width; x++ {
				var sum float32
				var n int
				for dy := -radius; dy <= radius; dy++ {
					yy := y + dy
					if yy < 0 || yy >= img.Height {
						continue
					}
					for dx := -radius; dx <= radius; dx++ {
						xx := x + dx
						if xx < 0 || xx >= img.Width {
							continue
						}
						sum += img.At(c, xx, yy)
						n++
					}
				}
				out.Set(c, x, y, sum/float32(n))
			}
		}
	}
	return out
}
