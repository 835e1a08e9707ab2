package augmentation

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/tsawler/go-maskclf/errdefs"
	"github.com/tsawler/go-maskclf/vision/dataset"
	"github.com/tsawler/go-maskclf/vision/preprocessing"
)

func gradientImage(w, h int) *preprocessing.Image {
	img := preprocessing.NewImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(0, x, y, float32(x)/float32(w))
			img.Set(1, x, y, float32(y)/float32(h))
			img.Set(2, x, y, 0.5)
		}
	}
	return img
}

func solidImage(w, h int, v float32) *preprocessing.Image {
	img := preprocessing.NewImage(w, h)
	for i := range img.Data {
		img.Data[i] = v
	}
	return img
}

func TestStagesArePure(t *testing.T) {
	stages := []Transform{
		Resize{Width: 8, Height: 6},
		CenterCrop{Width: 10, Height: 10},
		HorizontalFlip{P: 1},
		ColorJitter{Brightness: 0.3, Contrast: 0.3, Saturation: 0.3, P: 1},
		Normalize{Mean: [3]float32{0.5, 0.5, 0.5}, Std: [3]float32{0.2, 0.2, 0.2}},
		RandomErasing{P: 1, ScaleMin: 0.1, ScaleMax: 0.3, RatioMin: 0.5, RatioMax: 2},
		CoarseDropout{P: 1, MinHoles: 2, MaxHoles: 4, MinHeight: 2, MaxHeight: 3, MinWidth: 2, MaxWidth: 3},
		Downscale{P: 1, ScaleMin: 0.5, ScaleMax: 0.7},
		Blur{P: 1, MinKernel: 3, MaxKernel: 3},
		GaussianNoise{Std: 0.1, P: 1},
	}
	for _, s := range stages {
		t.Run(s.Name(), func(t *testing.T) {
			src := gradientImage(16, 12)
			orig := src.Clone()
			out, err := s.Apply(src, rand.New(rand.NewPCG(1, 2)))
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if !src.Equal(orig) {
				t.Error("stage modified its input")
			}
			if out == src {
				t.Error("stage returned its input")
			}
		})
	}
}

func TestHorizontalFlip(t *testing.T) {
	src := gradientImage(5, 3)
	out, err := HorizontalFlip{P: 1}.Apply(src, rand.New(rand.NewPCG(1, 1)))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.At(0, 0, 1) != src.At(0, 4, 1) {
		t.Errorf("flip mismatch: %f vs %f", out.At(0, 0, 1), src.At(0, 4, 1))
	}
	skip, _ := HorizontalFlip{P: 0}.Apply(src, rand.New(rand.NewPCG(1, 1)))
	if !skip.Equal(src) {
		t.Error("flip with p=0 changed the image")
	}
}

func TestNormalizeZeroStd(t *testing.T) {
	_, err := Normalize{Std: [3]float32{1, 0, 1}}.Apply(gradientImage(2, 2), nil)
	if !errdefs.IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestPipelineDeterminism(t *testing.T) {
	p, err := Lookup("custom", Options{Width: 24, Height: 32, Mean: preprocessing.DefaultMean, Std: preprocessing.DefaultStd})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	src := gradientImage(60, 80)

	a, err := p.Apply(src, SampleRNG(42, 3, 7))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	b, err := p.Apply(src, SampleRNG(42, 3, 7))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !a.Equal(b) {
		t.Error("same seed produced different outputs")
	}
	if a.Width != 24 || a.Height != 32 {
		t.Errorf("unexpected output size %dx%d", a.Width, a.Height)
	}

	differs := false
	for idx := 0; idx < 20 && !differs; idx++ {
		c, err := p.Apply(src, SampleRNG(42, 3, 100+idx))
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		differs = !c.Equal(a)
	}
	if !differs {
		t.Error("different samples never produced a different output")
	}
}

func TestComposeAssociative(t *testing.T) {
	a := Resize{Width: 10, Height: 10}
	b := HorizontalFlip{P: 0.5}
	c := GaussianNoise{Std: 0.05, P: 0.5}

	left := Compose(Compose(a, b), c)
	right := Compose(a, Compose(b, c))
	if left.Len() != 3 || right.Len() != 3 {
		t.Fatalf("nested pipelines not flattened: %d, %d", left.Len(), right.Len())
	}
	if left.Name() != right.Name() {
		t.Errorf("names differ: %q vs %q", left.Name(), right.Name())
	}

	src := gradientImage(14, 9)
	x, _ := left.Apply(src, SampleRNG(7, 0, 0))
	y, _ := right.Apply(src, SampleRNG(7, 0, 0))
	if !x.Equal(y) {
		t.Error("grouping changed the result")
	}

	empty := Compose()
	out, err := empty.Apply(src, SampleRNG(7, 0, 0))
	if err != nil || !out.Equal(src) || out == src {
		t.Error("empty pipeline should return an equal copy")
	}
}

func TestLookup(t *testing.T) {
	opts := DefaultOptions()
	for _, name := range []string{"base", "BaseAugmentation", "CustomAugmentation", "valid", " Custom "} {
		if _, err := Lookup(name, opts); err != nil {
			t.Errorf("Lookup(%q): %v", name, err)
		}
	}
	if _, err := Lookup("mixup", opts); !errdefs.IsConfiguration(err) {
		t.Errorf("expected configuration error for unknown preset, got %v", err)
	}
	if _, err := Lookup("base", Options{}); !errdefs.IsConfiguration(err) {
		t.Errorf("expected configuration error for zero size, got %v", err)
	}
}

func TestCutMix(t *testing.T) {
	images := []*preprocessing.Image{solidImage(20, 20, 0), solidImage(20, 20, 1), solidImage(20, 20, 0.5)}
	targets := []dataset.Target{
		dataset.OneHot(dataset.LabelSet{Mask: dataset.Wear, Gender: dataset.Male, Age: dataset.Young}),
		dataset.OneHot(dataset.LabelSet{Mask: dataset.NotWear, Gender: dataset.Female, Age: dataset.Old}),
		dataset.OneHot(dataset.LabelSet{Mask: dataset.Incorrect, Gender: dataset.Male, Age: dataset.Middle}),
	}
	cm := CutMix{Prob: 1, Alpha: 1}

	t.Run("MassSumsToOne", func(t *testing.T) {
		applied := 0
		for seed := uint64(0); seed < 50; seed++ {
			_, mixed, info, err := cm.Mix(images, targets, rand.New(rand.NewPCG(seed, 9)))
			if err != nil {
				t.Fatalf("Mix: %v", err)
			}
			if info.Applied {
				applied++
				if info.Lambda < 0 || info.Lambda >= 1 {
					t.Errorf("lambda %f out of range", info.Lambda)
				}
			}
			for i, tg := range mixed {
				for _, task := range dataset.Tasks {
					if m := tg.Mass(task); math.Abs(float64(m-1)) > 1e-5 {
						t.Fatalf("seed %d sample %d task %s mass %f", seed, i, task, m)
					}
				}
			}
		}
		if applied == 0 {
			t.Error("mixing never applied with prob 1")
		}
	})

	t.Run("InputsUntouched", func(t *testing.T) {
		before := images[0].Clone()
		_, _, _, err := cm.Mix(images, targets, rand.New(rand.NewPCG(3, 3)))
		if err != nil {
			t.Fatalf("Mix: %v", err)
		}
		if !images[0].Equal(before) {
			t.Error("Mix modified an input image")
		}
		if targets[0][dataset.MaskTask][dataset.Wear] != 1 {
			t.Error("Mix modified an input target")
		}
	})

	t.Run("PixelsMatchLambda", func(t *testing.T) {
		for seed := uint64(0); seed < 20; seed++ {
			out, _, info, err := cm.Mix(images, targets, rand.New(rand.NewPCG(seed, 1)))
			if err != nil {
				t.Fatalf("Mix: %v", err)
			}
			if !info.Applied {
				continue
			}
			for i, img := range out {
				j := info.Perm[i]
				if images[i].Data[0] == images[j].Data[0] {
					continue
				}
				kept := 0
				plane := img.Plane(0)
				for _, v := range plane {
					if v == images[i].Data[0] {
						kept++
					}
				}
				got := float64(kept) / float64(len(plane))
				if math.Abs(got-info.Lambda) > 1e-9 {
					t.Errorf("seed %d sample %d: kept fraction %f, lambda %f", seed, i, got, info.Lambda)
				}
			}
		}
	})

	t.Run("ZeroAreaIsNoop", func(t *testing.T) {
		rng := rand.New(rand.NewPCG(5, 5))
		if r := randBox(20, 20, 1, rng); !r.Empty() {
			t.Fatalf("lambda 1 gave non-empty box %v", r)
		}
		tiny := []*preprocessing.Image{solidImage(1, 1, 0), solidImage(1, 1, 1)}
		out, mixed, info, err := cm.Mix(tiny, targets[:2], rand.New(rand.NewPCG(1, 1)))
		if err != nil {
			t.Fatalf("Mix: %v", err)
		}
		if info.Applied {
			t.Fatal("1x1 images cannot hold a non-empty half-size box")
		}
		if !out[0].Equal(tiny[0]) || mixed[1].Argmax(dataset.AgeTask) != int(dataset.Old) {
			t.Error("no-op mix changed the batch")
		}
	})

	t.Run("ProbZero", func(t *testing.T) {
		_, _, info, err := CutMix{Prob: 0, Alpha: 1}.Mix(images, targets, rand.New(rand.NewPCG(1, 1)))
		if err != nil || info.Applied {
			t.Errorf("prob 0 should never mix: %+v %v", info, err)
		}
	})

	t.Run("Validate", func(t *testing.T) {
		if err := (CutMix{Prob: 2, Alpha: 1}).Validate(); !errdefs.IsConfiguration(err) {
			t.Errorf("expected configuration error, got %v", err)
		}
		if err := DefaultCutMix().Validate(); err != nil {
			t.Errorf("default: %v", err)
		}
	})

}
