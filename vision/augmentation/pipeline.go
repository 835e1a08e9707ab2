// Package augmentation composes per-sample image transforms and the
// batch-level CutMix mixing used during training.
package augmentation

import (
	"hash/fnv"
	"math/rand/v2"
	"strings"

	"github.com/tsawler/go-maskclf/vision/preprocessing"
)

// Transform is one stage of a pipeline. Apply must not modify its input and
// must draw all randomness from rng.
type Transform interface {
	Apply(img *preprocessing.Image, rng *rand.Rand) (*preprocessing.Image, error)
	Name() string
}

// Pipeline applies its stages in order.
type Pipeline struct {
	stages []Transform
}

// Compose builds a pipeline from stages. Nested pipelines are flattened,
// so Compose(Compose(a, b), c) and Compose(a, Compose(b, c)) are the same
// pipeline.
func Compose(stages ...Transform) *Pipeline {
	p := &Pipeline{}
	for _, s := range stages {
		if s == nil {
			continue
		}
		if inner, ok := s.(*Pipeline); ok {
			p.stages = append(p.stages, inner.stages...)
			continue
		}
		p.stages = append(p.stages, s)
	}
	return p
}

// Apply runs every stage on img.
func (p *Pipeline) Apply(img *preprocessing.Image, rng *rand.Rand) (*preprocessing.Image, error) {
	out := img
	for _, s := range p.stages {
		var err error
		out, err = s.Apply(out, rng)
		if err != nil {
			return nil, err
		}
	}
	if out == img {
		out = img.Clone()
	}
	return out, nil
}

// Stages returns a copy of the stage list.
func (p *Pipeline) Stages() []Transform {
	out := make([]Transform, len(p.stages))
	copy(out, p.stages)
	return out
}

// Len returns the number of stages.
func (p *Pipeline) Len() int { return len(p.stages) }

// Name lists the stage names joined by " -> ".
func (p *Pipeline) Name() string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return strings.Join(names, " -> ")
}

func (p *Pipeline) String() string { return "Pipeline(" + p.Name() + ")" }

// SampleRNG returns the generator for one application of a pipeline to the
// sample at index during epoch. Equal inputs give equal streams; different
// samples and epochs get independent streams.
func SampleRNG(seed uint64, epoch, index int) *rand.Rand {
	return rand.New(rand.NewPCG(seed, mixKey(uint64(epoch), uint64(index))))
}

// BatchRNG returns the generator for batch-level mixing of batch b in epoch.
func BatchRNG(seed uint64, epoch, batch int) *rand.Rand {
	return rand.New(rand.NewPCG(seed^0xc0ffee, mixKey(uint64(epoch), uint64(batch)|1<<62)))
}

func mixKey(a, b uint64) uint64 {
	h := fnv.New64a()
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(a >> (8 * i))
		buf[8+i] = byte(b >> (8 * i))
	}
	h.Write(buf[:])
	return h.Sum64()
}
