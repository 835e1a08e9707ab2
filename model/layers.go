package model

import (
	"math"
	"math/rand/v2"

	"github.com/tsawler/go-maskclf/vision/preprocessing"
)

// poolGrid is the side of the average-pooling grid every image is reduced
// to, so models accept any input size.
const poolGrid = 8

func poolFeatures(img *preprocessing.Image) []float32 {
	out := make([]float32, 0, 3*poolGrid*poolGrid)
	for c := 0; c < 3; c++ {
		ch := min(c, img.Channels-1)
		for gy := 0; gy < poolGrid; gy++ {
			y0 := gy * img.Height / poolGrid
			y1 := max(y0+1, (gy+1)*img.Height/poolGrid)
			for gx := 0; gx < poolGrid; gx++ {
				x0 := gx * img.Width / poolGrid
				x1 := max(x0+1, (gx+1)*img.Width/poolGrid)
				var sum float32
				for y := y0; y < y1; y++ {
					for x := x0; x < x1; x++ {
						sum += img.At(ch, x, y)
					}
				}
				out = append(out, sum/float32((y1-y0)*(x1-x0)))
			}
		}
	}
	return out
}

const numFeatures = 3 * poolGrid * poolGrid

type dense struct {
	w, b    *Parameter
	in, out int
}

func newDense(name string, in, out int, rng *rand.Rand) *dense {
	d := &dense{
		w:   newParameter(name+".weight", out, in),
		b:   newParameter(name+".bias", out),
		in:  in,
		out: out,
	}
	limit := math.Sqrt(6 / float64(in+out))
	for i := range d.w.Data {
		d.w.Data[i] = float32((2*rng.Float64() - 1) * limit)
	}
	return d
}

func (d *dense) forward(x [][]float32) [][]float32 {
	y := make([][]float32, len(x))
	for n, row := range x {
		out := make([]float32, d.out)
		for o := 0; o < d.out; o++ {
			w := d.w.Data[o*d.in : (o+1)*d.in]
			s := d.b.Data[o]
			for i, v := range row {
				s += w[i] * v
			}
			out[o] = s
		}
		y[n] = out
	}
	return y
}

// backward accumulates weight gradients and returns the input gradient.
func (d *dense) backward(x, gradOut [][]float32) [][]float32 {
	gradIn := make([][]float32, len(x))
	for n, row := range x {
		gi := make([]float32, d.in)
		for o, g := range gradOut[n] {
			if g == 0 {
				continue
			}
			d.b.Grad[o] += g
			w := d.w.Data[o*d.in : (o+1)*d.in]
			gw := d.w.Grad[o*d.in : (o+1)*d.in]
			for i, v := range row {
				gw[i] += g * v
				gi[i] += g * w[i]
			}
		}
		gradIn[n] = gi
	}
	return gradIn
}

// dropoutMask returns inverted-dropout scales: 0 for dropped units and
// 1/(1-p) for kept ones.
func dropoutMask(rng *rand.Rand, rows, cols int, p float64) [][]float32 {
	keep := float32(1 / (1 - p))
	mask := make([][]float32, rows)
	for n := range mask {
		m := make([]float32, cols)
		for i := range m {
			if rng.Float64() >= p {
				m[i] = keep
			}
		}
		mask[n] = m
	}
	return mask
}

func applyMask(x, mask [][]float32) [][]float32 {
	out := make([][]float32, len(x))
	for n, row := range x {
		r := make([]float32, len(row))
		for i, v := range row {
			r[i] = v * mask[n][i]
		}
		out[n] = r
	}
	return out
}
