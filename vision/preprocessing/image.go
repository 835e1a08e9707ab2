package preprocessing

import (
	"context"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/tsawler/go-maskclf/errdefs"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Image is a decoded picture in CHW layout (channels, height, width).
// Pixel values are in [0, 1] until normalized.
type Image struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// NewImage allocates a zeroed RGB image.
func NewImage(width, height int) *Image {
	return &Image{
		Data:     make([]float32, 3*width*height),
		Width:    width,
		Height:   height,
		Channels: 3,
	}
}

// Plane returns the pixels of channel c.
func (img *Image) Plane(c int) []float32 {
	n := img.Width * img.Height
	return img.Data[c*n : (c+1)*n]
}

// At returns the value of channel c at (x, y).
func (img *Image) At(c, x, y int) float32 {
	return img.Data[c*img.Width*img.Height+y*img.Width+x]
}

// Set writes the value of channel c at (x, y).
func (img *Image) Set(c, x, y int, v float32) {
	img.Data[c*img.Width*img.Height+y*img.Width+x] = v
}

// Clone returns a deep copy.
func (img *Image) Clone() *Image {
	data := make([]float32, len(img.Data))
	copy(data, img.Data)
	return &Image{Data: data, Width: img.Width, Height: img.Height, Channels: img.Channels}
}

// Equal reports whether both images have the same shape and pixels.
func (img *Image) Equal(other *Image) bool {
	if img.Width != other.Width || img.Height != other.Height || img.Channels != other.Channels {
		return false
	}
	for i, v := range img.Data {
		if other.Data[i] != v {
			return false
		}
	}
	return true
}

// FromImage converts any image.Image to a 3-channel Image in [0, 1].
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	out := NewImage(b.Dx(), b.Dy())
	n := out.Width * out.Height
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			idx := y*out.Width + x
			out.Data[idx] = float32(r) / 65535.0
			out.Data[n+idx] = float32(g) / 65535.0
			out.Data[2*n+idx] = float32(bl) / 65535.0
		}
	}
	return out
}

// ToImage converts back to a 16-bit RGBA image, clamping values to [0, 1].
func (img *Image) ToImage() *image.RGBA64 {
	out := image.NewRGBA64(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			out.SetRGBA64(x, y, color.RGBA64{
				R: to16(img.At(0, x, y)),
				G: to16(img.At(1, x, y)),
				B: to16(img.At(2, x, y)),
				A: 0xffff,
			})
		}
	}
	return out
}

func to16(v float32) uint16 {
	switch {
	case v != v || v <= 0:
		return 0
	case v >= 1:
		return 0xffff
	}
	return uint16(v*65535 + 0.5)
}

// Decode reads a JPEG, PNG, GIF, BMP or WebP image.
func Decode(r io.Reader) (*Image, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, err
	}
	return FromImage(src), nil
}

// LoadFile decodes the image at path. Any failure is a DataLoadError.
func LoadFile(path string) (*Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errdefs.DataLoad("preprocessing.LoadFile", err, "open %s", path)
	}
	defer file.Close()

	img, err := Decode(file)
	if err != nil {
		return nil, errdefs.DataLoad("preprocessing.LoadFile", err, "decode %s", path)
	}
	return img, nil
}

// Resize scales img to width x height with bilinear interpolation. Values
// outside [0, 1] are clamped, so resize before normalizing.
func Resize(img *Image, width, height int) *Image {
	if img.Width == width && img.Height == height {
		return img.Clone()
	}
	dst := image.NewRGBA64(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img.ToImage(), image.Rect(0, 0, img.Width, img.Height), draw.Src, nil)
	return FromImage(dst)
}

// CenterCrop cuts a width x height window from the middle of img. Sizes
// larger than the image are clipped to it.
func CenterCrop(img *Image, width, height int) *Image {
	if width > img.Width {
		width = img.Width
	}
	if height > img.Height {
		height = img.Height
	}
	x0 := (img.Width - width) / 2
	y0 := (img.Height - height) / 2
	out := &Image{Data: make([]float32, img.Channels*width*height), Width: width, Height: height, Channels: img.Channels}
	for c := 0; c < img.Channels; c++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				out.Set(c, x, y, img.At(c, x0+x, y0+y))
			}
		}
	}
	return out
}

// Normalize returns (img - mean) / std per channel.
func Normalize(img *Image, mean, std [3]float32) *Image {
	out := img.Clone()
	for c := 0; c < out.Channels && c < 3; c++ {
		plane := out.Plane(c)
		for i, v := range plane {
			plane[i] = (v - mean[c]) / std[c]
		}
	}
	return out
}

// LoadBatch decodes paths concurrently with at most workers goroutines. The
// first failure cancels the remaining loads and is returned.
func LoadBatch(ctx context.Context, paths []string, workers int) ([]*Image, error) {
	if workers <= 0 {
		workers = 1
	}
	results := make([]*Image, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := LoadFile(path)
			if err != nil {
				return err
			}
			results[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
