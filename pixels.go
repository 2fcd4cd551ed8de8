package goslide

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

// MaxPixels bounds a single native read. OpenSlide callers have historically
// been limited to one int32-indexed array per region.
const MaxPixels = math.MaxInt32

// PixelBuffer holds decoded samples as premultiplied ARGB, one uint32 per
// pixel, row-major: index = y * Width + x.
type PixelBuffer struct {
	Pix    []uint32
	Width  int32
	Height int32
}

// NewPixelBuffer allocates a zeroed (fully transparent) w x h buffer.
func NewPixelBuffer(w, h int64) (*PixelBuffer, error) {
	if err := checkBufferSize(w, h); err != nil {
		return nil, err
	}
	return &PixelBuffer{
		Pix:    make([]uint32, w*h),
		Width:  int32(w),
		Height: int32(h),
	}, nil
}

func checkBufferSize(w, h int64) error {
	if w < 0 || h < 0 {
		return illegalArgument("w and h must be nonnegative (got %dx%d)", w, h)
	}
	if w > math.MaxInt32 || h > math.MaxInt32 || (h > 0 && w > MaxPixels/h) {
		return illegalArgument("region %dx%d exceeds %d pixels", w, h, MaxPixels)
	}
	return nil
}

// ARGBAt returns the raw premultiplied ARGB sample at x, y, or 0 outside the buffer.
func (p *PixelBuffer) ARGBAt(x, y int) uint32 {
	if x < 0 || x >= int(p.Width) || y < 0 || y >= int(p.Height) {
		return 0
	}
	return p.Pix[y*int(p.Width)+x]
}

// ColorModel implements image.Image.
func (p *PixelBuffer) ColorModel() color.Model {
	return color.RGBAModel
}

// Bounds implements image.Image.
func (p *PixelBuffer) Bounds() image.Rectangle {
	return image.Rect(0, 0, int(p.Width), int(p.Height))
}

// At implements image.Image. Samples are already premultiplied, so they map
// directly onto color.RGBA.
func (p *PixelBuffer) At(x, y int) color.Color {
	return argbToRGBA(p.ARGBAt(x, y))
}

// RGBA converts the buffer into a newly allocated *image.RGBA.
func (p *PixelBuffer) RGBA() *image.RGBA {
	img := image.NewRGBA(p.Bounds())
	argbToRGBABytes(img.Pix, p.Pix)
	return img
}

func argbToRGBA(v uint32) color.RGBA {
	return color.RGBA{
		R: uint8(v >> 16),
		G: uint8(v >> 8),
		B: uint8(v),
		A: uint8(v >> 24),
	}
}

// argbToRGBABytes expands premultiplied ARGB words into RGBA byte quads.
// dst must hold at least 4*len(src) bytes.
func argbToRGBABytes(dst []byte, src []uint32) {
	for i, v := range src {
		o := i * 4
		dst[o] = uint8(v >> 16)
		dst[o+1] = uint8(v >> 8)
		dst[o+2] = uint8(v)
		dst[o+3] = uint8(v >> 24)
	}
}

// scaleInto draws src scaled to r within dst, compositing over what is there.
func scaleInto(dst draw.Image, r image.Rectangle, src image.Image) {
	if r.Dx() == src.Bounds().Dx() && r.Dy() == src.Bounds().Dy() {
		draw.Draw(dst, r, src, src.Bounds().Min, draw.Over)
		return
	}
	draw.ApproxBiLinear.Scale(dst, r, src, src.Bounds(), draw.Over, nil)
}
