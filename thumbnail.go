package goslide

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

// Thumbnail renders the whole slide so that its longer side is at most
// maxSize pixels. Areas without slide data show the slide's background color,
// or white when the format does not record one.
func (s *Slide) Thumbnail(maxSize int) (*image.RGBA, error) {
	if maxSize <= 0 {
		return nil, illegalArgument("thumbnail size (%d) must be positive", maxSize)
	}
	meta, err := s.metadata()
	if err != nil {
		return nil, err
	}

	w, h := meta.levels[0].Width, meta.levels[0].Height
	downsample := math.Max(float64(max(w, h))/float64(maxSize), 1.0)
	sw := int64(float64(w) / downsample)
	sh := int64(float64(h) / downsample)

	bg := color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	if c, ok := meta.backgroundColor(); ok {
		bg = c
	}

	img := image.NewRGBA(image.Rect(0, 0, int(sw), int(sh)))
	draw.Draw(img, img.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)
	if err := s.RenderRegion(img, image.Point{}, 0, 0, int32(sw), int32(sh), downsample); err != nil {
		return nil, err
	}
	return img, nil
}
