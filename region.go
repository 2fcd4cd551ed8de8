package goslide

import (
	"image"
	"math"
	"time"

	"golang.org/x/image/draw"
)

// Region is the result of a scaled read.
//
// Pixels holds the level-space samples actually decoded. They still need to be
// scaled to OutWidth x OutHeight for display; Image does that.
type Region struct {
	// Pixels is nil when the request lies entirely outside the slide.
	Pixels *PixelBuffer
	// Level is the pyramid level that was read.
	Level int
	// BaseX, BaseY is the level-0 origin passed to the native read.
	BaseX, BaseY int64
	// LevelX, LevelY is the origin in level coordinates.
	LevelX, LevelY int64
	// OutWidth, OutHeight is the destination extent after clipping; both are
	// zero for an empty region.
	OutWidth, OutHeight int32
}

// Empty reports whether nothing of the slide is visible in the region.
func (r *Region) Empty() bool {
	return r.Pixels == nil
}

// Image returns the region scaled to its destination extent.
func (r *Region) Image() *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, int(max(r.OutWidth, 0)), int(max(r.OutHeight, 0))))
	if r.Empty() || dst.Bounds().Empty() {
		return dst
	}
	scaleInto(dst, dst.Bounds(), r.Pixels.RGBA())
	return dst
}

// regionPlan is the clipped native read for one scaled request.
type regionPlan struct {
	level          int
	relative       float64
	baseX, baseY   int64
	levelX, levelY int64
	levelW, levelH int64
	outW, outH     int64
}

// planRegion maps a request at downsample onto the best level. x, y, w and h
// are in the downsampled coordinate space. Offsets truncate toward zero, sizes
// round half up, and the output size is recomputed from the clipped level
// extent so adjacent tiles meet without seams.
func planRegion(levels []Level, downsamples []float64, x, y int64, w, h int32, downsample float64) regionPlan {
	// get the level
	lvl := SelectLevel(downsamples, downsample)

	// compute the difference
	relative := downsample / levels[lvl].Downsample

	p := regionPlan{
		level:    lvl,
		relative: relative,
		// scale source coordinates into level coordinates
		baseX:  int64(downsample * float64(x)),
		baseY:  int64(downsample * float64(y)),
		levelX: int64(relative * float64(x)),
		levelY: int64(relative * float64(y)),
		// scale width and height by relative downsample
		levelW: roundHalfUp(relative * float64(w)),
		levelH: roundHalfUp(relative * float64(h)),
	}

	// clip to edge of image
	p.levelW = min(p.levelW, levels[lvl].Width-p.levelX)
	p.levelH = min(p.levelH, levels[lvl].Height-p.levelY)
	if p.empty() {
		p.levelW, p.levelH = 0, 0
		return p
	}
	p.outW = roundHalfUp(float64(p.levelW) / relative)
	p.outH = roundHalfUp(float64(p.levelH) / relative)

	return p
}

func (p regionPlan) empty() bool {
	return p.levelW <= 0 || p.levelH <= 0
}

func (p regionPlan) region() *Region {
	return &Region{
		Level:     p.level,
		BaseX:     p.baseX,
		BaseY:     p.baseY,
		LevelX:    p.levelX,
		LevelY:    p.levelY,
		OutWidth:  int32(p.outW),
		OutHeight: int32(p.outH),
	}
}

// roundHalfUp rounds to the nearest integer, halves toward +Inf.
func roundHalfUp(v float64) int64 {
	return int64(math.Floor(v + 0.5))
}

// maxCoordinate bounds every level-0 coordinate a scaled request may reach.
const maxCoordinate float64 = 1 << 63

func checkScaledRequest(x, y int64, w, h int32, downsample float64) error {
	if !(downsample >= 1.0) || math.IsInf(downsample, 1) {
		return illegalArgument("downsample (%v) must be >= 1.0", downsample)
	}
	if w < 0 || h < 0 {
		return illegalArgument("w and h must be nonnegative (got %dx%d)", w, h)
	}
	// level coordinates never exceed base coordinates, so bounding the base
	// extent bounds every conversion in planRegion
	extent := max(math.Abs(float64(x))+float64(w), math.Abs(float64(y))+float64(h))
	if downsample*extent >= maxCoordinate {
		return illegalArgument("region at %d,%d size %dx%d overflows at downsample %v", x, y, w, h, downsample)
	}
	return nil
}

// ReadScaledRegion reads the w x h region at x, y of the image downsampled by
// downsample. It picks the best pyramid level, clips the read to the level's
// extent and returns the decoded level pixels with the resulting output size.
// A request entirely outside the slide returns an empty Region and no error.
func (s *Slide) ReadScaledRegion(x, y int64, w, h int32, downsample float64) (*Region, error) {
	if err := checkScaledRequest(x, y, w, h, downsample); err != nil {
		return nil, err
	}

	var region *Region
	err := s.handle.withRead(func(osr Ref) error {
		p := planRegion(s.meta.levels, s.meta.downsamples, x, y, w, h, downsample)
		region = p.region()
		if p.empty() {
			// nothing to draw
			return nil
		}
		buf, err := NewPixelBuffer(p.levelW, p.levelH)
		if err != nil {
			return err
		}
		if err := s.readLevel(osr, "read_scaled_region", buf.Pix, p.baseX, p.baseY, p.level, p.levelW, p.levelH); err != nil {
			return err
		}
		region.Pixels = buf
		return nil
	})
	if err != nil {
		return nil, err
	}
	return region, nil
}

// ReadRegion reads w x h pixels of level, starting at level-0 coordinates x, y.
func (s *Slide) ReadRegion(x, y int64, level int, w, h int64) (*PixelBuffer, error) {
	if level < 0 || level >= len(s.meta.levels) {
		return nil, illegalArgument("level %d out of range [0, %d)", level, len(s.meta.levels))
	}
	buf, err := NewPixelBuffer(w, h)
	if err != nil {
		return nil, err
	}

	err = s.handle.withRead(func(osr Ref) error {
		return s.readLevel(osr, "read_region", buf.Pix, x, y, level, w, h)
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// RenderRegion draws the w x h region at x, y of the image downsampled by
// downsample into dst at dp, compositing over dst's existing pixels. The area
// drawn is the region's clipped output extent.
func (s *Slide) RenderRegion(dst draw.Image, dp image.Point, x, y int64, w, h int32, downsample float64) error {
	if err := checkScaledRequest(x, y, w, h, downsample); err != nil {
		return err
	}

	var p regionPlan
	var pix []uint32
	err := s.handle.withRead(func(osr Ref) error {
		p = planRegion(s.meta.levels, s.meta.downsamples, x, y, w, h, downsample)
		if p.empty() {
			return nil
		}
		if err := checkBufferSize(p.levelW, p.levelH); err != nil {
			return err
		}
		pix = getPixels(int(p.levelW * p.levelH))
		return s.readLevel(osr, "render_region", pix, p.baseX, p.baseY, p.level, p.levelW, p.levelH)
	})
	if pix != nil {
		defer putPixels(pix)
	}
	if err != nil || p.empty() {
		return err
	}

	rgba := getRGBABytes(len(pix))
	defer putRGBABytes(rgba)
	argbToRGBABytes(rgba, pix)
	src := &image.RGBA{
		Pix:    rgba,
		Stride: int(p.levelW) * 4,
		Rect:   image.Rect(0, 0, int(p.levelW), int(p.levelH)),
	}
	scaleInto(dst, image.Rect(dp.X, dp.Y, dp.X+int(p.outW), dp.Y+int(p.outH)), src)
	return nil
}

// readLevel performs one native region read; callers hold shared access.
func (s *Slide) readLevel(osr Ref, op string, dest []uint32, x, y int64, level int, w, h int64) error {
	start := time.Now()
	s.lib.ReadRegion(osr, dest, x, y, int32(level), w, h)
	err := checkError(s.lib, osr, op)
	s.metrics.observeRead(op, start, len(dest), err)
	return err
}
