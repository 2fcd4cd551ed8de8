package goslide

import (
	"strconv"

	"github.com/paulmach/orb"
)

// Geometry uses orb types in pixel space: X grows right, Y grows down, and
// Bound.Max is exclusive.

// LevelBound returns the full extent of level in its own coordinates.
func (s *Slide) LevelBound(level int) (orb.Bound, error) {
	l, err := s.Level(level)
	if err != nil {
		return orb.Bound{}, err
	}
	return orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{float64(l.Width), float64(l.Height)}}, nil
}

// LevelToBase converts a point in level coordinates to level-0 coordinates.
func (s *Slide) LevelToBase(level int, p orb.Point) (orb.Point, error) {
	l, err := s.Level(level)
	if err != nil {
		return orb.Point{}, err
	}
	return orb.Point{p[0] * l.Downsample, p[1] * l.Downsample}, nil
}

// BaseToLevel converts a level-0 point to the coordinates of level.
func (s *Slide) BaseToLevel(level int, p orb.Point) (orb.Point, error) {
	l, err := s.Level(level)
	if err != nil {
		return orb.Point{}, err
	}
	return orb.Point{p[0] / l.Downsample, p[1] / l.Downsample}, nil
}

// Bounds returns the level-0 rectangle that holds slide data. Formats that
// record a non-empty region publish it as openslide.bounds-*; for everything
// else this is the whole of level 0.
func (s *Slide) Bounds() (orb.Bound, error) {
	meta, err := s.metadata()
	if err != nil {
		return orb.Bound{}, err
	}
	full := orb.Bound{
		Min: orb.Point{0, 0},
		Max: orb.Point{float64(meta.levels[0].Width), float64(meta.levels[0].Height)},
	}

	var v [4]int64
	for i, name := range []string{PropertyNameBoundsX, PropertyNameBoundsY, PropertyNameBoundsWidth, PropertyNameBoundsHeight} {
		n, err := strconv.ParseInt(meta.properties[name], 10, 64)
		if err != nil {
			return full, nil
		}
		v[i] = n
	}
	if v[2] <= 0 || v[3] <= 0 {
		return full, nil
	}
	return orb.Bound{
		Min: orb.Point{float64(v[0]), float64(v[1])},
		Max: orb.Point{float64(v[0] + v[2]), float64(v[1] + v[3])},
	}, nil
}
