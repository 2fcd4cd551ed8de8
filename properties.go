package goslide

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

// Well-known property names.
const (
	PropertyNameBackgroundColor = "openslide.background-color"
	PropertyNameBoundsHeight    = "openslide.bounds-height"
	PropertyNameBoundsWidth     = "openslide.bounds-width"
	PropertyNameBoundsX         = "openslide.bounds-x"
	PropertyNameBoundsY         = "openslide.bounds-y"
	PropertyNameComment         = "openslide.comment"
	PropertyNameMPPX            = "openslide.mpp-x"
	PropertyNameMPPY            = "openslide.mpp-y"
	PropertyNameObjectivePower  = "openslide.objective-power"
	PropertyNameQuickHash1      = "openslide.quickhash-1"
	PropertyNameVendor          = "openslide.vendor"
)

// Vendor returns the format vendor, e.g. "aperio".
func (s *Slide) Vendor() (string, error) {
	v, _, err := s.Property(PropertyNameVendor)
	return v, err
}

// QuickHash returns the quickhash-1 fingerprint, if the format has one.
func (s *Slide) QuickHash() (string, bool, error) {
	return s.Property(PropertyNameQuickHash1)
}

// MPP returns microns per pixel at level 0. ok is false unless both axes are
// present and parse.
func (s *Slide) MPP() (x, y float64, ok bool, err error) {
	meta, err := s.metadata()
	if err != nil {
		return 0, 0, false, err
	}
	x, okX := parseFloatProperty(meta.properties, PropertyNameMPPX)
	y, okY := parseFloatProperty(meta.properties, PropertyNameMPPY)
	if !okX || !okY {
		return 0, 0, false, nil
	}
	return x, y, true, nil
}

// ObjectivePower returns the scanner's objective magnification.
func (s *Slide) ObjectivePower() (float64, bool, error) {
	meta, err := s.metadata()
	if err != nil {
		return 0, false, err
	}
	v, ok := parseFloatProperty(meta.properties, PropertyNameObjectivePower)
	return v, ok, nil
}

// BackgroundColor returns the color to paint behind transparent slide areas.
func (s *Slide) BackgroundColor() (color.RGBA, bool, error) {
	meta, err := s.metadata()
	if err != nil {
		return color.RGBA{}, false, err
	}
	c, ok := meta.backgroundColor()
	return c, ok, nil
}

func (m *metadata) backgroundColor() (color.RGBA, bool) {
	v, ok := m.properties[PropertyNameBackgroundColor]
	if !ok {
		return color.RGBA{}, false
	}
	c, err := parseHexColor(v)
	if err != nil {
		return color.RGBA{}, false
	}
	return c, true
}

// parseHexColor parses the RRGGBB form OpenSlide uses for colors.
func parseHexColor(v string) (color.RGBA, error) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "#")
	if len(v) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid color %q", v)
	}
	n, err := strconv.ParseUint(v, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid color %q: %w", v, err)
	}
	return color.RGBA{R: uint8(n >> 16), G: uint8(n >> 8), B: uint8(n), A: 0xff}, nil
}

func parseFloatProperty(props map[string]string, name string) (float64, bool) {
	v, ok := props[name]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
