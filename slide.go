// Package goslide reads whole-slide images through the OpenSlide library.
//
// A Slide wraps one native openslide_t handle. Level geometry, properties and
// associated image names are read once at Open and never change. Any number of
// goroutines may read regions from a Slide at the same time; Close waits for
// in-flight reads, releases the handle, and makes every later call fail with
// ErrDisposed.
package goslide

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Slide is an open whole-slide image.
type Slide struct {
	path    string
	key     string
	hashKey bool

	lib     Library
	logger  log.Logger
	metrics *Metrics

	handle  *nativeHandle[Ref]
	meta    *metadata
	cleanup runtime.Cleanup
}

// metadata is everything read from the native layer at open time.
type metadata struct {
	levels      []Level
	downsamples []float64
	properties  map[string]string
	associated  []string // sorted
}

// Open opens the slide at path. An empty path is passed to the native library
// unchanged, which opens its synthetic test slide.
//
// On failure no native handle remains open.
func Open(path string, opts ...Option) (*Slide, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	// allow opening the synthetic slide
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
			}
			return nil, fmt.Errorf("failed to stat slide: %w", err)
		}
	}

	osr := o.lib.Open(path)
	if osr == 0 {
		o.metrics.observeCall("open", ErrUnrecognizedFormat)
		return nil, fmt.Errorf("%s: %w", path, ErrUnrecognizedFormat)
	}

	meta, err := readMetadata(o.lib, osr)
	o.metrics.observeCall("open", err)
	if err != nil {
		// still opening, nobody else can see osr
		o.lib.Close(osr)
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	s := &Slide{
		path:    canonicalPath(path),
		lib:     o.lib,
		logger:  o.logger,
		metrics: o.metrics,
		meta:    meta,
	}
	s.handle = newNativeHandle("slide", osr, o.lib.Close)

	// store info for Key and Equal
	if hash := meta.properties[PropertyNameQuickHash1]; hash != "" {
		s.key, s.hashKey = hash, true
	} else {
		s.key = s.path
	}

	s.cleanup = runtime.AddCleanup(s, releaseLeaked, leakedSlide{
		handle:  s.handle,
		path:    s.path,
		logger:  s.logger,
		metrics: s.metrics,
	})

	s.metrics.slideOpened()
	level.Debug(s.logger).Log("msg", "opened slide", "path", s.path, "levels", len(meta.levels),
		"vendor", meta.properties[PropertyNameVendor])

	return s, nil
}

func readMetadata(lib Library, osr Ref) (*metadata, error) {
	// immediately check for errors
	if err := checkError(lib, osr, "open"); err != nil {
		return nil, err
	}

	count := lib.LevelCount(osr)
	if err := checkError(lib, osr, "level count"); err != nil {
		return nil, err
	}
	if count < 1 {
		return nil, fmt.Errorf("no pyramid levels: %w", ErrUnrecognizedFormat)
	}

	meta := &metadata{levels: make([]Level, count)}
	for i := int32(0); i < count; i++ {
		w, h := lib.LevelDimensions(osr, i)
		if err := checkError(lib, osr, "level dimensions"); err != nil {
			return nil, err
		}
		ds := lib.LevelDownsample(osr, i)
		if err := checkError(lib, osr, "level downsample"); err != nil {
			return nil, err
		}
		meta.levels[i] = Level{Width: w, Height: h, Downsample: ds}
	}
	meta.downsamples = levelDownsamples(meta.levels)

	names := lib.PropertyNames(osr)
	if err := checkError(lib, osr, "property names"); err != nil {
		return nil, err
	}
	meta.properties = make(map[string]string, len(names))
	for _, name := range names {
		v := lib.PropertyValue(osr, name)
		if err := checkError(lib, osr, "property value"); err != nil {
			return nil, err
		}
		meta.properties[name] = v
	}

	meta.associated = lib.AssociatedImageNames(osr)
	if err := checkError(lib, osr, "associated image names"); err != nil {
		return nil, err
	}
	slices.Sort(meta.associated)
	meta.associated = slices.Compact(meta.associated)

	return meta, nil
}

func canonicalPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// leakedSlide is what the GC backstop needs; it must not reference the Slide.
type leakedSlide struct {
	handle  *nativeHandle[Ref]
	path    string
	logger  log.Logger
	metrics *Metrics
}

func releaseLeaked(l leakedSlide) {
	if l.handle.close() {
		l.metrics.handleLeaked()
		l.metrics.slideClosed()
		level.Warn(l.logger).Log("msg", "slide was garbage collected without Close", "path", l.path)
	}
}

// Close releases the native handle after in-flight reads finish. Closing an
// already closed slide does nothing. Close always returns nil; the error return
// satisfies io.Closer.
func (s *Slide) Close() error {
	if s.handle.close() {
		s.cleanup.Stop()
		s.metrics.slideClosed()
		level.Debug(s.logger).Log("msg", "closed slide", "path", s.path)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Slide) Closed() bool {
	return s.handle.closed()
}

// Path returns the canonical path the slide was opened from.
func (s *Slide) Path() string {
	return s.path
}

// Key identifies the slide content: the quickhash-1 property when the format
// provides one, else the canonical path. It stays valid after Close.
func (s *Slide) Key() string {
	return s.key
}

// Equal reports whether s and other are the same slide. Slides with a
// quickhash compare by hash; slides without one compare by canonical path.
func (s *Slide) Equal(other *Slide) bool {
	if s == other {
		return true
	}
	if other == nil || s.hashKey != other.hashKey {
		return false
	}
	return s.key == other.key
}

// metadata returns the open-time metadata, or ErrDisposed once closed.
func (s *Slide) metadata() (*metadata, error) {
	if err := s.handle.withRead(func(Ref) error { return nil }); err != nil {
		return nil, err
	}
	return s.meta, nil
}

// LevelCount returns the number of pyramid levels.
func (s *Slide) LevelCount() (int, error) {
	meta, err := s.metadata()
	if err != nil {
		return 0, err
	}
	return len(meta.levels), nil
}

// Level returns the geometry of level i.
func (s *Slide) Level(i int) (Level, error) {
	meta, err := s.metadata()
	if err != nil {
		return Level{}, err
	}
	if i < 0 || i >= len(meta.levels) {
		return Level{}, illegalArgument("level %d out of range [0, %d)", i, len(meta.levels))
	}
	return meta.levels[i], nil
}

// Levels returns the geometry of every level, level 0 first.
func (s *Slide) Levels() ([]Level, error) {
	meta, err := s.metadata()
	if err != nil {
		return nil, err
	}
	return slices.Clone(meta.levels), nil
}

// Dimensions returns the level-0 width and height.
func (s *Slide) Dimensions() (int64, int64, error) {
	meta, err := s.metadata()
	if err != nil {
		return 0, 0, err
	}
	return meta.levels[0].Width, meta.levels[0].Height, nil
}

// BestLevelForDownsample returns the level ReadScaledRegion would read for downsample.
func (s *Slide) BestLevelForDownsample(downsample float64) (int, error) {
	meta, err := s.metadata()
	if err != nil {
		return 0, err
	}
	return SelectLevel(meta.downsamples, downsample), nil
}

// Properties returns a copy of the slide's property map.
func (s *Slide) Properties() (map[string]string, error) {
	meta, err := s.metadata()
	if err != nil {
		return nil, err
	}
	return maps.Clone(meta.properties), nil
}

// Property returns a single property value and whether it is set.
func (s *Slide) Property(name string) (string, bool, error) {
	meta, err := s.metadata()
	if err != nil {
		return "", false, err
	}
	v, ok := meta.properties[name]
	return v, ok, nil
}

// AssociatedImageNames returns the names of the slide's associated images, sorted.
func (s *Slide) AssociatedImageNames() ([]string, error) {
	meta, err := s.metadata()
	if err != nil {
		return nil, err
	}
	return slices.Clone(meta.associated), nil
}
