// Package slidetest provides an in-memory Library for exercising goslide
// without libopenslide.
//
// Slides are registered by path. Pixels follow a deterministic pattern so a
// test can verify every sample of a read. The fake counts calls per method and
// records protocol violations: calls on a released handle, and handles
// released while a read is still running.
package slidetest

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tingold/goslide"
)

// Slide describes one fake slide.
type Slide struct {
	Levels     []goslide.Level
	Properties map[string]string
	Associated map[string]Image
	// Errors sets the sticky error when the named method is called,
	// e.g. {"Open": "corrupt header"} or {"ReadRegion": "bad tile"}.
	Errors map[string]string
}

// Image is a fake associated image filled with a single sample value.
type Image struct {
	Width, Height int64
	Pixel         uint32
	// Unavailable makes the dimensions query report -1 without an error.
	Unavailable bool
}

// Library is a fake goslide.Library. The zero value is not usable; call New.
type Library struct {
	// ReadDelay is slept inside every ReadRegion, to widen race windows.
	ReadDelay time.Duration
	// NoCache makes CacheCreate report an old library without cache support.
	NoCache bool

	mu       sync.Mutex
	slides   map[string]*Slide
	open     map[goslide.Ref]*openSlide
	caches   map[goslide.CacheRef]int
	nextRef  uintptr
	calls    map[string]int
	released []goslide.Ref

	useAfterClose    atomic.Int64
	closeDuringRead  atomic.Int64
	concurrentWrites atomic.Int64
}

type openSlide struct {
	path    string
	def     *Slide
	err     string
	cache   goslide.CacheRef
	readers atomic.Int64
	closed  atomic.Bool
}

var _ goslide.Library = (*Library)(nil)

// New returns an empty fake library.
func New() *Library {
	return &Library{
		slides:  make(map[string]*Slide),
		open:    make(map[goslide.Ref]*openSlide),
		caches:  make(map[goslide.CacheRef]int),
		calls:   make(map[string]int),
		nextRef: 0x1000,
	}
}

// AddSlide registers s under path. The path must exist on disk for
// goslide.Open to get past its stat; "" registers the synthetic slide.
func (l *Library) AddSlide(path string, s *Slide) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slides[path] = s
}

// AddSlideFile creates an empty file in a test temp dir, registers s under its
// path and returns the path.
func (l *Library) AddSlideFile(tb testing.TB, name string, s *Slide) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), name)
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		tb.Fatalf("failed to create slide file: %v", err)
	}
	l.AddSlide(path, s)
	return path
}

// Pyramid returns levels for a w x h slide with the given downsamples.
func Pyramid(w, h int64, downsamples ...float64) []goslide.Level {
	levels := make([]goslide.Level, len(downsamples))
	for i, ds := range downsamples {
		levels[i] = goslide.Level{
			Width:      int64(float64(w) / ds),
			Height:     int64(float64(h) / ds),
			Downsample: ds,
		}
	}
	return levels
}

// PixelAt is the sample stored at level coordinates lx, ly. It is always
// opaque, so a zero sample in a read means "outside the level".
func PixelAt(level int32, lx, ly int64) uint32 {
	return 0xff000000 | uint32(level&0xf)<<20 | uint32(lx&0x3ff)<<10 | uint32(ly&0x3ff)
}

// LevelOrigin converts the level-0 read origin into level coordinates the way
// the fake's ReadRegion does.
func LevelOrigin(x, y int64, downsample float64) (int64, int64) {
	return int64(float64(x) / downsample), int64(float64(y) / downsample)
}

// Calls returns how many times method was called.
func (l *Library) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

// TotalCalls returns the number of calls across all methods.
func (l *Library) TotalCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		n += c
	}
	return n
}

// LiveRefs returns the number of slide handles opened and not yet closed.
func (l *Library) LiveRefs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.open)
}

// Released returns every slide handle passed to Close, in order.
func (l *Library) Released() []goslide.Ref {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]goslide.Ref(nil), l.released...)
}

// LiveCaches returns the number of caches with a non-zero reference count.
func (l *Library) LiveCaches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.caches)
}

// CacheRefs returns the reference count of cache.
func (l *Library) CacheRefs(cache goslide.CacheRef) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.caches[cache]
}

// SetError sets the sticky error on every open handle for path.
func (l *Library) SetError(path, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, o := range l.open {
		if o.path == path {
			o.err = msg
		}
	}
}

// UseAfterClose counts calls made with a released or unknown handle.
func (l *Library) UseAfterClose() int64 { return l.useAfterClose.Load() }

// CloseDuringRead counts handles released while a read was running.
func (l *Library) CloseDuringRead() int64 { return l.closeDuringRead.Load() }

// ConcurrentWrites counts SetCache calls that overlapped a read on the same handle.
func (l *Library) ConcurrentWrites() int64 { return l.concurrentWrites.Load() }

// call counts method and returns the open slide for osr, or nil after
// recording a violation. It also applies any error configured for method.
func (l *Library) call(method string, osr goslide.Ref) *openSlide {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[method]++
	o, ok := l.open[osr]
	if !ok || o.closed.Load() {
		l.useAfterClose.Add(1)
		return nil
	}
	if msg, ok := o.def.Errors[method]; ok && o.err == "" {
		o.err = msg
	}
	return o
}

// failed reports whether o already carries a sticky error. Once set, getters
// return empty values, as libopenslide does.
func (l *Library) failed(o *openSlide) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return o.err != ""
}

func (l *Library) Version() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["Version"]++
	return "4.0.0-slidetest"
}

func (l *Library) DetectVendor(path string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["DetectVendor"]++
	if s, ok := l.slides[path]; ok {
		return s.Properties[goslide.PropertyNameVendor]
	}
	return ""
}

func (l *Library) Open(path string) goslide.Ref {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["Open"]++
	s, ok := l.slides[path]
	if !ok {
		return 0
	}
	l.nextRef += 0x10
	ref := goslide.Ref(l.nextRef)
	o := &openSlide{path: path, def: s}
	if msg, ok := s.Errors["Open"]; ok {
		o.err = msg
	}
	l.open[ref] = o
	return ref
}

func (l *Library) Close(osr goslide.Ref) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["Close"]++
	o, ok := l.open[osr]
	if !ok {
		l.useAfterClose.Add(1)
		return
	}
	if o.readers.Load() > 0 {
		l.closeDuringRead.Add(1)
	}
	o.closed.Store(true)
	if o.cache != 0 {
		l.releaseCacheLocked(o.cache)
	}
	delete(l.open, osr)
	l.released = append(l.released, osr)
}

func (l *Library) Error(osr goslide.Ref) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["Error"]++
	o, ok := l.open[osr]
	if !ok {
		l.useAfterClose.Add(1)
		return ""
	}
	return o.err
}

func (l *Library) LevelCount(osr goslide.Ref) int32 {
	o := l.call("LevelCount", osr)
	if o == nil || l.failed(o) {
		return -1
	}
	return int32(len(o.def.Levels))
}

func (l *Library) LevelDimensions(osr goslide.Ref, level int32) (int64, int64) {
	o := l.call("LevelDimensions", osr)
	if o == nil || l.failed(o) || level < 0 || int(level) >= len(o.def.Levels) {
		return -1, -1
	}
	lv := o.def.Levels[level]
	return lv.Width, lv.Height
}

func (l *Library) LevelDownsample(osr goslide.Ref, level int32) float64 {
	o := l.call("LevelDownsample", osr)
	if o == nil || l.failed(o) || level < 0 || int(level) >= len(o.def.Levels) {
		return -1
	}
	return o.def.Levels[level].Downsample
}

func (l *Library) PropertyNames(osr goslide.Ref) []string {
	o := l.call("PropertyNames", osr)
	if o == nil || l.failed(o) {
		return nil
	}
	names := make([]string, 0, len(o.def.Properties))
	for name := range o.def.Properties {
		names = append(names, name)
	}
	return names
}

func (l *Library) PropertyValue(osr goslide.Ref, name string) string {
	o := l.call("PropertyValue", osr)
	if o == nil || l.failed(o) {
		return ""
	}
	return o.def.Properties[name]
}

func (l *Library) AssociatedImageNames(osr goslide.Ref) []string {
	o := l.call("AssociatedImageNames", osr)
	if o == nil || l.failed(o) {
		return nil
	}
	names := make([]string, 0, len(o.def.Associated))
	for name := range o.def.Associated {
		names = append(names, name)
	}
	return names
}

func (l *Library) AssociatedImageDimensions(osr goslide.Ref, name string) (int64, int64) {
	o := l.call("AssociatedImageDimensions", osr)
	if o == nil || l.failed(o) {
		return -1, -1
	}
	img, ok := o.def.Associated[name]
	if !ok || img.Unavailable {
		return -1, -1
	}
	return img.Width, img.Height
}

func (l *Library) ReadAssociatedImage(osr goslide.Ref, name string, dest []uint32) {
	o := l.call("ReadAssociatedImage", osr)
	if o == nil {
		return
	}
	if l.failed(o) {
		clear(dest)
		return
	}
	img := o.def.Associated[name]
	for i := range dest {
		dest[i] = img.Pixel
	}
}

func (l *Library) ReadRegion(osr goslide.Ref, dest []uint32, x, y int64, level int32, w, h int64) {
	o := l.call("ReadRegion", osr)
	if o == nil {
		return
	}
	o.readers.Add(1)
	defer o.readers.Add(-1)

	if l.ReadDelay > 0 {
		time.Sleep(l.ReadDelay)
	}
	if l.failed(o) || level < 0 || int(level) >= len(o.def.Levels) {
		clear(dest)
		return
	}

	lv := o.def.Levels[level]
	lx0, ly0 := LevelOrigin(x, y, lv.Downsample)
	for j := int64(0); j < h; j++ {
		for i := int64(0); i < w; i++ {
			lx, ly := lx0+i, ly0+j
			var v uint32
			if lx >= 0 && ly >= 0 && lx < lv.Width && ly < lv.Height {
				v = PixelAt(level, lx, ly)
			}
			dest[j*w+i] = v
		}
	}

	if o.closed.Load() {
		l.closeDuringRead.Add(1)
	}
}

func (l *Library) CacheCreate(capacity uint64) goslide.CacheRef {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["CacheCreate"]++
	if l.NoCache {
		return 0
	}
	l.nextRef += 0x10
	ref := goslide.CacheRef(l.nextRef)
	l.caches[ref] = 1
	return ref
}

func (l *Library) SetCache(osr goslide.Ref, cache goslide.CacheRef) {
	o := l.call("SetCache", osr)
	if o == nil {
		return
	}
	if o.readers.Load() > 0 {
		l.concurrentWrites.Add(1)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.caches[cache]; !ok {
		l.useAfterClose.Add(1)
		return
	}
	l.caches[cache]++
	if o.cache != 0 {
		l.releaseCacheLocked(o.cache)
	}
	o.cache = cache
}

func (l *Library) CacheRelease(cache goslide.CacheRef) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["CacheRelease"]++
	if _, ok := l.caches[cache]; !ok {
		l.useAfterClose.Add(1)
		return
	}
	l.releaseCacheLocked(cache)
}

func (l *Library) releaseCacheLocked(cache goslide.CacheRef) {
	l.caches[cache]--
	if l.caches[cache] <= 0 {
		delete(l.caches, cache)
	}
}
