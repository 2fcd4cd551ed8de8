//go:build darwin || freebsd || linux

package goslide

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"
)

// openslideLib binds libopenslide through purego, so no cgo toolchain is needed.
type openslideLib struct {
	handle uintptr

	getVersion              func() string
	detectVendor            func(filename string) string
	open                    func(filename string) uintptr
	close                   func(osr uintptr)
	getError                func(osr uintptr) string
	getLevelCount           func(osr uintptr) int32
	getLevelDimensions      func(osr uintptr, level int32, w, h *int64)
	getLevelDownsample      func(osr uintptr, level int32) float64
	getPropertyNames        func(osr uintptr) **byte
	getPropertyValue        func(osr uintptr, name string) string
	getAssociatedImageNames func(osr uintptr) **byte
	getAssociatedImageDims  func(osr uintptr, name string, w, h *int64)
	readAssociatedImage     func(osr uintptr, name string, dest *uint32)
	readRegion              func(osr uintptr, dest *uint32, x, y int64, level int32, w, h int64)
	cacheCreate             func(capacity uintptr) uintptr
	setCache                func(osr uintptr, cache uintptr)
	cacheRelease            func(cache uintptr)
}

// libraryCandidates lists the sonames tried when no explicit path is given,
// newest ABI first.
func libraryCandidates() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"libopenslide.1.dylib", "libopenslide.0.dylib", "libopenslide.dylib"}
	default:
		return []string{"libopenslide.so.1", "libopenslide.so.0", "libopenslide.so"}
	}
}

// LoadLibrary binds libopenslide. An empty path tries the platform's usual
// library names in order and stops at the first that loads. The returned
// Library is safe for concurrent use.
func LoadLibrary(path string) (Library, error) {
	names := []string{path}
	if path == "" {
		names = libraryCandidates()
	}

	var handle uintptr
	var lastErr error
	for _, name := range names {
		h, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			handle = h
			break
		}
		lastErr = err
	}
	if handle == 0 {
		return nil, fmt.Errorf("%w: couldn't locate OpenSlide library: %v", ErrLibraryUnavailable, lastErr)
	}

	l := &openslideLib{handle: handle}
	required := []struct {
		fptr any
		name string
	}{
		{&l.getVersion, "openslide_get_version"},
		{&l.detectVendor, "openslide_detect_vendor"},
		{&l.open, "openslide_open"},
		{&l.close, "openslide_close"},
		{&l.getError, "openslide_get_error"},
		{&l.getLevelCount, "openslide_get_level_count"},
		{&l.getLevelDimensions, "openslide_get_level_dimensions"},
		{&l.getLevelDownsample, "openslide_get_level_downsample"},
		{&l.getPropertyNames, "openslide_get_property_names"},
		{&l.getPropertyValue, "openslide_get_property_value"},
		{&l.getAssociatedImageNames, "openslide_get_associated_image_names"},
		{&l.getAssociatedImageDims, "openslide_get_associated_image_dimensions"},
		{&l.readAssociatedImage, "openslide_read_associated_image"},
		{&l.readRegion, "openslide_read_region"},
	}
	for _, fn := range required {
		sym, err := purego.Dlsym(handle, fn.name)
		if err != nil {
			purego.Dlclose(handle)
			return nil, fmt.Errorf("%w: unresolved symbol %s; need OpenSlide >= 3.4.0", ErrLibraryUnavailable, fn.name)
		}
		purego.RegisterFunc(fn.fptr, sym)
	}

	// The cache API arrived in OpenSlide 4.0.0.
	optional := []struct {
		fptr any
		name string
	}{
		{&l.cacheCreate, "openslide_cache_create"},
		{&l.setCache, "openslide_set_cache"},
		{&l.cacheRelease, "openslide_cache_release"},
	}
	for _, fn := range optional {
		sym, err := purego.Dlsym(handle, fn.name)
		if err != nil {
			l.cacheCreate, l.setCache, l.cacheRelease = nil, nil, nil
			break
		}
		purego.RegisterFunc(fn.fptr, sym)
	}

	return l, nil
}

func (l *openslideLib) Version() string {
	return l.getVersion()
}

func (l *openslideLib) DetectVendor(path string) string {
	return l.detectVendor(path)
}

func (l *openslideLib) Open(path string) Ref {
	return Ref(l.open(path))
}

func (l *openslideLib) Close(osr Ref) {
	l.close(uintptr(osr))
}

func (l *openslideLib) Error(osr Ref) string {
	return l.getError(uintptr(osr))
}

func (l *openslideLib) LevelCount(osr Ref) int32 {
	return l.getLevelCount(uintptr(osr))
}

func (l *openslideLib) LevelDimensions(osr Ref, level int32) (int64, int64) {
	var w, h int64
	l.getLevelDimensions(uintptr(osr), level, &w, &h)
	return w, h
}

func (l *openslideLib) LevelDownsample(osr Ref, level int32) float64 {
	return l.getLevelDownsample(uintptr(osr), level)
}

func (l *openslideLib) PropertyNames(osr Ref) []string {
	return goStrings(l.getPropertyNames(uintptr(osr)))
}

func (l *openslideLib) PropertyValue(osr Ref, name string) string {
	return l.getPropertyValue(uintptr(osr), name)
}

func (l *openslideLib) AssociatedImageNames(osr Ref) []string {
	return goStrings(l.getAssociatedImageNames(uintptr(osr)))
}

func (l *openslideLib) AssociatedImageDimensions(osr Ref, name string) (int64, int64) {
	w, h := int64(-1), int64(-1)
	l.getAssociatedImageDims(uintptr(osr), name, &w, &h)
	return w, h
}

func (l *openslideLib) ReadAssociatedImage(osr Ref, name string, dest []uint32) {
	if len(dest) == 0 {
		return
	}
	l.readAssociatedImage(uintptr(osr), name, &dest[0])
	runtime.KeepAlive(dest)
}

func (l *openslideLib) ReadRegion(osr Ref, dest []uint32, x, y int64, level int32, w, h int64) {
	if len(dest) == 0 {
		return
	}
	l.readRegion(uintptr(osr), &dest[0], x, y, level, w, h)
	runtime.KeepAlive(dest)
}

func (l *openslideLib) CacheCreate(capacity uint64) CacheRef {
	if l.cacheCreate == nil {
		return 0
	}
	return CacheRef(l.cacheCreate(uintptr(capacity)))
}

func (l *openslideLib) SetCache(osr Ref, cache CacheRef) {
	if l.setCache == nil {
		return
	}
	l.setCache(uintptr(osr), uintptr(cache))
}

func (l *openslideLib) CacheRelease(cache CacheRef) {
	if l.cacheRelease == nil {
		return
	}
	l.cacheRelease(uintptr(cache))
}

// goStrings copies a NULL-terminated array of C strings owned by the library.
func goStrings(p **byte) []string {
	if p == nil {
		return nil
	}
	var out []string
	for i := 0; ; i++ {
		s := *(**byte)(unsafe.Add(unsafe.Pointer(p), i*int(unsafe.Sizeof(p))))
		if s == nil {
			return out
		}
		out = append(out, goString(s))
	}
}

// goString copies a NUL-terminated C string.
func goString(p *byte) string {
	if p == nil {
		return ""
	}
	n := 0
	for *(*byte)(unsafe.Add(unsafe.Pointer(p), n)) != 0 {
		n++
	}
	return string(unsafe.Slice(p, n))
}
