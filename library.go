package goslide

import (
	"os"
	"sync"
)

// Ref is an opaque openslide_t pointer. Zero means no handle.
type Ref uintptr

// CacheRef is an opaque openslide_cache_t pointer. Zero means no cache.
type CacheRef uintptr

// Library is the native decoder surface. It mirrors the OpenSlide C API one call
// per method; none of the methods report errors themselves. Callers check
// Error after every call that takes a Ref.
//
// The default implementation binds libopenslide at runtime (see LoadLibrary).
// Tests substitute slidetest.Library.
type Library interface {
	Version() string
	DetectVendor(path string) string

	Open(path string) Ref
	Close(osr Ref)
	Error(osr Ref) string

	LevelCount(osr Ref) int32
	LevelDimensions(osr Ref, level int32) (w, h int64)
	LevelDownsample(osr Ref, level int32) float64

	PropertyNames(osr Ref) []string
	PropertyValue(osr Ref, name string) string

	AssociatedImageNames(osr Ref) []string
	AssociatedImageDimensions(osr Ref, name string) (w, h int64)
	ReadAssociatedImage(osr Ref, name string, dest []uint32)

	// ReadRegion fills dest (w*h premultiplied ARGB samples) from level,
	// starting at level-0 coordinates x, y.
	ReadRegion(osr Ref, dest []uint32, x, y int64, level int32, w, h int64)

	// CacheCreate returns 0 when the library has no cache support.
	CacheCreate(capacity uint64) CacheRef
	SetCache(osr Ref, cache CacheRef)
	CacheRelease(cache CacheRef)
}

// LibraryPathEnv names an explicit libopenslide path for the default library.
const LibraryPathEnv = "GOSLIDE_OPENSLIDE_LIBRARY"

// defaultLibrary loads libopenslide on first use and never again.
var defaultLibrary = sync.OnceValues(func() (Library, error) {
	return LoadLibrary(os.Getenv(LibraryPathEnv))
})

// DefaultLibrary returns the process-wide libopenslide binding, loading it on
// first call. A load failure is also remembered.
func DefaultLibrary() (Library, error) {
	return defaultLibrary()
}

// DetectVendor returns the vendor name of the slide format at path, or "" when
// the file is not recognized.
func DetectVendor(path string, opts ...Option) (string, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return "", err
	}
	return o.lib.DetectVendor(path), nil
}

// LibraryVersion returns the version string of the native library.
func LibraryVersion(opts ...Option) (string, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return "", err
	}
	return o.lib.Version(), nil
}
