package goslide

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Open when the slide path does not exist.
	ErrNotFound = errors.New("slide file not found")
	// ErrUnrecognizedFormat is returned by Open when the native library cannot identify the file.
	ErrUnrecognizedFormat = errors.New("not a file that OpenSlide can recognize")
	// ErrNative is matched by every *NativeError.
	ErrNative = errors.New("native error")
	// ErrDisposed is returned by any operation on a closed slide or cache.
	ErrDisposed = errors.New("handle has been closed")
	// ErrIllegalArgument is returned for invalid downsamples, levels and buffer sizes.
	ErrIllegalArgument = errors.New("illegal argument")
	// ErrLibraryUnavailable is returned when libopenslide cannot be loaded.
	ErrLibraryUnavailable = errors.New("openslide library unavailable")
	// ErrCacheUnsupported is returned by NewCache when the loaded library predates the cache API.
	ErrCacheUnsupported = errors.New("openslide library does not support caches")
)

// NativeError carries the sticky error string reported by the native library.
// A slide that has produced a NativeError stays open; later calls usually fail
// with the same message until the slide is closed.
type NativeError struct {
	Op      string
	Message string
}

func (e *NativeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Is makes errors.Is(err, ErrNative) true for every NativeError.
func (e *NativeError) Is(target error) bool {
	return target == ErrNative
}

// checkError reads the sticky error for osr after a native call.
func checkError(lib Library, osr Ref, op string) error {
	if msg := lib.Error(osr); msg != "" {
		return &NativeError{Op: op, Message: msg}
	}
	return nil
}

func illegalArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIllegalArgument, fmt.Sprintf(format, args...))
}
