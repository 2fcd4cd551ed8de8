//go:build !(darwin || freebsd || linux)

package goslide

import (
	"fmt"
	"runtime"
)

// LoadLibrary is not supported on this platform; supply a Library with WithLibrary.
func LoadLibrary(path string) (Library, error) {
	return nil, fmt.Errorf("%w: dynamic loading not supported on %s", ErrLibraryUnavailable, runtime.GOOS)
}
