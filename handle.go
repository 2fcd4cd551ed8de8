package goslide

import (
	"fmt"
	"sync"
)

// nativeHandle owns one native reference. Any number of goroutines may hold
// shared access at once; close takes exclusive access, so it waits for every
// in-flight reader before the release callback runs.
type nativeHandle[R ~uintptr] struct {
	kind    string
	mu      sync.RWMutex
	ref     R
	release func(R)
}

func newNativeHandle[R ~uintptr](kind string, ref R, release func(R)) *nativeHandle[R] {
	return &nativeHandle[R]{
		kind:    kind,
		ref:     ref,
		release: release,
	}
}

// withRead runs fn with the reference under the shared lock.
func (h *nativeHandle[R]) withRead(fn func(R) error) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.ref == 0 {
		return h.disposed()
	}
	return fn(h.ref)
}

// withWrite runs fn with the reference under the exclusive lock.
func (h *nativeHandle[R]) withWrite(fn func(R) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ref == 0 {
		return h.disposed()
	}
	return fn(h.ref)
}

// close releases the reference once. It reports whether this call released it.
func (h *nativeHandle[R]) close() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ref == 0 {
		return false
	}
	h.release(h.ref)
	h.ref = 0
	return true
}

func (h *nativeHandle[R]) closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ref == 0
}

func (h *nativeHandle[R]) disposed() error {
	return fmt.Errorf("%s: %w", h.kind, ErrDisposed)
}
