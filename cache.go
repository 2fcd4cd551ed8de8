package goslide

import (
	"fmt"
	"runtime"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Cache is a native tile cache that can be shared between slides. Closing a
// Cache only drops this reference; slides it is attached to keep using it
// until they are closed.
type Cache struct {
	capacity uint64
	lib      Library
	logger   log.Logger
	handle   *nativeHandle[CacheRef]
	cleanup  runtime.Cleanup
}

// NewCache creates a cache holding up to capacity bytes of decoded tiles.
// It returns ErrCacheUnsupported when the library predates the cache API.
func NewCache(capacity uint64, opts ...Option) (*Cache, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	ref := o.lib.CacheCreate(capacity)
	if ref == 0 {
		return nil, ErrCacheUnsupported
	}

	c := &Cache{
		capacity: capacity,
		lib:      o.lib,
		logger:   o.logger,
		handle:   newNativeHandle("cache", ref, o.lib.CacheRelease),
	}
	c.cleanup = runtime.AddCleanup(c, func(h *nativeHandle[CacheRef]) {
		h.close()
	}, c.handle)

	level.Debug(c.logger).Log("msg", "created cache", "capacity", capacity)
	return c, nil
}

// Capacity returns the size the cache was created with, in bytes.
func (c *Cache) Capacity() uint64 {
	return c.capacity
}

// Close releases this reference to the native cache. It is idempotent.
func (c *Cache) Close() error {
	if c.handle.close() {
		c.cleanup.Stop()
	}
	return nil
}

// SetCache attaches c to the slide, replacing the slide's private cache. The
// cache is locked before the slide.
func (s *Slide) SetCache(c *Cache) error {
	if c == nil {
		return illegalArgument("nil cache")
	}
	if c.lib != s.lib {
		return illegalArgument("cache belongs to a different library")
	}
	err := c.handle.withWrite(func(cache CacheRef) error {
		return s.handle.withWrite(func(osr Ref) error {
			s.lib.SetCache(osr, cache)
			return checkError(s.lib, osr, "set cache")
		})
	})
	s.metrics.observeCall("set_cache", err)
	if err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}
	level.Debug(s.logger).Log("msg", "attached cache", "path", s.path, "capacity", c.capacity)
	return nil
}
