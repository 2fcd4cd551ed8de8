package goslide

import (
	"sync"
)

// Scratch pools for the render path. Tiled viewers read the same handful of
// region sizes over and over; reusing their buffers keeps GC pressure flat.
// Buffers handed back to callers (ReadRegion, ReadScaledRegion) never come
// from these pools.

// pixelSlicePool pools uint32 sample slices of various sizes
type pixelSlicePool struct {
	// Up to 256x256, typical for a single display tile
	small sync.Pool
	// Up to 512x512
	medium sync.Pool
	// Up to 1024x1024, a full viewport at moderate resolution
	large sync.Pool
}

const (
	smallPixelCount  = 256 * 256
	mediumPixelCount = 512 * 512
	largePixelCount  = 1024 * 1024
)

var pixelPool = &pixelSlicePool{
	small: sync.Pool{
		New: func() interface{} {
			buf := make([]uint32, smallPixelCount)
			return &buf
		},
	},
	medium: sync.Pool{
		New: func() interface{} {
			buf := make([]uint32, mediumPixelCount)
			return &buf
		},
	},
	large: sync.Pool{
		New: func() interface{} {
			buf := make([]uint32, largePixelCount)
			return &buf
		},
	},
}

// getPixels returns a zeroed sample slice of exactly n elements.
// Call putPixels when done to return it to the pool.
func getPixels(n int) []uint32 {
	var buf []uint32
	switch {
	case n <= smallPixelCount:
		buf = (*pixelPool.small.Get().(*[]uint32))[:n]
	case n <= mediumPixelCount:
		buf = (*pixelPool.medium.Get().(*[]uint32))[:n]
	case n <= largePixelCount:
		buf = (*pixelPool.large.Get().(*[]uint32))[:n]
	default:
		// For very large regions, allocate directly
		return make([]uint32, n)
	}
	// native reads leave pixels outside the slide untouched
	clear(buf)
	return buf
}

// putPixels returns a sample slice to the pool.
// The slice should not be used after calling this function.
func putPixels(buf []uint32) {
	c := cap(buf)
	buf = buf[:c]

	switch c {
	case smallPixelCount:
		pixelPool.small.Put(&buf)
	case mediumPixelCount:
		pixelPool.medium.Put(&buf)
	case largePixelCount:
		pixelPool.large.Put(&buf)
	}
	// Don't pool non-standard sizes
}

// rgbaBytePool pools the byte slices backing converted RGBA scratch images.
var rgbaBytePool = &pixelBytePool{}

type pixelBytePool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool
}

// getRGBABytes returns a byte slice holding n RGBA pixels.
func getRGBABytes(n int) []byte {
	size := n * 4
	var p *sync.Pool
	var capacity int
	switch {
	case n <= smallPixelCount:
		p, capacity = &rgbaBytePool.small, smallPixelCount*4
	case n <= mediumPixelCount:
		p, capacity = &rgbaBytePool.medium, mediumPixelCount*4
	case n <= largePixelCount:
		p, capacity = &rgbaBytePool.large, largePixelCount*4
	default:
		return make([]byte, size)
	}
	if v := p.Get(); v != nil {
		return (*v.(*[]byte))[:size]
	}
	return make([]byte, size, capacity)
}

// putRGBABytes returns a byte slice to the pool.
func putRGBABytes(buf []byte) {
	c := cap(buf)
	buf = buf[:c]

	switch c {
	case smallPixelCount * 4:
		rgbaBytePool.small.Put(&buf)
	case mediumPixelCount * 4:
		rgbaBytePool.medium.Put(&buf)
	case largePixelCount * 4:
		rgbaBytePool.large.Put(&buf)
	}
}
