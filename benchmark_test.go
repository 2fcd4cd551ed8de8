package goslide

import (
	"image"
	"testing"
)

// =============================================================================
// Benchmarks for region planning
// =============================================================================

func BenchmarkSelectLevel(b *testing.B) {
	downsamples := []float64{1, 4, 16, 64, 256}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = SelectLevel(downsamples, float64(i%300)+1)
	}
}

func BenchmarkPlanRegion(b *testing.B) {
	levels := []Level{
		{Width: 100000, Height: 80000, Downsample: 1},
		{Width: 25000, Height: 20000, Downsample: 4},
		{Width: 6250, Height: 5000, Downsample: 16},
	}
	ds := levelDownsamples(levels)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = planRegion(levels, ds, int64(i%1000)*256, 0, 256, 256, 6.5)
	}
}

// =============================================================================
// Benchmarks for pixel conversion
// =============================================================================

func benchmarkARGBToRGBA(b *testing.B, size int) {
	src := make([]uint32, size*size)
	for i := range src {
		src[i] = 0xff000000 | uint32(i)
	}
	dst := make([]byte, len(src)*4)

	b.ResetTimer()
	b.ReportAllocs()
	b.SetBytes(int64(len(dst)))

	for i := 0; i < b.N; i++ {
		argbToRGBABytes(dst, src)
	}
}

func BenchmarkARGBToRGBA_256(b *testing.B)  { benchmarkARGBToRGBA(b, 256) }
func BenchmarkARGBToRGBA_1024(b *testing.B) { benchmarkARGBToRGBA(b, 1024) }

// =============================================================================
// Benchmarks for scratch buffers
// =============================================================================

func BenchmarkPixelsAlloc(b *testing.B) {
	size := 256 * 256 // Typical tile size

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		buf := make([]uint32, size)
		_ = buf
	}
}

func BenchmarkPixelsPooled(b *testing.B) {
	size := 256 * 256 // Typical tile size

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		buf := getPixels(size)
		putPixels(buf)
	}
}

func BenchmarkRGBABytesPooled(b *testing.B) {
	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		buf := getRGBABytes(512 * 512)
		putRGBABytes(buf)
	}
}

// =============================================================================
// Benchmarks for scaling
// =============================================================================

func benchmarkScale(b *testing.B, src, dst int) {
	in := image.NewRGBA(image.Rect(0, 0, src, src))
	for i := range in.Pix {
		in.Pix[i] = uint8(i)
	}
	out := image.NewRGBA(image.Rect(0, 0, dst, dst))

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		scaleInto(out, out.Bounds(), in)
	}
}

func BenchmarkScale_256to256(b *testing.B)  { benchmarkScale(b, 256, 256) }
func BenchmarkScale_512to256(b *testing.B)  { benchmarkScale(b, 512, 256) }
func BenchmarkScale_1024to256(b *testing.B) { benchmarkScale(b, 1024, 256) }
