package goslide_test

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/tingold/goslide"
	"github.com/tingold/goslide/slidetest"
)

func testSlide() *slidetest.Slide {
	return &slidetest.Slide{
		Levels: slidetest.Pyramid(10000, 8000, 1, 4, 16),
		Properties: map[string]string{
			goslide.PropertyNameVendor:         "aperio",
			goslide.PropertyNameQuickHash1:     "abc123",
			goslide.PropertyNameMPPX:           "0.499",
			goslide.PropertyNameMPPY:           "0.501",
			goslide.PropertyNameObjectivePower: "20",
			"aperio.AppMag":                    "20",
		},
		Associated: map[string]slidetest.Image{
			"thumbnail": {Width: 8, Height: 4, Pixel: 0xff00ff00},
			"label":     {Width: 2, Height: 2, Pixel: 0xffff0000},
			"macro":     {Unavailable: true},
		},
	}
}

func openTestSlide(t *testing.T, lib *slidetest.Library, s *slidetest.Slide) *goslide.Slide {
	t.Helper()
	path := lib.AddSlideFile(t, "test.svs", s)
	slide, err := goslide.Open(path, goslide.WithLibrary(lib))
	require.NoError(t, err)
	t.Cleanup(func() { slide.Close() })
	return slide
}

func TestOpen_Metadata(t *testing.T) {
	lib := slidetest.New()
	slide := openTestSlide(t, lib, testSlide())

	count, err := slide.LevelCount()
	require.NoError(t, err)
	require.Equal(t, 3, count)

	w, h, err := slide.Dimensions()
	require.NoError(t, err)
	require.Equal(t, int64(10000), w)
	require.Equal(t, int64(8000), h)

	levels, err := slide.Levels()
	require.NoError(t, err)
	if diff := cmp.Diff(slidetest.Pyramid(10000, 8000, 1, 4, 16), levels); diff != "" {
		t.Errorf("levels mismatch (-want +got):\n%s", diff)
	}

	l, err := slide.Level(2)
	require.NoError(t, err)
	require.Equal(t, goslide.Level{Width: 625, Height: 500, Downsample: 16}, l)

	_, err = slide.Level(3)
	require.ErrorIs(t, err, goslide.ErrIllegalArgument)

	props, err := slide.Properties()
	require.NoError(t, err)
	if diff := cmp.Diff(testSlide().Properties, props); diff != "" {
		t.Errorf("properties mismatch (-want +got):\n%s", diff)
	}

	// callers get a copy
	props["aperio.AppMag"] = "40"
	v, ok, err := slide.Property("aperio.AppMag")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "20", v)

	names, err := slide.AssociatedImageNames()
	require.NoError(t, err)
	require.Equal(t, []string{"label", "macro", "thumbnail"}, names)

	best, err := slide.BestLevelForDownsample(5)
	require.NoError(t, err)
	require.Equal(t, 1, best)
}

func TestOpen_TypedProperties(t *testing.T) {
	lib := slidetest.New()
	s := testSlide()
	s.Properties[goslide.PropertyNameBackgroundColor] = "E0E0F0"
	slide := openTestSlide(t, lib, s)

	vendor, err := slide.Vendor()
	require.NoError(t, err)
	require.Equal(t, "aperio", vendor)

	hash, ok, err := slide.QuickHash()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "abc123", hash)

	x, y, ok, err := slide.MPP()
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 0.499, x, 1e-9)
	require.InDelta(t, 0.501, y, 1e-9)

	power, ok, err := slide.ObjectivePower()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 20.0, power)

	bg, ok, err := slide.BackgroundColor()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint8(0xe0), bg.R)
	require.Equal(t, uint8(0xf0), bg.B)
}

func TestOpen_Bounds(t *testing.T) {
	lib := slidetest.New()
	s := testSlide()
	slide := openTestSlide(t, lib, s)

	b, err := slide.Bounds()
	require.NoError(t, err)
	require.Equal(t, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10000, 8000}}, b)

	s2 := testSlide()
	s2.Properties[goslide.PropertyNameBoundsX] = "100"
	s2.Properties[goslide.PropertyNameBoundsY] = "200"
	s2.Properties[goslide.PropertyNameBoundsWidth] = "3000"
	s2.Properties[goslide.PropertyNameBoundsHeight] = "4000"
	path := lib.AddSlideFile(t, "bounded.mrxs", s2)
	bounded, err := goslide.Open(path, goslide.WithLibrary(lib))
	require.NoError(t, err)
	defer bounded.Close()

	b, err = bounded.Bounds()
	require.NoError(t, err)
	require.Equal(t, orb.Bound{Min: orb.Point{100, 200}, Max: orb.Point{3100, 4200}}, b)
}

func TestGeometry(t *testing.T) {
	lib := slidetest.New()
	slide := openTestSlide(t, lib, testSlide())

	p, err := slide.LevelToBase(1, orb.Point{10, 20})
	require.NoError(t, err)
	require.Equal(t, orb.Point{40, 80}, p)

	p, err = slide.BaseToLevel(2, orb.Point{160, 320})
	require.NoError(t, err)
	require.Equal(t, orb.Point{10, 20}, p)

	b, err := slide.LevelBound(1)
	require.NoError(t, err)
	require.Equal(t, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{2500, 2000}}, b)

	_, err = slide.LevelToBase(5, orb.Point{})
	require.ErrorIs(t, err, goslide.ErrIllegalArgument)
}

func TestOpen_NotFound(t *testing.T) {
	lib := slidetest.New()
	_, err := goslide.Open(filepath.Join(t.TempDir(), "missing.svs"), goslide.WithLibrary(lib))
	require.ErrorIs(t, err, goslide.ErrNotFound)
	require.Zero(t, lib.Calls("Open"))
}

func TestOpen_Unrecognized(t *testing.T) {
	lib := slidetest.New()
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	_, err := goslide.Open(path, goslide.WithLibrary(lib))
	require.ErrorIs(t, err, goslide.ErrUnrecognizedFormat)
	require.Zero(t, lib.LiveRefs())
}

func TestOpen_NoLevels(t *testing.T) {
	lib := slidetest.New()
	path := lib.AddSlideFile(t, "empty.svs", &slidetest.Slide{})

	_, err := goslide.Open(path, goslide.WithLibrary(lib))
	require.ErrorIs(t, err, goslide.ErrUnrecognizedFormat)
	require.Zero(t, lib.LiveRefs())
}

func TestOpen_NativeErrorsReleaseHandle(t *testing.T) {
	for _, method := range []string{"Open", "LevelCount", "LevelDimensions", "LevelDownsample", "PropertyNames", "PropertyValue", "AssociatedImageNames"} {
		t.Run(method, func(t *testing.T) {
			lib := slidetest.New()
			s := testSlide()
			s.Errors = map[string]string{method: "corrupt " + method}
			path := lib.AddSlideFile(t, "bad.svs", s)

			_, err := goslide.Open(path, goslide.WithLibrary(lib))
			require.ErrorIs(t, err, goslide.ErrNative)

			var nerr *goslide.NativeError
			require.True(t, errors.As(err, &nerr))
			require.Equal(t, "corrupt "+method, nerr.Message)

			require.Zero(t, lib.LiveRefs())
			require.Len(t, lib.Released(), 1)
		})
	}
}

func TestOpen_SyntheticSlide(t *testing.T) {
	lib := slidetest.New()
	lib.AddSlide("", testSlide())

	slide, err := goslide.Open("", goslide.WithLibrary(lib))
	require.NoError(t, err)
	defer slide.Close()

	count, err := slide.LevelCount()
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestDetectVendorAndVersion(t *testing.T) {
	lib := slidetest.New()
	path := lib.AddSlideFile(t, "a.svs", testSlide())

	vendor, err := goslide.DetectVendor(path, goslide.WithLibrary(lib))
	require.NoError(t, err)
	require.Equal(t, "aperio", vendor)

	vendor, err = goslide.DetectVendor("/nope", goslide.WithLibrary(lib))
	require.NoError(t, err)
	require.Empty(t, vendor)

	version, err := goslide.LibraryVersion(goslide.WithLibrary(lib))
	require.NoError(t, err)
	require.NotEmpty(t, version)
}

func TestClose_Idempotent(t *testing.T) {
	lib := slidetest.New()
	slide := openTestSlide(t, lib, testSlide())

	require.NoError(t, slide.Close())
	require.NoError(t, slide.Close())
	require.True(t, slide.Closed())
	require.Equal(t, 1, lib.Calls("Close"))
	require.Zero(t, lib.LiveRefs())
	require.Zero(t, lib.UseAfterClose())
}

func TestClose_AccessorsFailDisposed(t *testing.T) {
	lib := slidetest.New()
	slide := openTestSlide(t, lib, testSlide())
	require.NoError(t, slide.Close())

	calls := lib.TotalCalls()

	checks := map[string]func() error{
		"LevelCount": func() error { _, err := slide.LevelCount(); return err },
		"Level":      func() error { _, err := slide.Level(0); return err },
		"Levels":     func() error { _, err := slide.Levels(); return err },
		"Dimensions": func() error { _, _, err := slide.Dimensions(); return err },
		"Best":       func() error { _, err := slide.BestLevelForDownsample(2); return err },
		"Properties": func() error { _, err := slide.Properties(); return err },
		"Property":   func() error { _, _, err := slide.Property("x"); return err },
		"Names":      func() error { _, err := slide.AssociatedImageNames(); return err },
		"Associated": func() error { _, _, err := slide.AssociatedImage("label"); return err },
		"Scaled":     func() error { _, err := slide.ReadScaledRegion(0, 0, 10, 10, 1); return err },
		"Region":     func() error { _, err := slide.ReadRegion(0, 0, 0, 10, 10); return err },
		"Thumbnail":  func() error { _, err := slide.Thumbnail(64); return err },
		"Bounds":     func() error { _, err := slide.Bounds(); return err },
		"Vendor":     func() error { _, err := slide.Vendor(); return err },
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		for name, check := range checks {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := check(); !errors.Is(err, goslide.ErrDisposed) {
					t.Errorf("%s: got %v, want ErrDisposed", name, err)
				}
			}()
		}
	}
	wg.Wait()

	require.Equal(t, calls, lib.TotalCalls(), "no native calls after close")
	require.Zero(t, lib.UseAfterClose())
}

func TestKeyAndEqual(t *testing.T) {
	lib := slidetest.New()

	hashed := testSlide()
	pathA := lib.AddSlideFile(t, "a.svs", hashed)
	pathB := lib.AddSlideFile(t, "b.svs", hashed)

	unhashed := testSlide()
	delete(unhashed.Properties, goslide.PropertyNameQuickHash1)
	pathC := lib.AddSlideFile(t, "c.svs", unhashed)

	a, err := goslide.Open(pathA, goslide.WithLibrary(lib))
	require.NoError(t, err)
	b, err := goslide.Open(pathB, goslide.WithLibrary(lib))
	require.NoError(t, err)
	c1, err := goslide.Open(pathC, goslide.WithLibrary(lib))
	require.NoError(t, err)
	c2, err := goslide.Open(pathC, goslide.WithLibrary(lib))
	require.NoError(t, err)

	require.Equal(t, "abc123", a.Key())
	require.True(t, a.Equal(b), "same quickhash")
	require.False(t, a.Equal(c1), "hash vs path")
	require.True(t, c1.Equal(c2), "same path")
	require.False(t, a.Equal(nil))

	for _, s := range []*goslide.Slide{a, b, c1, c2} {
		require.NoError(t, s.Close())
	}

	// still usable after close
	require.Equal(t, "abc123", a.Key())
	require.True(t, a.Equal(b))
	require.Equal(t, c1.Path(), c1.Key())
}

func TestAssociatedImage(t *testing.T) {
	lib := slidetest.New()
	slide := openTestSlide(t, lib, testSlide())

	img, ok, err := slide.AssociatedImage("thumbnail")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int32(8), img.Width)
	require.Equal(t, int32(4), img.Height)
	require.Equal(t, uint32(0xff00ff00), img.ARGBAt(7, 3))

	img, ok, err = slide.AssociatedImage("macro")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, img)

	calls := lib.TotalCalls()
	_, ok, err = slide.AssociatedImage("nope")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, calls, lib.TotalCalls())
}

func TestAssociatedImage_NativeError(t *testing.T) {
	lib := slidetest.New()
	s := testSlide()
	s.Errors = map[string]string{"ReadAssociatedImage": "decode failed"}
	slide := openTestSlide(t, lib, s)

	_, ok, err := slide.AssociatedImage("label")
	require.ErrorIs(t, err, goslide.ErrNative)
	require.False(t, ok)
	require.False(t, slide.Closed())
}

func TestStickyErrorKeepsSlideOpen(t *testing.T) {
	lib := slidetest.New()
	path := lib.AddSlideFile(t, "sticky.svs", testSlide())
	slide, err := goslide.Open(path, goslide.WithLibrary(lib))
	require.NoError(t, err)

	lib.SetError(path, "tile read failed")

	for i := 0; i < 3; i++ {
		_, err := slide.ReadScaledRegion(0, 0, 16, 16, 1)
		require.ErrorIs(t, err, goslide.ErrNative)
		require.Contains(t, err.Error(), "tile read failed")
	}
	require.False(t, slide.Closed())
	require.Equal(t, 1, lib.LiveRefs())

	require.NoError(t, slide.Close())
	require.Zero(t, lib.LiveRefs())
}

func TestOpen_Metrics(t *testing.T) {
	lib := slidetest.New()
	m := goslide.NewMetrics(prometheus.NewRegistry())
	path := lib.AddSlideFile(t, "a.svs", testSlide())

	slide, err := goslide.Open(path, goslide.WithLibrary(lib), goslide.WithMetrics(m))
	require.NoError(t, err)
	require.Equal(t, float64(1), testutil.ToFloat64(m.OpenSlides))

	_, err = slide.ReadScaledRegion(0, 0, 10, 10, 1)
	require.NoError(t, err)
	require.Equal(t, float64(100), testutil.ToFloat64(m.DecodedPixels))

	require.NoError(t, slide.Close())
	require.Equal(t, float64(0), testutil.ToFloat64(m.OpenSlides))
}

func TestLeakedSlideIsReleased(t *testing.T) {
	lib := slidetest.New()
	m := goslide.NewMetrics(prometheus.NewRegistry())
	path := lib.AddSlideFile(t, "leak.svs", testSlide())

	func() {
		_, err := goslide.Open(path, goslide.WithLibrary(lib), goslide.WithMetrics(m))
		require.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return lib.LiveRefs() == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.LeakedHandles) == 1
	}, time.Second, 10*time.Millisecond)
}
