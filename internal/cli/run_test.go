package cli

import (
	"bytes"
	"image/png"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tingold/goslide"
	"github.com/tingold/goslide/slidetest"
)

type testCLI struct {
	t   *testing.T
	lib *slidetest.Library
	env map[string]string
	dir string
}

func newTestCLI(t *testing.T) *testCLI {
	t.Helper()
	return &testCLI{
		t:   t,
		lib: slidetest.New(),
		env: map[string]string{"XDG_CONFIG_HOME": t.TempDir()},
		dir: t.TempDir(),
	}
}

func (c *testCLI) run(args ...string) (string, string, int) {
	var out, errOut bytes.Buffer
	code := run(nil, &out, &errOut, append([]string{"goslide"}, args...), c.env, nil, c.lib)
	return out.String(), errOut.String(), code
}

func (c *testCLI) mustRun(args ...string) string {
	c.t.Helper()
	out, errOut, code := c.run(args...)
	if code != 0 {
		c.t.Fatalf("command %v failed with exit code %d\nstderr: %s", args, code, errOut)
	}
	return out
}

func (c *testCLI) addSlide(name string, s *slidetest.Slide) string {
	c.t.Helper()
	return c.lib.AddSlideFile(c.t, name, s)
}

func cliSlide() *slidetest.Slide {
	return &slidetest.Slide{
		Levels: slidetest.Pyramid(1000, 800, 1, 4),
		Properties: map[string]string{
			goslide.PropertyNameVendor:     "hamamatsu",
			goslide.PropertyNameQuickHash1: "feedface",
		},
		Associated: map[string]slidetest.Image{
			"label": {Width: 3, Height: 2, Pixel: 0xff808080},
			"macro": {Unavailable: true},
		},
	}
}

func requirePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	require.Equal(t, w, img.Bounds().Dx(), "width of %s", path)
	require.Equal(t, h, img.Bounds().Dy(), "height of %s", path)
}

func TestRun_Usage(t *testing.T) {
	c := newTestCLI(t)

	out, _, code := c.run()
	require.Equal(t, 0, code)
	require.Contains(t, out, "Commands:")
	require.Contains(t, out, "  thumbnail   <slide>")
	require.Contains(t, out, "  associated  <slide> <name>")

	_, errOut, code := c.run("bogus")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "unknown command: bogus")

	_, errOut, code = c.run("--log-level", "loud", "version")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "log_level")
}

func TestRun_CommandHelp(t *testing.T) {
	c := newTestCLI(t)
	out := c.mustRun("region", "--help")
	require.Contains(t, out, "Usage: goslide region <slide> [flags]")
	require.Contains(t, out, "--downsample")

	out = c.mustRun("version", "--help")
	require.Equal(t, "Usage: goslide version\n\nPrint the OpenSlide library version\n", out)
}

func TestRun_ArgumentCount(t *testing.T) {
	c := newTestCLI(t)

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"info"}, "info takes 1 argument(s): <slide>"},
		{[]string{"associated", "a.svs"}, "associated takes 2 argument(s): <slide> <name>"},
		{[]string{"version", "extra"}, "version takes no arguments"},
		{[]string{"serve"}, "serve needs at least one argument: <slide>..."},
	}
	for _, tc := range tests {
		_, errOut, code := c.run(tc.args...)
		require.Equal(t, 1, code, tc.args)
		require.Contains(t, errOut, tc.want)
		require.Contains(t, errOut, "usage: goslide "+tc.args[0])
	}
	require.Zero(t, c.lib.TotalCalls())
}

func TestRun_Info(t *testing.T) {
	c := newTestCLI(t)
	path := c.addSlide("a.ndpi", cliSlide())

	out := c.mustRun("info", path)
	require.Contains(t, out, "key: feedface")
	require.Contains(t, out, "dimensions: 1000x800")
	require.Contains(t, out, "levels: 2")
	require.Contains(t, out, "  1: 250x200 downsample 4")
	require.Contains(t, out, "openslide.vendor = hamamatsu")
	require.Contains(t, out, "  label\n")

	_, errOut, code := c.run("info", filepath.Join(c.dir, "missing.ndpi"))
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "not found")

	_, _, code = c.run("info")
	require.Equal(t, 1, code)
}

func TestRun_VendorAndVersion(t *testing.T) {
	c := newTestCLI(t)
	path := c.addSlide("a.ndpi", cliSlide())

	require.Equal(t, "hamamatsu\n", c.mustRun("vendor", path))
	require.Equal(t, "unrecognized\n", c.mustRun("vendor", filepath.Join(c.dir, "x")))
	require.Equal(t, "4.0.0-slidetest\n", c.mustRun("version"))
}

func TestRun_Region(t *testing.T) {
	c := newTestCLI(t)
	path := c.addSlide("a.ndpi", cliSlide())

	scaled := filepath.Join(c.dir, "scaled.png")
	c.mustRun("region", path, "--x", "10", "--y", "10", "--w", "64", "--h", "32", "--downsample", "2", "-o", scaled)
	requirePNG(t, scaled, 64, 32)

	// clipped at the right edge: 1000/2 - 480 = 20 columns
	clipped := filepath.Join(c.dir, "clipped.png")
	c.mustRun("region", path, "--x", "480", "--w", "64", "--h", "16", "--downsample", "2", "-o", clipped)
	requirePNG(t, clipped, 20, 16)

	direct := filepath.Join(c.dir, "direct.png")
	c.mustRun("region", path, "--level", "1", "--w", "16", "--h", "8", "-o", direct)
	requirePNG(t, direct, 16, 8)

	out := c.mustRun("region", path, "--x", "5000", "--w", "8", "--h", "8", "-o", filepath.Join(c.dir, "none.png"))
	require.Contains(t, out, "nothing written")
	require.NoFileExists(t, filepath.Join(c.dir, "none.png"))

	_, errOut, code := c.run("region", path, "--downsample", "0.5", "-o", scaled)
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "illegal argument")

	_, errOut, code = c.run("region", path)
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "--output is required")
}

func TestRun_ThumbnailAndAssociated(t *testing.T) {
	c := newTestCLI(t)
	path := c.addSlide("a.ndpi", cliSlide())

	thumb := filepath.Join(c.dir, "thumb.png")
	c.mustRun("thumbnail", path, "--max", "100", "-o", thumb)
	requirePNG(t, thumb, 100, 80)

	label := filepath.Join(c.dir, "label.png")
	c.mustRun("associated", path, "label", "-o", label)
	requirePNG(t, label, 3, 2)

	out := c.mustRun("associated", path, "macro", "-o", filepath.Join(c.dir, "macro.png"))
	require.Equal(t, "macro: unavailable\n", out)
	require.NoFileExists(t, filepath.Join(c.dir, "macro.png"))
}

func TestRun_Tiles(t *testing.T) {
	c := newTestCLI(t)
	path := c.addSlide("a.ndpi", cliSlide())
	dir := filepath.Join(c.dir, "tiles")

	out := c.mustRun("tiles", path, "--tile-size", "256", "--workers", "3", "-o", dir)
	require.Contains(t, out, "wrote 16 tiles")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 16)
	requirePNG(t, filepath.Join(dir, "0_0.png"), 256, 256)
	requirePNG(t, filepath.Join(dir, "3_3.png"), 1000-768, 800-768)

	// shared cache was attached and released with the slide
	require.Equal(t, 1, c.lib.Calls("SetCache"))
	require.Zero(t, c.lib.LiveCaches())
	require.Zero(t, c.lib.LiveRefs())
}

func TestRun_TilesSkipsOutsideBounds(t *testing.T) {
	c := newTestCLI(t)
	s := cliSlide()
	s.Properties[goslide.PropertyNameBoundsX] = "0"
	s.Properties[goslide.PropertyNameBoundsY] = "0"
	s.Properties[goslide.PropertyNameBoundsWidth] = "300"
	s.Properties[goslide.PropertyNameBoundsHeight] = "300"
	path := c.addSlide("a.mrxs", s)

	out := c.mustRun("tiles", path, "--tile-size", "256", "-o", filepath.Join(c.dir, "tiles"))
	require.Contains(t, out, "wrote 4 tiles")
	require.Contains(t, out, "(12 empty)")
}

func TestRun_TilesWithoutCacheSupport(t *testing.T) {
	c := newTestCLI(t)
	c.lib.NoCache = true
	path := c.addSlide("a.ndpi", cliSlide())

	out := c.mustRun("tiles", path, "--downsample", "4", "-o", filepath.Join(c.dir, "tiles"))
	require.Contains(t, out, "wrote 1 tiles")
	require.Zero(t, c.lib.Calls("SetCache"))
}

func TestRun_Serve(t *testing.T) {
	c := newTestCLI(t)
	a := c.addSlide("a.ndpi", cliSlide())

	// a.ndpi twice collides on its URL name
	_, errOut, code := c.run("serve", a, a)
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "two slides named")
	require.Zero(t, c.lib.LiveRefs())

	_, errOut, code = c.run("serve", "--max-output-pixels", "0", a)
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "--max-output-pixels must be positive")

	sigCh := make(chan os.Signal, 1)
	sigCh <- syscall.SIGTERM
	var out, errBuf bytes.Buffer
	code = run(nil, &out, &errBuf, []string{"goslide", "serve", "--listen", "127.0.0.1:0", a}, c.env, sigCh, c.lib)
	require.Equal(t, 0, code, errBuf.String())
	require.Zero(t, c.lib.LiveRefs())
}
