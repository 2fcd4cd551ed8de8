package cli

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/go-kit/log/level"
	"github.com/paulmach/orb"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func (a *app) tilesCmd() *Command {
	flags := flag.NewFlagSet("tiles", flag.ContinueOnError)
	ds := flags.Float64("downsample", 1, "Downsample factor (>= 1)")
	tileSize := flags.Int("tile-size", 0, "Tile edge in pixels (default from config)")
	workers := flags.Int("workers", 0, "Concurrent readers (default from config)")
	output := flags.StringP("output", "o", "", "Output directory")

	return &Command{
		Flags: flags,
		Args:  "<slide>",
		NArgs: 1,
		Short: "Export the slide as a grid of PNG tiles",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if *output == "" {
				return errOutputRequired
			}
			if *tileSize == 0 {
				*tileSize = a.cfg.TileSize
			}
			if *workers == 0 {
				*workers = a.cfg.Workers
			}
			if *tileSize <= 0 || *tileSize > math.MaxInt32 || *workers <= 0 {
				return fmt.Errorf("%w: tile size and workers must be positive", errUsage)
			}
			return a.exportTiles(ctx, o, args[0], *output, *ds, int64(*tileSize), *workers)
		},
	}
}

type tileStats struct {
	written atomic.Int64
	empty   atomic.Int64
}

func (a *app) exportTiles(ctx context.Context, o *IO, path, dir string, ds float64, tileSize int64, workers int) error {
	slide, err := a.openSlide(path)
	if err != nil {
		return err
	}
	defer slide.Close()

	cache, err := a.newCache()
	if err != nil {
		return err
	}
	if cache != nil {
		defer cache.Close()
		if err := slide.SetCache(cache); err != nil {
			return err
		}
	}

	// a zero-size read validates ds without decoding anything
	if _, err := slide.ReadScaledRegion(0, 0, 0, 0, ds); err != nil {
		return err
	}

	w, h, err := slide.Dimensions()
	if err != nil {
		return err
	}
	bounds, err := slide.Bounds()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	cols := int64(math.Ceil(float64(w) / ds / float64(tileSize)))
	rows := int64(math.Ceil(float64(h) / ds / float64(tileSize)))
	level.Info(a.logger).Log("msg", "exporting tiles", "slide", path, "cols", cols, "rows", rows, "downsample", ds, "workers", workers)

	var stats tileStats
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

schedule:
	for row := int64(0); row < rows; row++ {
		for col := int64(0); col < cols; col++ {
			if gctx.Err() != nil {
				break schedule
			}
			x, y := col*tileSize, row*tileSize

			// skip tiles with no slide data
			tb := orb.Bound{
				Min: orb.Point{float64(x) * ds, float64(y) * ds},
				Max: orb.Point{float64(x+tileSize) * ds, float64(y+tileSize) * ds},
			}
			if !bounds.Intersects(tb) {
				stats.empty.Add(1)
				continue
			}

			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				r, err := slide.ReadScaledRegion(x, y, int32(tileSize), int32(tileSize), ds)
				if err != nil {
					return fmt.Errorf("tile %d,%d: %w", col, row, err)
				}
				if r.Empty() {
					stats.empty.Add(1)
					return nil
				}
				if err := writePNG(filepath.Join(dir, fmt.Sprintf("%d_%d.png", col, row)), r.Image()); err != nil {
					return err
				}
				stats.written.Add(1)
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("export interrupted: %w", err)
	}
	o.Printf("wrote %d tiles to %s (%d empty)\n", stats.written.Load(), dir, stats.empty.Load())
	return nil
}
