package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"

	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"
)

var errOutputRequired = errors.New("--output is required")

// writePNG encodes img and atomically replaces path with it.
func writePNG(path string, img image.Image) error {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func (a *app) regionCmd() *Command {
	flags := flag.NewFlagSet("region", flag.ContinueOnError)
	x := flags.Int64("x", 0, "Left edge, in downsampled coordinates (level-0 with --level)")
	y := flags.Int64("y", 0, "Top edge, in downsampled coordinates (level-0 with --level)")
	w := flags.Int32("w", 512, "Width in output pixels")
	h := flags.Int32("h", 512, "Height in output pixels")
	ds := flags.Float64("downsample", 1, "Downsample factor (>= 1)")
	lvl := flags.Int("level", -1, "Read this pyramid level directly instead of scaling")
	output := flags.StringP("output", "o", "", "Output PNG path")

	return &Command{
		Flags: flags,
		Args:  "<slide>",
		NArgs: 1,
		Short: "Render a region to PNG",
		Exec: func(_ context.Context, o *IO, args []string) error {
			if *output == "" {
				return errOutputRequired
			}
			slide, err := a.openSlide(args[0])
			if err != nil {
				return err
			}
			defer slide.Close()

			var img image.Image
			if *lvl >= 0 {
				buf, err := slide.ReadRegion(*x, *y, *lvl, int64(*w), int64(*h))
				if err != nil {
					return err
				}
				img = buf.RGBA()
			} else {
				r, err := slide.ReadScaledRegion(*x, *y, *w, *h, *ds)
				if err != nil {
					return err
				}
				if r.Empty() {
					o.Println("region is outside the slide, nothing written")
					return nil
				}
				img = r.Image()
			}

			if err := writePNG(*output, img); err != nil {
				return err
			}
			o.Printf("wrote %s (%dx%d)\n", *output, img.Bounds().Dx(), img.Bounds().Dy())
			return nil
		},
	}
}

func (a *app) thumbnailCmd() *Command {
	flags := flag.NewFlagSet("thumbnail", flag.ContinueOnError)
	maxSize := flags.Int("max", 512, "Longest side of the thumbnail in pixels")
	output := flags.StringP("output", "o", "", "Output PNG path")

	return &Command{
		Flags: flags,
		Args:  "<slide>",
		NArgs: 1,
		Short: "Render the whole slide to a PNG thumbnail",
		Exec: func(_ context.Context, o *IO, args []string) error {
			if *output == "" {
				return errOutputRequired
			}
			slide, err := a.openSlide(args[0])
			if err != nil {
				return err
			}
			defer slide.Close()

			img, err := slide.Thumbnail(*maxSize)
			if err != nil {
				return err
			}
			if err := writePNG(*output, img); err != nil {
				return err
			}
			o.Printf("wrote %s (%dx%d)\n", *output, img.Bounds().Dx(), img.Bounds().Dy())
			return nil
		},
	}
}

func (a *app) associatedCmd() *Command {
	flags := flag.NewFlagSet("associated", flag.ContinueOnError)
	output := flags.StringP("output", "o", "", "Output PNG path")

	return &Command{
		Flags: flags,
		Args:  "<slide> <name>",
		NArgs: 2,
		Short: "Write an associated image (label, macro, ...) to PNG",
		Exec: func(_ context.Context, o *IO, args []string) error {
			if *output == "" {
				return errOutputRequired
			}
			slide, err := a.openSlide(args[0])
			if err != nil {
				return err
			}
			defer slide.Close()

			buf, ok, err := slide.AssociatedImage(args[1])
			if err != nil {
				return err
			}
			if !ok {
				o.Printf("%s: unavailable\n", args[1])
				return nil
			}
			if err := writePNG(*output, buf.RGBA()); err != nil {
				return err
			}
			o.Printf("wrote %s (%dx%d)\n", *output, buf.Width, buf.Height)
			return nil
		},
	}
}
