package cli

import (
	"context"
	"maps"
	"slices"

	flag "github.com/spf13/pflag"
	"github.com/tingold/goslide"
)

func (a *app) infoCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("info", flag.ContinueOnError),
		Args:  "<slide>",
		NArgs: 1,
		Short: "Print levels, properties and associated images",
		Exec: func(_ context.Context, o *IO, args []string) error {
			slide, err := a.openSlide(args[0])
			if err != nil {
				return err
			}
			defer slide.Close()
			return printInfo(o, slide)
		},
	}
}

func printInfo(o *IO, slide *goslide.Slide) error {
	levels, err := slide.Levels()
	if err != nil {
		return err
	}
	props, err := slide.Properties()
	if err != nil {
		return err
	}
	names, err := slide.AssociatedImageNames()
	if err != nil {
		return err
	}
	bounds, err := slide.Bounds()
	if err != nil {
		return err
	}

	o.Printf("path: %s\n", slide.Path())
	o.Printf("key: %s\n", slide.Key())
	o.Printf("dimensions: %dx%d\n", levels[0].Width, levels[0].Height)
	o.Printf("bounds: %v,%v %v,%v\n", bounds.Min[0], bounds.Min[1], bounds.Max[0], bounds.Max[1])
	o.Printf("levels: %d\n", len(levels))
	for i, l := range levels {
		o.Printf("  %d: %dx%d downsample %g\n", i, l.Width, l.Height, l.Downsample)
	}
	o.Println("properties:")
	for _, k := range slices.Sorted(maps.Keys(props)) {
		o.Printf("  %s = %s\n", k, props[k])
	}
	o.Println("associated images:")
	for _, name := range names {
		o.Printf("  %s\n", name)
	}
	return nil
}

func (a *app) vendorCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("vendor", flag.ContinueOnError),
		Args:  "<slide>",
		NArgs: 1,
		Short: "Print the slide format vendor without opening it",
		Exec: func(_ context.Context, o *IO, args []string) error {
			opts, err := a.options()
			if err != nil {
				return err
			}
			vendor, err := goslide.DetectVendor(args[0], opts...)
			if err != nil {
				return err
			}
			if vendor == "" {
				vendor = "unrecognized"
			}
			o.Println(vendor)
			return nil
		},
	}
}

func (a *app) versionCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("version", flag.ContinueOnError),
		NArgs: 0,
		Short: "Print the OpenSlide library version",
		Exec: func(_ context.Context, o *IO, args []string) error {
			opts, err := a.options()
			if err != nil {
				return err
			}
			version, err := goslide.LibraryVersion(opts...)
			if err != nil {
				return err
			}
			o.Println(version)
			return nil
		},
	}
}
