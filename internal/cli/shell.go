package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
	"github.com/tingold/goslide"
)

var shellCommands = []string{"help", "levels", "props", "prop", "best", "assoc", "region", "thumb", "close", "quit"}

func (a *app) shellCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("shell", flag.ContinueOnError),
		Args:  "<slide>",
		NArgs: 1,
		Short: "Inspect a slide interactively",
		Exec: func(_ context.Context, o *IO, args []string) error {
			slide, err := a.openSlide(args[0])
			if err != nil {
				return err
			}
			defer slide.Close()

			sh := &shell{o: o, slide: slide}
			return sh.run()
		},
	}
}

// shell is the interactive command loop.
type shell struct {
	o     *IO
	slide *goslide.Slide
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".goslide_history")
}

func (sh *shell) run() error {
	sh.liner = liner.NewLiner()
	defer sh.liner.Close()

	sh.liner.SetCtrlCAborts(true)
	sh.liner.SetCompleter(func(line string) []string {
		var out []string
		for _, c := range shellCommands {
			if strings.HasPrefix(c, line) {
				out = append(out, c)
			}
		}
		return out
	})

	if f, err := os.Open(historyFile()); err == nil {
		sh.liner.ReadHistory(f)
		f.Close()
	}
	defer sh.saveHistory()

	sh.o.Printf("goslide shell: %s (type 'help' for commands)\n", sh.slide.Path())
	for {
		line, err := sh.liner.Prompt("goslide> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sh.liner.AppendHistory(line)

		quit, err := sh.exec(line)
		if err != nil {
			sh.o.Println("error:", err)
		}
		if quit {
			return nil
		}
	}
}

func (sh *shell) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			sh.liner.WriteHistory(f)
			f.Close()
		}
	}
}

// exec runs one shell line. It reports whether the shell should exit.
func (sh *shell) exec(line string) (bool, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	switch cmd {
	case "quit", "exit", "q":
		return true, nil
	case "help", "?":
		sh.o.Println("levels | props | prop NAME | best DS | assoc")
		sh.o.Println("region X Y W H DS FILE | thumb MAX FILE | close | quit")
		return false, nil
	case "levels":
		return false, sh.levels()
	case "props":
		return false, sh.props()
	case "prop":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: prop NAME", errUsage)
		}
		v, ok, err := sh.slide.Property(args[0])
		if err != nil {
			return false, err
		}
		if !ok {
			sh.o.Println("(not set)")
			return false, nil
		}
		sh.o.Println(v)
		return false, nil
	case "best":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: best DS", errUsage)
		}
		ds, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return false, fmt.Errorf("%w: invalid downsample %q", errUsage, args[0])
		}
		l, err := sh.slide.BestLevelForDownsample(ds)
		if err != nil {
			return false, err
		}
		sh.o.Println(l)
		return false, nil
	case "assoc":
		names, err := sh.slide.AssociatedImageNames()
		if err != nil {
			return false, err
		}
		sh.o.Println(strings.Join(names, " "))
		return false, nil
	case "region":
		return false, sh.region(args)
	case "thumb":
		return false, sh.thumb(args)
	case "close":
		sh.slide.Close()
		sh.o.Println("closed")
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %q (type 'help' for commands)", cmd)
	}
}

func (sh *shell) levels() error {
	levels, err := sh.slide.Levels()
	if err != nil {
		return err
	}
	for i, l := range levels {
		sh.o.Printf("%d: %dx%d downsample %g\n", i, l.Width, l.Height, l.Downsample)
	}
	return nil
}

func (sh *shell) props() error {
	props, err := sh.slide.Properties()
	if err != nil {
		return err
	}
	for _, k := range slices.Sorted(maps.Keys(props)) {
		sh.o.Printf("%s = %s\n", k, props[k])
	}
	return nil
}

func (sh *shell) region(args []string) error {
	if len(args) != 6 {
		return fmt.Errorf("%w: region X Y W H DS FILE", errUsage)
	}
	// offsets are int64, sizes int32
	var n [4]int64
	for i := range n {
		bits := 64
		if i >= 2 {
			bits = 32
		}
		v, err := strconv.ParseInt(args[i], 10, bits)
		if err != nil {
			return fmt.Errorf("%w: invalid number %q", errUsage, args[i])
		}
		n[i] = v
	}
	ds, err := strconv.ParseFloat(args[4], 64)
	if err != nil {
		return fmt.Errorf("%w: invalid downsample %q", errUsage, args[4])
	}

	r, err := sh.slide.ReadScaledRegion(n[0], n[1], int32(n[2]), int32(n[3]), ds)
	if err != nil {
		return err
	}
	if r.Empty() {
		sh.o.Println("empty region")
		return nil
	}
	if err := writePNG(args[5], r.Image()); err != nil {
		return err
	}
	sh.o.Printf("level %d, %dx%d -> %s\n", r.Level, r.OutWidth, r.OutHeight, args[5])
	return nil
}

func (sh *shell) thumb(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: thumb MAX FILE", errUsage)
	}
	size, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("%w: invalid size %q", errUsage, args[0])
	}
	img, err := sh.slide.Thumbnail(size)
	if err != nil {
		return err
	}
	if err := writePNG(args[1], img); err != nil {
		return err
	}
	sh.o.Printf("%dx%d -> %s\n", img.Bounds().Dx(), img.Bounds().Dy(), args[1])
	return nil
}
