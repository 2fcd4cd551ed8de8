// Package cli implements the goslide command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	flag "github.com/spf13/pflag"
	"github.com/tingold/goslide"
)

var errUsage = errors.New("usage")

// app is what every command needs: config, logging and how to reach the
// native library.
type app struct {
	cfg    Config
	logger log.Logger
	lib    goslide.Library
}

// Run is the main entry point. Returns exit code.
func Run(in io.Reader, out, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	return run(in, out, errOut, args, env, sigCh, nil)
}

// run is Run with an optional preloaded library, for tests.
func run(in io.Reader, out, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal, lib goslide.Library) int {
	o := NewIO(in, out, errOut)

	globals := flag.NewFlagSet("goslide", flag.ContinueOnError)
	globals.SetOutput(io.Discard)
	globals.SetInterspersed(false)
	configPath := globals.String("config", "", "Config file (JSONC)")
	libraryPath := globals.String("library", "", "Path to libopenslide")
	logLevel := globals.String("log-level", "", "Log level: debug, info, warn, error")
	help := globals.BoolP("help", "h", false, "Show help")

	if len(args) > 0 {
		args = args[1:]
	}
	if err := globals.Parse(args); err != nil {
		o.ErrPrintln("error:", err)
		printUsage(o.errOut)
		return 1
	}
	rest := globals.Args()
	if *help || len(rest) == 0 {
		printUsage(o.out)
		return 0
	}

	cfg, err := LoadConfig(*configPath, env)
	if err != nil {
		o.ErrPrintln("error:", err)
		return 1
	}
	if globals.Changed("library") {
		cfg.Library = *libraryPath
	}
	if globals.Changed("log-level") {
		cfg.LogLevel = *logLevel
		if err := validateConfig(cfg); err != nil {
			o.ErrPrintln("error:", err)
			return 1
		}
	}

	a := &app{
		cfg:    cfg,
		logger: newLogger(errOut, cfg.LogLevel),
		lib:    lib,
	}

	// a signal cancels long-running commands
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	name := rest[0]
	for _, cmd := range a.commands() {
		if cmd.Name() == name {
			return cmd.Run(ctx, o, rest[1:])
		}
	}

	o.ErrPrintln("error: unknown command:", name)
	printUsage(o.errOut)
	return 1
}

func (a *app) commands() []*Command {
	return []*Command{
		a.infoCmd(),
		a.vendorCmd(),
		a.versionCmd(),
		a.regionCmd(),
		a.thumbnailCmd(),
		a.associatedCmd(),
		a.tilesCmd(),
		a.serveCmd(),
		a.shellCmd(),
	}
}

func printUsage(w io.Writer) {
	var b strings.Builder
	b.WriteString("goslide - inspect and render whole-slide images\n\n")
	b.WriteString("Usage: goslide [--config FILE] [--library PATH] [--log-level LEVEL] <command> [args]\n\n")
	b.WriteString("Commands:\n")
	for _, cmd := range (&app{}).commands() {
		b.WriteString(cmd.HelpLine())
		b.WriteString("\n")
	}
	_, _ = io.WriteString(w, b.String())
}

func newLogger(w io.Writer, levelName string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	allow, err := parseLevel(levelName)
	if err != nil {
		allow = level.AllowInfo()
	}
	return level.NewFilter(logger, allow)
}

// options returns the goslide options shared by every command.
func (a *app) options(extra ...goslide.Option) ([]goslide.Option, error) {
	lib := a.lib
	if lib == nil {
		var err error
		if a.cfg.Library != "" {
			lib, err = goslide.LoadLibrary(a.cfg.Library)
		} else {
			lib, err = goslide.DefaultLibrary()
		}
		if err != nil {
			return nil, err
		}
		a.lib = lib
	}
	return append([]goslide.Option{goslide.WithLibrary(lib), goslide.WithLogger(a.logger)}, extra...), nil
}

// openSlide opens path with the app's library and logger.
func (a *app) openSlide(path string, extra ...goslide.Option) (*goslide.Slide, error) {
	opts, err := a.options(extra...)
	if err != nil {
		return nil, err
	}
	return goslide.Open(path, opts...)
}

// newCache creates the cache slides share, or nil when caching is disabled or
// the library predates the cache API.
func (a *app) newCache() (*goslide.Cache, error) {
	if a.cfg.CacheBytes == 0 {
		return nil, nil
	}
	opts, err := a.options()
	if err != nil {
		return nil, err
	}
	cache, err := goslide.NewCache(a.cfg.CacheBytes, opts...)
	if errors.Is(err, goslide.ErrCacheUnsupported) {
		level.Warn(a.logger).Log("msg", "library has no cache support, using per-slide caches")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	return cache, nil
}
