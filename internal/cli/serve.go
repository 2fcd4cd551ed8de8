package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"github.com/tingold/goslide"
)

func (a *app) serveCmd() *Command {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	listen := flags.String("listen", "", "HTTP listen address (default from config)")
	metricsListen := flags.String("metrics-listen", "", "Prometheus metrics listen address (default from config)")
	cacheBytes := flags.Uint64("cache-bytes", 0, "Shared tile cache size in bytes (default from config)")
	maxPixels := flags.Int64("max-output-pixels", 0, "Largest image one request may decode or return (default from config)")

	return &Command{
		Flags: flags,
		Args:  "<slide>...",
		NArgs: anyArgs,
		Short: "Serve slides over HTTP until interrupted",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if flags.Changed("listen") {
				a.cfg.Listen = *listen
			}
			if flags.Changed("metrics-listen") {
				a.cfg.MetricsListen = *metricsListen
			}
			if flags.Changed("cache-bytes") {
				a.cfg.CacheBytes = *cacheBytes
			}
			if flags.Changed("max-output-pixels") {
				if *maxPixels <= 0 {
					return fmt.Errorf("%w: --max-output-pixels must be positive", errUsage)
				}
				a.cfg.MaxOutputPixels = *maxPixels
			}
			return a.serve(ctx, args)
		},
	}
}

// slideName is the URL name of a slide: its file name without extension.
func slideName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (a *app) serve(ctx context.Context, paths []string) error {
	reg := prometheus.NewRegistry()
	metrics := goslide.NewMetrics(reg)

	cache, err := a.newCache()
	if err != nil {
		return err
	}
	if cache != nil {
		defer cache.Close()
	}

	slides := make(map[string]*goslide.Slide, len(paths))
	defer func() {
		for _, s := range slides {
			s.Close()
		}
	}()
	for _, path := range paths {
		name := slideName(path)
		if _, dup := slides[name]; dup {
			return fmt.Errorf("%w: two slides named %q", errUsage, name)
		}
		s, err := a.openSlide(path, goslide.WithMetrics(metrics))
		if err != nil {
			return err
		}
		slides[name] = s
		if cache != nil {
			if err := s.SetCache(cache); err != nil {
				return err
			}
		}
	}

	srv := goslide.NewServer(slides, a.logger, goslide.WithMaxOutputPixels(a.cfg.MaxOutputPixels))
	errCh := make(chan error, 2)
	go func() {
		errCh <- srv.ListenAndServe(a.cfg.Listen)
	}()

	var metricsServer *http.Server
	if a.cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:    a.cfg.MetricsListen,
			Handler: mux,
		}
		go func() {
			level.Info(a.logger).Log("msg", "starting metrics server", "addr", a.cfg.MetricsListen)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server failed: %w", err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		level.Info(a.logger).Log("msg", "shutting down")
	case serveErr = <-errCh:
	}

	if err := srv.Shutdown(); err != nil {
		level.Warn(a.logger).Log("msg", "failed to shut down server", "err", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(context.Background()); err != nil {
			level.Warn(a.logger).Log("msg", "failed to shut down metrics server", "err", err)
		}
	}
	return serveErr
}
