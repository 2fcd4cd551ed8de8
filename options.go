package goslide

import (
	"github.com/go-kit/log"
)

type options struct {
	lib     Library
	logger  log.Logger
	metrics *Metrics
}

// Option configures Open, NewCache and the package-level helpers.
type Option func(*options)

// WithLibrary uses lib instead of the process-wide libopenslide binding.
func WithLibrary(lib Library) Option {
	return func(o *options) {
		o.lib = lib
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics records native call metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func buildOptions(opts []Option) (*options, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = log.NewNopLogger()
	}
	if o.lib == nil {
		lib, err := DefaultLibrary()
		if err != nil {
			return nil, err
		}
		o.lib = lib
	}
	return o, nil
}
