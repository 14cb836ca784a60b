package mapcache

import (
	"context"
	"log/slog"

	"github.com/jmgilman/go/fs/core"
	"github.com/prometheus/client_golang/prometheus"
)

// Fetcher retrieves the bytes behind a URL from the origin.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Option configures a Manager.
type Option func(*options)

type options struct {
	// fs overrides the filesystem chosen by Config.Storage.
	fs core.FS

	// fetcher replaces the HTTP origin fetcher, mostly for tests.
	fetcher Fetcher

	logger *slog.Logger

	// registerer receives the cache collector. Nil disables registration.
	registerer prometheus.Registerer
}

// WithFS stores every cache on fsys instead of the configured backend.
// Storage.Dir is still used as the root directory.
func WithFS(fsys core.FS) Option {
	return func(o *options) {
		o.fs = fsys
	}
}

// WithFetcher replaces the HTTP origin client.
func WithFetcher(f Fetcher) Option {
	return func(o *options) {
		o.fetcher = f
	}
}

// WithLogger sets the logger. By default a text logger on stderr at the
// configured level is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegisterer registers the cache metrics collector with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}
