package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/jmgilman/go/mapcache"
	"github.com/jmgilman/go/mapcache/internal/logging"
	"github.com/jmgilman/go/mapcache/internal/server"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	addr             string
	jsonLogs         bool
	noWarmup         bool
	optimizeInterval time.Duration
}

func (c *CLI) newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve tiles, assets and icons over HTTP through the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ln, err := net.Listen("tcp", opts.addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", opts.addr, err)
			}
			return c.serve(cmd, ln, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.addr, "addr", ":8080", "Address to listen on")
	flags.BoolVar(&opts.jsonLogs, "json-logs", false, "Write logs as JSON")
	flags.BoolVar(&opts.noWarmup, "no-warmup", false, "Skip the warm-up on start")
	flags.DurationVar(&opts.optimizeInterval, "optimize-interval", 10*time.Minute,
		"How often to enforce the size threshold (0 disables)")

	return cmd
}

// serve runs the HTTP server on ln until the command context is cancelled.
func (c *CLI) serve(cmd *cobra.Command, ln net.Listener, opts serveOptions) error {
	ctx := cmd.Context()

	cfg, err := c.config()
	if err != nil {
		_ = ln.Close()
		return err
	}
	if opts.noWarmup {
		cfg.Warmup.Disabled = true
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		_ = ln.Close()
		return err
	}
	logger := logging.New(logging.Config{Level: level, JSON: opts.jsonLogs, Output: cmd.ErrOrStderr()})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m, err := c.open(ctx, cfg, mapcache.WithLogger(logger.Slog()), mapcache.WithRegisterer(reg))
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() { _ = m.Shutdown(context.WithoutCancel(ctx)) }()

	if err := m.Init(ctx); err != nil {
		_ = ln.Close()
		return err
	}

	if opts.optimizeInterval > 0 {
		go optimizeLoop(ctx, m, logger, opts.optimizeInterval)
	}

	srv := &http.Server{
		Handler:           server.New(m, reg, logger),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "serving", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	logger.Info(shutdownCtx, "shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

func optimizeLoop(ctx context.Context, m *mapcache.Manager, logger *logging.Logger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Optimize(ctx); err != nil && !errors.Is(err, mapcache.ErrShutdown) {
				logger.Warn(ctx, "scheduled optimize failed", "error", err)
			}
		}
	}
}
