// Package commands implements the mapcache command line.
package commands

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/jmgilman/go/mapcache"
)

// CLI represents the mapcache command line interface.
type CLI struct {
	rootCmd *cobra.Command
	opts    []mapcache.Option

	configPath string
	backend    string
	dir        string
	logLevel   string
}

// New creates the CLI. opts are passed to every Manager it opens.
func New(opts ...mapcache.Option) *CLI {
	rootCmd := &cobra.Command{
		Use:           "mapcache",
		Short:         "Manage the map tile, asset and icon cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	c := &CLI{
		rootCmd: rootCmd,
		opts:    opts,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "Path to a YAML config file")
	flags.StringVar(&c.backend, "backend", "", "Storage backend (local, memory, minio)")
	flags.StringVar(&c.dir, "dir", "", "Cache root directory")
	flags.StringVar(&c.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(c.newWarmCmd())
	rootCmd.AddCommand(c.newStatsCmd())
	rootCmd.AddCommand(c.newClearCmd())
	rootCmd.AddCommand(c.newOptimizeCmd())
	rootCmd.AddCommand(c.newServeCmd())

	return c
}

// Execute runs the root command with the given context.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// SetOutput sets the output and error streams for the root command. Used for testing.
func (c *CLI) SetOutput(out, err io.Writer) {
	c.rootCmd.SetOut(out)
	c.rootCmd.SetErr(err)
}

// config loads the config file, if any, and applies flag overrides.
func (c *CLI) config() (mapcache.Config, error) {
	cfg := mapcache.DefaultConfig()
	if c.configPath != "" {
		loaded, err := mapcache.LoadConfig(c.configPath)
		if err != nil {
			return mapcache.Config{}, err
		}
		cfg = loaded
	}

	if c.backend != "" {
		cfg.Storage.Backend = mapcache.StorageBackend(c.backend)
	}
	if c.dir != "" {
		cfg.Storage.Dir = c.dir
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	return cfg, nil
}

// open builds a Manager from cfg. The caller shuts it down.
func (c *CLI) open(ctx context.Context, cfg mapcache.Config, extra ...mapcache.Option) (*mapcache.Manager, error) {
	opts := append(append([]mapcache.Option(nil), c.opts...), extra...)
	return mapcache.New(ctx, cfg, opts...)
}

// withManager opens a Manager with warm-up disabled, runs fn and shuts the
// Manager down.
func (c *CLI) withManager(ctx context.Context, fn func(*mapcache.Manager) error) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	cfg.Warmup.Disabled = true

	m, err := c.open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = m.Shutdown(context.WithoutCancel(ctx)) }()

	return fn(m)
}
