package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmgilman/go/mapcache"
)

func (c *CLI) newWarmCmd() *cobra.Command {
	var (
		region  string
		minZoom int
		maxZoom int
		radius  int
		views   []string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "warm",
		Short: "Fill the durable cache with the warm-up region, critical assets and icons",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			cfg.Warmup.Disabled = false

			flags := cmd.Flags()
			if flags.Changed("region") {
				cfg.Warmup.Region = region
			}
			if flags.Changed("min-zoom") {
				cfg.Warmup.MinZoom = minZoom
			}
			if flags.Changed("max-zoom") {
				cfg.Warmup.MaxZoom = maxZoom
			}
			if flags.Changed("radius") {
				cfg.Warmup.Radius = radius
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			m, err := c.open(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = m.Shutdown(context.WithoutCancel(ctx)) }()

			if err := m.Init(ctx); err != nil {
				return err
			}
			for _, view := range views {
				if !m.IconPreloader().PreloadForView(view) {
					return fmt.Errorf("unknown view %q", view)
				}
			}

			if err := waitIdle(ctx, m); err != nil {
				return err
			}

			stats := m.Stats(ctx)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "warmed %d tiles, %d assets, %d icons (%s)\n",
				stats.Tiles.DiskEntries,
				stats.Assets.DiskEntries,
				bucketCount(ctx, m),
				mapcache.FormatBytes(stats.TotalBytes),
			)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&region, "region", mapcache.DefaultRegion, "Tile region to warm")
	flags.IntVar(&minZoom, "min-zoom", mapcache.DefaultMinZoom, "Lowest zoom level to warm")
	flags.IntVar(&maxZoom, "max-zoom", mapcache.DefaultMaxZoom, "Highest zoom level to warm")
	flags.IntVar(&radius, "radius", mapcache.DefaultWarmupRadius, "Tiles around the centre at each zoom level")
	flags.StringSliceVar(&views, "view", nil, "Icon views to preload (repeatable)")
	flags.DurationVar(&timeout, "timeout", 5*time.Minute, "Give up after this long")

	return cmd
}

// waitIdle blocks until the tile, asset and icon preloaders have drained.
func waitIdle(ctx context.Context, m *mapcache.Manager) error {
	done := make(chan struct{})
	go func() {
		m.Tiles().Preloader().Wait()
		m.Assets().Preloader().Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("warm-up interrupted: %w", ctx.Err())
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := m.IconPreloader().Status()
		if st.Total == 0 && st.InFlight == 0 {
			return nil
		}
		m.IconPreloader().Process()
		select {
		case <-ctx.Done():
			return fmt.Errorf("warm-up interrupted: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func bucketCount(ctx context.Context, m *mapcache.Manager) int {
	keys, err := m.IconPreloader().Bucket().Keys(ctx)
	if err != nil {
		return 0
	}
	return len(keys)
}
