package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmgilman/go/mapcache"
)

func (c *CLI) newOptimizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Trim the caches back under the size threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			threshold, _ := cmd.Flags().GetInt64("threshold")

			cfg, err := c.config()
			if err != nil {
				return err
			}
			cfg.Warmup.Disabled = true
			if threshold > 0 {
				cfg.Optimize.ThresholdBytes = threshold
			}

			m, err := c.open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = m.Shutdown(cmd.Context()) }()

			res, err := m.Optimize(cmd.Context())
			out := cmd.OutOrStdout()
			if !res.Triggered {
				_, _ = fmt.Fprintf(out, "%s is within the %s threshold\n",
					mapcache.FormatBytes(res.BytesBefore), mapcache.FormatBytes(cfg.Optimize.ThresholdBytes))
			} else {
				_, _ = fmt.Fprintf(out, "freed %s (%s -> %s): %d over capacity, %d expired, %d by size\n",
					mapcache.FormatBytes(res.BytesFreed),
					mapcache.FormatBytes(res.BytesBefore),
					mapcache.FormatBytes(res.BytesAfter),
					res.CapacityEvicted, res.Expired, res.SizeEvicted)
			}
			return err
		},
	}

	cmd.Flags().Int64("threshold", 0, "Override the size threshold in bytes")

	return cmd
}
