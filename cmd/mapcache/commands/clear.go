package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmgilman/go/mapcache"
)

func (c *CLI) newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached tile, asset and icon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withManager(cmd.Context(), func(m *mapcache.Manager) error {
				before := m.Stats(cmd.Context()).TotalBytes
				if err := m.ClearAll(cmd.Context()); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", mapcache.FormatBytes(before))
				return nil
			})
		},
	}
}
