package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmgilman/go/mapcache"
)

func (c *CLI) newStatsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show entry counts and sizes for every cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withManager(cmd.Context(), func(m *mapcache.Manager) error {
				stats := m.Stats(cmd.Context())
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(stats)
				}
				return printStats(cmd.OutOrStdout(), stats)
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print statistics as JSON")

	return cmd
}

func printStats(out io.Writer, stats mapcache.Stats) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CACHE\tMEMORY\tDURABLE\tSIZE")
	rows := []struct {
		name string
		cs   mapcache.CacheStats
	}{
		{"tiles", stats.Tiles},
		{"assets", stats.Assets},
		{"icons", stats.Icons},
		{"session-icons", stats.SessionIcons},
	}
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", r.name, r.cs.MemoryEntries, r.cs.DiskEntries, mapcache.FormatBytes(r.cs.TotalBytes))
	}
	_, _ = fmt.Fprintf(w, "total\t\t\t%s\n", mapcache.FormatBytes(stats.TotalBytes))
	if err := w.Flush(); err != nil {
		return err
	}

	q := stats.IconQueue
	_, err := fmt.Fprintf(out, "icon queue: %d queued (%d high, %d normal, %d low), %d in flight\n",
		q.Total, q.High, q.Normal, q.Low, q.InFlight)
	return err
}
