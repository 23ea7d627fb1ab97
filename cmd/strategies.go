package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/synthesis-cli/internal/config"
	"github.com/sells-group/synthesis-cli/internal/strategy"
)

var strategiesCmd = &cobra.Command{
	Use:   "strategies",
	Short: "List extraction strategies and whether they are usable",
	RunE: func(cmd *cobra.Command, _ []string) error {
		formatStrategies(cmd.OutOrStdout(), strategy.List(), cfg)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(strategiesCmd)
}

// formatStrategies writes one row per strategy. READY is "yes" when the
// credentials the strategy needs are configured.
func formatStrategies(out io.Writer, infos []strategy.Info, c *config.Config) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tBACKEND\tREADY\tREQUIRES\tDESCRIPTION")
	_, _ = fmt.Fprintln(w, "----\t-------\t-----\t--------\t-----------")
	for _, s := range infos {
		ready := "yes"
		if c.ValidateStrategy(s.Name) != nil {
			ready = "no"
		}
		name := s.Name
		if name == strategy.Normalize(c.Pipeline.DefaultStrategy) {
			name += " *"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			name, s.Backend, ready, strings.Join(s.Requires, ","), s.Description)
	}
	_ = w.Flush()
}
