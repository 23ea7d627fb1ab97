package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/synthesis-cli/internal/export"
	"github.com/sells-group/synthesis-cli/internal/store"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a completed run as an XLSX workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("runs"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		b, err := store.LoadBundle(ctx, st, args[0])
		if err != nil {
			return eris.Wrapf(err, "export: run %s", args[0])
		}

		out := exportOut
		if out == "" {
			out = args[0] + ".xlsx"
		}
		if err := export.WriteFile(out, b); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output path (default <run-id>.xlsx)")
	rootCmd.AddCommand(exportCmd)
}
