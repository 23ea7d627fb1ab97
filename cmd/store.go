package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage the result store",
}

var storeInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the result store schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("runs"); err != nil {
			return err
		}
		// initStore migrates on open.
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		fmt.Fprintf(cmd.OutOrStdout(), "%s store ready\n", cfg.Store.Driver)
		return nil
	},
}

func init() {
	storeCmd.AddCommand(storeInitCmd)
	rootCmd.AddCommand(storeCmd)
}
