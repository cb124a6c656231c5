package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Create the roll, archive and lookup tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openConfigured(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.CreateSchema(ctx); err != nil {
			return eris.Wrap(err, "create schema")
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Tables ready: %s, %s, %s, %s, %s\n",
			cfg.Tables.Roll, cfg.Tables.Archive, cfg.Tables.OwnerStatus, cfg.Tables.PhysLink, cfg.Tables.ConstType)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
