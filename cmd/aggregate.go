package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/roll-cli/internal/murb"
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Fold multi-unit residential duplicates into one row per building",
	Long: "Groups residential units sharing coordinates, address and municipality, " +
		"archives every member and replaces the group with a single aggregate row.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openConfigured(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.CreateSchema(ctx); err != nil {
			return eris.Wrap(err, "create schema")
		}

		a := murb.New(st, murb.Options{
			CUBF:               cfg.Aggregate.CUBF,
			VerifySharedFields: cfg.Aggregate.VerifySharedFields,
		})
		report, err := a.Run(ctx)
		if report != nil {
			writeAggregateSummary(cmd.OutOrStdout(), report)
		}
		return err
	},
}

var aggregateReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Copy archived group coordinates onto their aggregates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openConfigured(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		a := murb.New(st, murb.Options{CUBF: cfg.Aggregate.CUBF})
		report, err := a.Reconcile(ctx)
		if report != nil {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Reconciled %d groups: %d aggregates updated, %d anomalies in %s\n",
				report.Groups, report.Updated, report.Anomalies, report.Elapsed.Round(time.Millisecond))
		}
		return err
	},
}

func writeAggregateSummary(out io.Writer, r *murb.Report) {
	_, _ = fmt.Fprintf(out, "Aggregated %d of %d groups: %d units archived, %d deleted, %d anomalies, %d conflicts, %d failed in %s\n",
		r.Resolved, r.Groups, r.Archived, r.Deleted, r.Anomalies, r.Conflicts, r.Failed, r.Elapsed.Round(time.Millisecond))
}

func init() {
	aggregateCmd.AddCommand(aggregateReconcileCmd)
	rootCmd.AddCommand(aggregateCmd)
}
