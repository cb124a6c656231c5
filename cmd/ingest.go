package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/roll-cli/internal/config"
	"github.com/sells-group/roll-cli/internal/ingest"
	"github.com/sells-group/roll-cli/internal/mapping"
	"github.com/sells-group/roll-cli/internal/partition"
	"github.com/sells-group/roll-cli/internal/store"
)

var (
	ingestWorkers      int
	ingestTest         bool
	ingestCreateTables bool
	ingestBatchSize    int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <path>",
	Short: "Load roll XML files into the roll table",
	Long: "Reads every .xml file under path (or the single file path names), " +
		"spreads them over parallel workers by size and inserts each unit not already stored.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate(config.ScopeStore, config.ScopeTables); err != nil {
			return err
		}
		codes, err := loadCodes()
		if err != nil {
			return err
		}

		if ingestCreateTables {
			if err := ensureSchema(ctx, codes); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Tables created.")
			return nil
		}

		if len(args) == 0 {
			return eris.New("ingest: an input path is required")
		}
		workers := ingestWorkers
		if workers == 0 {
			workers = cfg.Ingest.Workers
		}
		batchSize := ingestBatchSize
		if batchSize == 0 {
			batchSize = cfg.Ingest.BatchSize
		}

		files, err := partition.Scan(args[0])
		if err != nil {
			return eris.Wrap(err, "ingest: invalid input path")
		}
		if len(files) == 0 {
			return eris.Errorf("ingest: no .xml files in %s", args[0])
		}
		if ingestTest {
			files = partition.TestSubset(files, workers)
			zap.L().Info("test run", zap.Int("files", len(files)))
		}

		if err := ingest.CheckMunicipalities(files, codes); err != nil {
			return err
		}

		if err := ensureSchema(ctx, codes); err != nil {
			return err
		}

		open := func(ctx context.Context) (store.Store, error) {
			return initStore(ctx, codes, &store.PoolConfig{MaxConns: 1, MinConns: 1})
		}

		c := ingest.New(open, codes, ingest.Options{
			Workers:   workers,
			BatchSize: batchSize,
			Target:    store.Primary,
		})
		report, err := c.Run(ctx, files)
		if report != nil {
			writeIngestSummary(cmd.OutOrStdout(), report)
		}
		return err
	},
}

// ensureSchema creates any missing table before the workers start.
func ensureSchema(ctx context.Context, codes *mapping.Table) error {
	st, err := initStore(ctx, codes, nil)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck
	if err := st.CreateSchema(ctx); err != nil {
		return eris.Wrap(err, "create schema")
	}
	return nil
}

func writeIngestSummary(out io.Writer, r *ingest.Report) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WORKER\tFILES\tBYTES\tUNITS\tINSERTED\tSKIPPED\tFAILED")
	for _, wr := range r.Workers {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			wr.Worker, wr.Files, wr.Bytes, wr.Units, wr.Inserted, wr.Skipped, len(wr.Failed))
	}
	_ = w.Flush()

	_, _ = fmt.Fprintf(out, "\nIngested %d files: %d units, %d inserted, %d skipped, %d malformed, %d failed files in %s\n",
		r.Files, r.Units, r.Inserted, r.Skipped, r.Malformed, len(r.Failed), r.Elapsed.Round(time.Millisecond))
	for _, f := range r.Failed {
		_, _ = fmt.Fprintf(out, "  failed: %s\n", f.Error())
	}
}

func init() {
	ingestCmd.Flags().IntVarP(&ingestWorkers, "workers", "n", 0, "number of parallel workers (default from ingest.workers)")
	ingestCmd.Flags().BoolVarP(&ingestTest, "test", "t", false, "process a small sample of files")
	ingestCmd.Flags().BoolVarP(&ingestCreateTables, "create-tables", "c", false, "create tables and exit")
	ingestCmd.Flags().IntVar(&ingestBatchSize, "batch-size", 0, "units per transaction (default from ingest.batch_size)")
	rootCmd.AddCommand(ingestCmd)
}
