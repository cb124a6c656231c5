package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/roll-cli/internal/geometry"
	"github.com/sells-group/roll-cli/internal/store"
)

var geometryNoCleanup bool

var geometryCmd = &cobra.Command{
	Use:   "geometry",
	Short: "Join point coordinates from a shapefile onto stored units",
}

var geometryJoinCmd = &cobra.Command{
	Use:   "join <file.shp>",
	Short: "Set coordinates on the roll table and drop units left without any",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		src, transform, err := openSource(args[0])
		if err != nil {
			return err
		}
		defer src.Close() //nolint:errcheck

		st, err := openConfigured(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		j := geometry.NewJoiner(st, geometry.Options{
			CommitEvery: cfg.Geometry.CommitEvery,
			Transform:   transform,
		})
		report, err := j.Join(ctx, src, store.Primary, nil)
		if report != nil {
			writeJoinSummary(cmd.OutOrStdout(), store.Primary, report)
		}
		if err != nil {
			return err
		}

		if geometryNoCleanup {
			return nil
		}
		deleted, err := j.Cleanup(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d units without coordinates\n", deleted)
		return nil
	},
}

var geometryArchiveCmd = &cobra.Command{
	Use:   "archive <file.shp>",
	Short: "Set coordinates on the archived units only",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		src, transform, err := openSource(args[0])
		if err != nil {
			return err
		}
		defer src.Close() //nolint:errcheck

		st, err := openConfigured(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ids, err := st.IDs(ctx, store.Archive)
		if err != nil {
			return eris.Wrap(err, "list archived ids")
		}

		j := geometry.NewJoiner(st, geometry.Options{
			CommitEvery: cfg.Geometry.CommitEvery,
			Transform:   transform,
		})
		report, err := j.Join(ctx, src, store.Archive, geometry.IDSet(ids))
		if report != nil {
			writeJoinSummary(cmd.OutOrStdout(), store.Archive, report)
		}
		return err
	},
}

// openSource opens the shapefile and picks the transform for its .prj.
func openSource(path string) (*geometry.Shapefile, geometry.Transform, error) {
	src, err := geometry.OpenShapefile(path)
	if err != nil {
		return nil, nil, err
	}
	transform, err := geometry.TransformFor(src.CRS())
	if err != nil {
		_ = src.Close()
		return nil, nil, err
	}
	return src, transform, nil
}

func writeJoinSummary(out io.Writer, target store.Target, r *geometry.JoinReport) {
	_, _ = fmt.Fprintf(out, "Joined %s: %d records, %d updated, %d filtered, %d invalid in %s\n",
		target, r.Records, r.Updated, r.Filtered, r.Invalid, r.Elapsed.Round(time.Millisecond))
}

func init() {
	geometryJoinCmd.Flags().BoolVar(&geometryNoCleanup, "no-cleanup", false, "keep units without coordinates")
	geometryCmd.AddCommand(geometryJoinCmd, geometryArchiveCmd)
	rootCmd.AddCommand(geometryCmd)
}
