package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/roll-cli/internal/fetcher"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url> <dest-dir>",
	Short: "Download a roll release and extract its XML and shapefile",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent:         cfg.Fetch.UserAgent,
			Timeout:           time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
			MaxRetries:        cfg.Fetch.MaxRetries,
			RequestsPerSecond: cfg.Fetch.RequestsPerSecond,
		})

		start := time.Now()
		files, err := fetcher.FetchRelease(ctx, f, args[0], args[1])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, path := range files {
			_, _ = fmt.Fprintln(out, path)
		}
		_, _ = fmt.Fprintf(out, "Fetched %d files in %s\n", len(files), time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}
