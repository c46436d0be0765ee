package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"metroroute/internal/domain"
)

func runPrecompute(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := a.precomputeOptions()
	flags := cmd.Flags()
	if flags.Changed("batch-size") {
		opts.BatchSize = batchSize
	}
	if flags.Changed("workers") {
		opts.Workers = workers
	}
	if flags.Changed("chunk-size") {
		opts.ChunkSize = chunkSize
	}
	opts.Clear = clearFirst

	mode := domain.RunFull
	switch {
	case missingOnly:
		mode = domain.RunMissingOnly
	case failedOnly:
		mode = domain.RunFailedOnly
	}

	summary, err := a.pipeline.Run(ctx, mode, opts)
	if summary != nil {
		printSummary(cmd.OutOrStdout(), summary)
	}
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d pairs failed; rerun with --failed-only", summary.Failed)
	}
	return nil
}

func printSummary(w io.Writer, s *domain.Summary) {
	fmt.Fprintf(w, "run %s (%s) on graph version %d\n", s.RunID, s.Mode, s.GraphVersion)
	fmt.Fprintf(w, "  pairs:     %d\n", s.Total)
	fmt.Fprintf(w, "  created:   %d\n", s.Created)
	fmt.Fprintf(w, "  skipped:   %d\n", s.Skipped)
	fmt.Fprintf(w, "  failed:    %d\n", s.Failed)
	if s.Cancelled > 0 {
		fmt.Fprintf(w, "  cancelled: %d\n", s.Cancelled)
	}
	fmt.Fprintf(w, "  elapsed:   %s (%.1f pairs/s)\n", s.Elapsed.Round(time.Millisecond), s.PairsPerSecond)
	if s.Interrupted {
		fmt.Fprintln(w, "  interrupted: rerun with --missing-only to resume")
	}
}
