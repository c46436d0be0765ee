package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"metroroute/internal/config"
)

var (
	cfg    *config.Config
	logger *slog.Logger

	// precompute flags
	batchSize   int
	workers     int
	chunkSize   int
	clearFirst  bool
	missingOnly bool
	failedOnly  bool

	strict  bool
	migrate bool

	rootCmd = &cobra.Command{
		Use:           "metroroute",
		Short:         "Shortest routes across a multi-line metro network",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load()
			if err != nil {
				return err
			}
			cfg = c
			logger = newLogger(cfg.LogLevel)
			slog.SetDefault(logger)
			return nil
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve route queries over HTTP",
		RunE:  runServe,
	}

	precomputeCmd = &cobra.Command{
		Use:   "precompute",
		Short: "Compute and persist routes for every station pair",
		Long: `Computes the shortest route for every ordered station pair and stores it.
Existing routes are kept (use --clear to start over). Use --missing-only to
resume after an interrupted run and --failed-only to retry the pairs a
previous run gave up on.`,
		RunE: runPrecompute,
	}

	verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Check topology integrity and connectivity",
		RunE:  runVerify,
	}

	importCmd = &cobra.Command{
		Use:   "import [topology.yaml]",
		Short: "Replace the Postgres topology tables with a YAML topology",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}

	exportCmd = &cobra.Command{
		Use:   "export [topology.yaml]",
		Short: "Write the configured topology source to a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}
)

func init() {
	f := precomputeCmd.Flags()
	f.IntVar(&batchSize, "batch-size", 0, "routes per store write (default PRECOMPUTE_BATCH_SIZE)")
	f.IntVar(&workers, "workers", 0, "worker pool size (default PRECOMPUTE_WORKERS)")
	f.IntVar(&chunkSize, "chunk-size", 0, "pairs per work unit (default PRECOMPUTE_CHUNK_SIZE)")
	f.BoolVar(&clearFirst, "clear", false, "delete existing precomputed routes first")
	f.BoolVar(&missingOnly, "missing-only", false, "skip pairs that already have a stored route")
	f.BoolVar(&failedOnly, "failed-only", false, "recompute only pairs from the failure list")
	precomputeCmd.MarkFlagsMutuallyExclusive("missing-only", "failed-only")
	precomputeCmd.MarkFlagsMutuallyExclusive("clear", "failed-only")

	verifyCmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero on any defect or disconnected component")
	importCmd.Flags().BoolVar(&migrate, "migrate", true, "create missing tables first")

	rootCmd.AddCommand(serveCmd, precomputeCmd, verifyCmd, importCmd, exportCmd)
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "error", err)
		stop()
		os.Exit(1)
	}
}
