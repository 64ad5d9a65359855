package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/runtime"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/storage"
)

var pruneOlderThan time.Duration

var tracesCmd = &cobra.Command{
	Use:   "traces",
	Short: "Manage stored trace records",
}

var tracesPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete trace records older than the retention window",
	Args:  cobra.NoArgs,
	RunE:  runTracesPrune,
}

func init() {
	rootCmd.AddCommand(tracesCmd)
	tracesCmd.AddCommand(tracesPruneCmd)

	tracesPruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "Age cutoff (default storage.retention)")
}

func runTracesPrune(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)

	age := cfg.Storage.Retention
	if pruneOlderThan > 0 {
		age = pruneOlderThan
	}
	if age <= 0 {
		return fmt.Errorf("no retention configured; pass --older-than")
	}

	traces, err := storage.Open(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("open trace storage: %w", err)
	}
	defer func() {
		if err := traces.Close(); err != nil {
			logger.Warn("failed to close trace storage", slog.String("error", err.Error()))
		}
	}()

	n, err := runtime.Prune(cmd.Context(), traces, age, logger)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(fmt.Sprintf("Pruned %d trace records older than %s", n, age)))
	return nil
}
