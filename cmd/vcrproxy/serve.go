package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/runtime"
)

var (
	serveMode string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the record/replay proxy",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveMode, "mode", "m", "", "Override replay.mode: off, record, replay, auto, strict")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Override server.port")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveMode != "" {
		cfg.Replay.Mode = serveMode
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)

	proxy, err := runtime.New(cfg, runtime.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create proxy: %w", err)
	}
	defer func() {
		if err := proxy.Close(); err != nil {
			logger.Error("failed to close proxy", slog.String("error", err.Error()))
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, r := range proxy.Routes() {
		logger.Info("serving provider route",
			slog.String("provider", string(r.Provider)),
			slog.String("path", r.Path))
	}
	logger.Info("proxy started",
		slog.Int("port", cfg.Server.Port),
		slog.String("mode", cfg.Replay.Mode))

	if err := proxy.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("proxy stopped")
	return nil
}
