package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/cassette"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
)

var (
	verifyProvider    string
	verifyRequireTags bool
)

var cassettesCmd = &cobra.Command{
	Use:   "cassettes",
	Short: "Inspect the cassette directory",
}

var cassettesVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Decode every cassette and check its integrity tag",
	Long: `Decode every cassette file and check its integrity tag against
replay.integrity_secret. Exits non-zero if any cassette is corrupt, or
untagged when --require-tags is set.`,
	Args: cobra.NoArgs,
	RunE: runCassettesVerify,
}

func init() {
	rootCmd.AddCommand(cassettesCmd)
	cassettesCmd.AddCommand(cassettesVerifyCmd)

	cassettesVerifyCmd.Flags().StringVar(&verifyProvider, "provider", "", "Only verify one provider (openai, anthropic)")
	cassettesVerifyCmd.Flags().BoolVar(&verifyRequireTags, "require-tags", false, "Treat cassettes without an integrity tag as failures")
}

func runCassettesVerify(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)

	var provider domain.Provider
	if verifyProvider != "" {
		if provider, err = domain.ParseProvider(verifyProvider); err != nil {
			return err
		}
	}

	opts := []cassette.FileStoreOption{cassette.WithLogger(logger)}
	if cfg.Replay.IntegritySecret != "" {
		opts = append(opts, cassette.WithSealer(cassette.NewSealer([]byte(cfg.Replay.IntegritySecret))))
	} else if verifyRequireTags {
		return fmt.Errorf("--require-tags needs replay.integrity_secret")
	}
	store, err := cassette.NewFileStore(cfg.Replay.CassetteDir, opts...)
	if err != nil {
		return err
	}

	results, err := store.Verify(cmd.Context(), provider)
	if err != nil {
		return err
	}

	failed := printVerify(cmd.OutOrStdout(), store.Dir(), results, verifyRequireTags)
	logger.Debug("cassette verification finished",
		slog.Int("checked", len(results)),
		slog.Int("failed", failed))
	if failed > 0 {
		return ExitError{Code: 1, Err: fmt.Errorf("%d of %d cassettes failed verification", failed, len(results))}
	}
	return nil
}

// printVerify renders one line per cassette and returns the failure count.
func printVerify(w io.Writer, dir string, results []cassette.VerifyResult, requireTags bool) int {
	fmt.Fprintln(w, titleStyle.Render("Cassettes in "+dir))

	failed := 0
	for _, r := range results {
		name := fmt.Sprintf("%s/%s", r.Provider, r.Signature)
		switch {
		case r.Err != nil:
			failed++
			fmt.Fprintf(w, "  %s %s %s\n", failStyle.Render("✗"), name, dimStyle.Render(r.Err.Error()))
		case !r.Tagged && requireTags:
			failed++
			fmt.Fprintf(w, "  %s %s %s\n", failStyle.Render("✗"), name, dimStyle.Render("missing integrity tag"))
		case !r.Tagged:
			fmt.Fprintf(w, "  %s %s %s\n", warnStyle.Render("!"), name, dimStyle.Render("untagged"))
		default:
			fmt.Fprintf(w, "  %s %s\n", successStyle.Render("✓"), name)
		}
	}

	if len(results) == 0 {
		fmt.Fprintln(w, dimStyle.Render("  no cassettes found"))
	}
	summary := fmt.Sprintf("%d checked, %d failed", len(results), failed)
	if failed > 0 {
		fmt.Fprintln(w, failStyle.Render(summary))
	} else {
		fmt.Fprintln(w, successStyle.Render(summary))
	}
	return failed
}
