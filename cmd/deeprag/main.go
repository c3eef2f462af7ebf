package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"deeprag/internal/platform/config"
	applog "deeprag/internal/platform/log"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:           "deeprag",
		Short:         "Iterative retrieval-reasoning over your document index",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load failed: %w", err)
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			// CLI 输出走 stdout，日志写 stderr
			applog.Init(applog.Config{
				Level:   cfg.LogLevel,
				Format:  cfg.LogFormat,
				Output:  os.Stderr,
				Service: "deeprag-cli",
			})
			cmd.SetContext(withConfig(cmd.Context(), cfg))
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			applog.Sync()
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug|info|warn|error)")

	cmd.AddCommand(newAskCmd())
	cmd.AddCommand(newHealthCmd())
	return cmd
}
