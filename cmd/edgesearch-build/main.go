// Command edgesearch-build turns a JSONL corpus into index artifacts and
// publishes them to the chunk store searchers read from.
//
// Usage:
//
//	edgesearch-build build -i entries.jsonl [-o dist]
//	edgesearch-build publish [-d dist]
//	edgesearch-build inspect [-d dist] [--chunk terms/0 | --term title_engineer]
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "edgesearch-build",
		Short:         "Build and publish edgesearch index artifacts",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			// stdout carries command output.
			slog.SetDefault(logger.New(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format).With("service", "edgesearch-build"))
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file")

	root.AddCommand(newBuildCmd(opts), newPublishCmd(opts), newInspectCmd(opts))
	return root
}
