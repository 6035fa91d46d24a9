package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/extract"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/index"
)

func newBuildCmd(opts *options) *cobra.Command {
	var input, output string
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build artifacts from a JSONL file of entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			if output == "" {
				output = cfg.Builder.OutputDir
			}
			start := time.Now()

			f, err := os.Open(input)
			if err != nil {
				return err
			}
			defer f.Close()
			entries, err := index.ReadEntries(f)
			if err != nil {
				return err
			}
			extractor, err := extract.ByName(cfg.Builder.Extractor)
			if err != nil {
				return err
			}
			art, err := index.Build(entries, extractor, index.ConfigFrom(cfg.Builder))
			if err != nil {
				return err
			}
			if err := index.WriteDir(cmd.Context(), output, art); err != nil {
				return err
			}

			m := art.Manifest
			slog.Info("build written",
				"build_id", m.BuildID,
				"dir", output,
				"entries", m.EntryCount,
				"terms", m.TermCount,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			fmt.Fprintln(cmd.OutOrStdout(), m.BuildID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "JSONL file with one entry per line")
	cmd.Flags().StringVarP(&output, "output", "o", "", "artifact directory (default builder.outputDir)")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}
