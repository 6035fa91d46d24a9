package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/chunkstore"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/index"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/internal/publish"
	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/kafka"
)

func newPublishCmd(opts *options) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Upload an artifact directory to the configured store and announce it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			if dir == "" {
				dir = cfg.Builder.OutputDir
			}
			ctx := cmd.Context()

			art, err := index.Fetch(ctx, chunkstore.NewFS(dir))
			if err != nil {
				return fmt.Errorf("reading %s: %w", dir, err)
			}
			backend, err := chunkstore.OpenBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			var popts publish.Options
			if cfg.Kafka.Enabled {
				producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexPublished)
				defer producer.Close()
				popts.Events = producer
			}
			event, err := publish.New(backend, popts).Publish(ctx, art)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", event.BuildID, event.EventID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "artifact directory (default builder.outputDir)")
	return cmd
}
