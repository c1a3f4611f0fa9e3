package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Brownie44l1/classifier-api/internal/bootstrap"
	"github.com/Brownie44l1/classifier-api/internal/model"
	"github.com/Brownie44l1/classifier-api/internal/readiness"
)

func newFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Download and verify the model artifact without serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p := newProvisioner(cfg)
			if err := p.Ensure(ctx, modelArtifact(cfg)); err != nil {
				return err
			}
			if meta := metadataArtifact(cfg); meta != nil {
				if err := p.Ensure(ctx, *meta); err != nil {
					return err
				}
			}
			log.WithField("path", cfg.Model.Path).Info("model artifact ready")
			return nil
		},
	}
}

func newPredictCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "predict <image>",
		Short: "Classify a local image file and print the scores",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, err := bootstrap.Run(ctx, readiness.New[model.Predictor](), deps(cfg))
			if err != nil {
				return err
			}
			defer p.Close()

			pred, err := p.Predict(ctx, data)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LABEL\tPERCENT\tPROBABILITY")
			for _, s := range pred.Scores {
				fmt.Fprintf(w, "%s\t%d%%\t%.4f\n", s.Label, s.Percent, s.Probability)
			}
			fmt.Fprintf(w, "\ntop: %s (%s)\n", pred.Top.Label, pred.Elapsed)
			return w.Flush()
		},
	}
}
