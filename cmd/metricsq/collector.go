package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"metricsq/internal/collector"
	"metricsq/internal/config"
	"metricsq/internal/metrics"
)

func newCollectorCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collector",
		Short: "Run the reference collector or summarize its archive",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Accept snapshots and serve the toggle state",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := collectorSection(load)
				if err != nil {
					return err
				}
				srv, err := collector.NewServer(cfg, log.Default())
				if err != nil {
					return err
				}
				ctx, cancel := signalContext()
				defer cancel()
				if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			},
		},
		newCollectorStatsCmd(load),
	)
	return cmd
}

func newCollectorStatsCmd(load configLoader) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize archived metrics per type",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := collectorSection(load)
			if err != nil {
				return err
			}
			items, err := metrics.ReadCSV(cfg.ArchivePath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			summaries := metrics.Summarize(items, time.Now().UTC().Add(-window))
			if len(summaries) == 0 {
				fmt.Fprintln(out, "no samples in window")
				return nil
			}
			fmt.Fprintf(out, "%-24s  %6s  %7s  %10s  %10s  %10s  %10s\n", "METRIC", "COUNT", "DEVICES", "AVG", "P95", "MIN", "MAX")
			for _, s := range summaries {
				fmt.Fprintf(out, "%-24s  %6d  %7d  %10.2f  %10.2f  %10.2f  %10.2f\n",
					s.MetricType, s.Count, s.Devices, s.Avg, s.P95, s.Min, s.Max)
			}
			return nil
		},
	}
	window5m, _ := time.ParseDuration(config.DefaultStatsWindow)
	cmd.Flags().DurationVar(&window, "window", window5m, "time window")
	return cmd
}
