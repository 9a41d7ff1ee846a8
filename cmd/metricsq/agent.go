package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"metricsq/internal/agent"
	"metricsq/internal/api"
	"metricsq/internal/config"
	"metricsq/internal/metrics"
	"metricsq/internal/queue"
)

func newAgentCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the device agent or inspect its queue",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Sample, deliver and watch state until interrupted",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := agentSection(load)
				if err != nil {
					return err
				}
				a, err := agent.New(cfg, log.Default())
				if err != nil {
					return err
				}
				defer a.Close()

				ctx, cancel := signalContext()
				defer cancel()
				if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show pending snapshots in the queue",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withQueue(load, func(cfg config.AgentConfig, q *queue.Queue) error {
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "storage=%s path=%s pending=%d\n", cfg.Storage, storagePath(cfg), q.Size())
					snaps := q.Snapshots()
					if len(snaps) > 0 {
						fmt.Fprintf(out, "oldest=%s newest=%s\n", snaps[0].ClientTimestamp(), snaps[len(snaps)-1].ClientTimestamp())
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "flush",
			Short: "Deliver pending snapshots now",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withQueue(load, func(cfg config.AgentConfig, q *queue.Queue) error {
					before := q.Size()
					ctx, cancel := signalContext()
					defer cancel()
					err := q.Flush(ctx)
					fmt.Fprintf(cmd.OutOrStdout(), "delivered_or_dropped=%d pending=%d\n", before-q.Size(), q.Size())
					return err
				})
			},
		},
		newAgentExportCmd(load),
	)
	return cmd
}

func newAgentExportCmd(load configLoader) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write pending snapshots to a CSV file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return errors.New("--out is required")
			}
			return withQueue(load, func(cfg config.AgentConfig, q *queue.Queue) error {
				snaps := q.Snapshots()
				if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
					return err
				}
				file, err := os.Create(out)
				if err != nil {
					return err
				}
				defer file.Close()
				if err := metrics.WriteCSV(file, metrics.Records(time.Now().UTC(), snaps...)); err != nil {
					return err
				}
				if err := file.Close(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported %d snapshots to %s\n", len(snaps), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output CSV file")
	return cmd
}

// withQueue opens and connects the agent's queue for a one-shot command.
// Running this next to a live agent on the same path is not supported.
func withQueue(load configLoader, fn func(config.AgentConfig, *queue.Queue) error) error {
	cfg, err := agentSection(load)
	if err != nil {
		return err
	}
	client := api.NewClient(cfg.Collector, time.Duration(cfg.SendTimeoutSec)*time.Second)
	q, closer, err := agent.OpenQueue(cfg, client, log.Default(), nil)
	if err != nil {
		return err
	}
	defer closer.Close()
	defer q.Close()

	if err := q.Connect(); err != nil {
		return err
	}
	return fn(cfg, q)
}

func storagePath(cfg config.AgentConfig) string {
	if cfg.Storage == config.StorageSQLite {
		return cfg.SQLitePath + "#" + cfg.QueuePath
	}
	return cfg.QueuePath
}
