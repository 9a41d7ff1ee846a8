package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"metricsq/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "metricsq",
		Short: "Durable metrics delivery agent and reference collector",
		Long: `metricsq samples device metrics, delivers them to a collector through an
on-disk queue that survives outages and restarts, and reacts to a toggle
state served by the collector.

Commands:
  agent      Run the device agent or inspect its queue
  collector  Run the reference collector or summarize its archive
  state      Read or change the collector's toggle state`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config")

	load := func() (config.Config, error) { return loadConfig(configPath) }
	root.AddCommand(
		newAgentCmd(load),
		newCollectorCmd(load),
		newStateCmd(load),
	)
	return root
}

type configLoader func() (config.Config, error)

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, errors.New("--config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func agentSection(load configLoader) (config.AgentConfig, error) {
	cfg, err := load()
	if err != nil {
		return config.AgentConfig{}, err
	}
	if cfg.Agent == nil {
		return config.AgentConfig{}, errors.New("agent config required")
	}
	return *cfg.Agent, nil
}

func collectorSection(load configLoader) (config.CollectorConfig, error) {
	cfg, err := load()
	if err != nil {
		return config.CollectorConfig{}, err
	}
	if cfg.Collector == nil {
		return config.CollectorConfig{}, errors.New("collector config required")
	}
	return *cfg.Collector, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
