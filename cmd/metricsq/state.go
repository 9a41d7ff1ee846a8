package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"metricsq/internal/api"
	"metricsq/internal/config"
)

func newStateCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Read or change the collector's toggle state",
	}

	var value string
	set := &cobra.Command{
		Use:   "set",
		Short: "Change the toggle value",
		RunE: func(cmd *cobra.Command, args []string) error {
			if value == "" {
				return errors.New("--value is required")
			}
			client, path, err := stateClient(load)
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.SetState(context.Background(), path, parseStateValue(value)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "state=%s\n", value)
			return nil
		},
	}
	set.Flags().StringVar(&value, "value", "", "new value; JSON literals (true, 1) are sent as-is")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Print the current toggle value",
			RunE: func(cmd *cobra.Command, args []string) error {
				client, path, err := stateClient(load)
				if err != nil {
					return err
				}
				defer client.Close()
				st, err := client.State(context.Background(), path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "state=%s timestamp=%s\n", st.Value, st.Timestamp)
				return nil
			},
		},
		set,
	)
	return cmd
}

// stateClient targets the agent's collector, or the local collector when the
// config only has a collector section.
func stateClient(load configLoader) (*api.Client, string, error) {
	cfg, err := load()
	if err != nil {
		return nil, "", err
	}
	switch {
	case cfg.Agent != nil:
		return api.NewClient(cfg.Agent.Collector, 0), cfg.Agent.StateEndpoint, nil
	case cfg.Collector != nil:
		return api.NewClient(cfg.Collector.Listen, 0), config.DefaultStateEndpoint, nil
	}
	return nil, "", errors.New("agent or collector config required")
}

func parseStateValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
