package agent

import (
	"context"
	"log"

	"metricsq/internal/config"
	"metricsq/internal/execx"
	"metricsq/internal/poller"
	"metricsq/internal/queue"
)

// Environment passed to action commands.
const (
	EnvStateFrom = "METRICSQ_STATE_FROM"
	EnvStateTo   = "METRICSQ_STATE_TO"
)

// flusher is the part of the queue an action needs.
type flusher interface {
	Flush(ctx context.Context) error
	Size() int
}

// registerActions installs one handler per distinct "on" value. Actions
// sharing a value run in config order.
func registerActions(p *poller.Poller, actions []config.ActionConfig, runner execx.Runner, q flusher, logger *log.Logger) {
	byKey := map[string][]config.ActionConfig{}
	var keys []string
	for _, act := range actions {
		if _, ok := byKey[act.On]; !ok {
			keys = append(keys, act.On)
		}
		byKey[act.On] = append(byKey[act.On], act)
	}
	for _, key := range keys {
		p.RegisterHandler(key, actionHandler(byKey[key], runner, q, logger))
	}
}

// actionHandler runs commands and flushes for a change. A failing command
// fails the handler so the poller retries the transition; flush failures are
// only logged since the queue keeps what it could not deliver.
func actionHandler(actions []config.ActionConfig, runner execx.Runner, q flusher, logger *log.Logger) poller.Handler {
	return func(ctx context.Context, change poller.Change) error {
		env := []string{EnvStateFrom + "=" + change.From, EnvStateTo + "=" + change.To}
		for _, act := range actions {
			if act.Command != "" {
				logger.Printf("state %q -> %q: run %q", change.From, change.To, act.Command)
				if err := execx.Shell(ctx, runner, env, act.Command); err != nil {
					return err
				}
			}
			if act.Flush && q.Size() > 0 {
				if err := q.Flush(ctx); err != nil {
					logger.Printf("state %q -> %q: flush: %v", change.From, change.To, err)
				}
			}
		}
		return nil
	}
}

var _ flusher = (*queue.Queue)(nil)
