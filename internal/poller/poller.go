// Package poller watches the collector's toggle state and invokes handlers
// when it changes, at most once per debounce window.
package poller

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"metricsq/internal/api"
)

// Wildcard matches any new value that has no handler of its own.
const Wildcard = "*"

// DefaultDebounce is the minimum spacing between handler invocations.
const DefaultDebounce = 2 * time.Second

// Source fetches the current state.
type Source interface {
	State(ctx context.Context) (api.State, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (api.State, error)

func (f SourceFunc) State(ctx context.Context) (api.State, error) { return f(ctx) }

// Change describes an observed transition.
type Change struct {
	From      string
	To        string
	Timestamp string
}

// Handler reacts to a state change. It runs without the poller's state lock
// held, so it may call Observed, RegisterHandler or SetDebounce; polls are
// serialised, so at most one handler runs at a time.
type Handler func(ctx context.Context, change Change) error

// PollError reports a failed state fetch.
type PollError struct {
	Err error
}

func (e *PollError) Error() string { return fmt.Sprintf("state poll: %v", e.Err) }

func (e *PollError) Unwrap() error { return e.Err }

// HandlerError reports a handler that failed or panicked. The transition is
// retried on the next poll.
type HandlerError struct {
	Key    string
	Change Change
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("state handler %q (%s -> %s): %v", e.Key, e.Change.From, e.Change.To, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets the logger; the default is log.Default().
func WithLogger(l *log.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

// Poller tracks the last observed value and the last time a handler ran.
// Both live in memory only.
type Poller struct {
	source Source
	logger *log.Logger
	now    func() time.Time

	// pollMu serialises PollOnce; mu guards the fields below.
	pollMu sync.Mutex

	mu         sync.Mutex
	handlers   map[string]Handler
	debounce   time.Duration
	observed   string
	seen       bool
	lastAction time.Time
}

// New creates a poller reading from source.
func New(source Source, opts ...Option) *Poller {
	p := &Poller{
		source:   source,
		logger:   log.Default(),
		now:      time.Now,
		handlers: map[string]Handler{},
		debounce: DefaultDebounce,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RegisterHandler sets the handler for a state value, replacing any previous
// one. Use Wildcard to match every value without its own handler.
func (p *Poller) RegisterHandler(key string, fn Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fn == nil {
		delete(p.handlers, key)
		return
	}
	p.handlers[key] = fn
}

// SetDebounce sets the minimum spacing between handler invocations.
// Negative values are treated as zero.
func (p *Poller) SetDebounce(d time.Duration) {
	if d < 0 {
		d = 0
	}
	p.mu.Lock()
	p.debounce = d
	p.mu.Unlock()
}

// Observed returns the last observed value and whether one has been seen.
func (p *Poller) Observed() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.observed, p.seen
}

// PollOnce fetches the state once and dispatches a handler if it changed.
// The first observation only records a baseline.
func (p *Poller) PollOnce(ctx context.Context) error {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	state, err := p.source.State(ctx)
	if err != nil {
		perr := &PollError{Err: err}
		p.logger.Printf("poller: %v", perr)
		return perr
	}

	change, key, fn, now := p.dispatch(state)
	if fn == nil {
		return nil
	}

	if err := invoke(ctx, fn, change); err != nil {
		herr := &HandlerError{Key: key, Change: change, Err: err}
		p.logger.Printf("poller: %v", herr)
		return herr
	}

	p.mu.Lock()
	p.observed = change.To
	p.lastAction = now
	p.mu.Unlock()
	return nil
}

// dispatch records state and returns the handler to run, if any. Transitions
// that need no handler are committed here; a returned handler's transition is
// committed by the caller once it succeeds.
func (p *Poller) dispatch(state api.State) (Change, string, Handler, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.seen {
		p.observed = state.Value
		p.seen = true
		p.logger.Printf("poller: baseline state=%q", state.Value)
		return Change{}, "", nil, time.Time{}
	}
	if state.Value == p.observed {
		return Change{}, "", nil, time.Time{}
	}

	change := Change{From: p.observed, To: state.Value, Timestamp: state.Timestamp}
	key, fn := p.lookupLocked(state.Value)
	if fn == nil {
		p.observed = state.Value
		return change, "", nil, time.Time{}
	}

	now := p.now()
	if !p.lastAction.IsZero() && now.Sub(p.lastAction) < p.debounce {
		p.logger.Printf("poller: state %q -> %q within debounce %s, handler skipped", change.From, change.To, p.debounce)
		p.observed = state.Value
		return change, "", nil, time.Time{}
	}
	return change, key, fn, now
}

func (p *Poller) lookupLocked(value string) (string, Handler) {
	if fn, ok := p.handlers[value]; ok {
		return value, fn
	}
	if fn, ok := p.handlers[Wildcard]; ok {
		return Wildcard, fn
	}
	return "", nil
}

func invoke(ctx context.Context, fn Handler, change Change) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, change)
}

// Run polls immediately and then every interval until ctx is cancelled.
// Poll errors are logged and do not stop the loop.
func (p *Poller) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = p.PollOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
