package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"metricsq/internal/api"
	"metricsq/internal/config"
	"metricsq/internal/execx"
	"metricsq/internal/metrics"
	"metricsq/internal/model"
	"metricsq/internal/poller"
	"metricsq/internal/queue"
	"metricsq/internal/sampler"
	"metricsq/internal/store"
)

// Sampler produces the snapshot for one sampling tick.
type Sampler interface {
	Sample() (model.Snapshot, error)
}

// Option configures an Agent.
type Option func(*Agent)

// WithRunner replaces the command runner used by state-change actions.
func WithRunner(r execx.Runner) Option {
	return func(a *Agent) { a.runner = r }
}

// WithSampler replaces the system sampler.
func WithSampler(s Sampler) Option {
	return func(a *Agent) { a.sampler = s }
}

// Agent samples local metrics, delivers them through the durable queue and
// reacts to toggle changes on the collector.
type Agent struct {
	cfg    config.AgentConfig
	logger *log.Logger

	queue   *queue.Queue
	closers []io.Closer
	sampler Sampler
	poller  *poller.Poller
	runner  execx.Runner
	promReg *prometheus.Registry

	sampleInterval time.Duration
	flushInterval  time.Duration
	pollInterval   time.Duration
}

// OpenQueue builds the durable queue described by cfg without connecting it.
// The returned closer releases the storage backend.
func OpenQueue(cfg config.AgentConfig, client *api.Client, logger *log.Logger, m *metrics.QueueMetrics) (*queue.Queue, io.Closer, error) {
	var (
		storage queue.Storage
		closer  io.Closer = nopCloser{}
	)
	switch cfg.Storage {
	case config.StorageSQLite:
		db, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		storage, closer = db, db
	case config.StorageFile, "":
		storage = store.NewOSFileStore()
	default:
		return nil, nil, fmt.Errorf("unknown storage %q", cfg.Storage)
	}

	q := queue.New(client, storage, cfg.QueuePath,
		queue.WithEndpoint(cfg.MetricsEndpoint),
		queue.WithSendTimeout(time.Duration(cfg.SendTimeoutSec)*time.Second),
		queue.WithLogger(logger),
		queue.WithMetrics(m),
	)
	return q, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New wires an agent from cfg. Call Close when done.
func New(cfg config.AgentConfig, logger *log.Logger, opts ...Option) (*Agent, error) {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.SampleIntervalSec <= 0 || cfg.FlushIntervalSec <= 0 {
		return nil, fmt.Errorf("agent.sample_interval_sec and agent.flush_interval_sec must be positive")
	}
	client := api.NewClient(cfg.Collector, time.Duration(cfg.SendTimeoutSec)*time.Second)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	q, closer, err := OpenQueue(cfg, client, logger, metrics.NewQueueMetrics(promReg))
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:            cfg,
		logger:         logger,
		queue:          q,
		closers:        []io.Closer{closer},
		runner:         execx.NewOSRunner(nil, nil),
		promReg:        promReg,
		sampleInterval: time.Duration(cfg.SampleIntervalSec) * time.Second,
		flushInterval:  time.Duration(cfg.FlushIntervalSec) * time.Second,
		pollInterval:   time.Duration(cfg.StatePollIntervalSec) * time.Second,
	}

	var samplerOpts []sampler.Option
	if cfg.TimezoneMinutes != nil {
		samplerOpts = append(samplerOpts, sampler.WithTimezoneMinutes(*cfg.TimezoneMinutes))
	}
	a.sampler = sampler.New(cfg.DeviceID, cfg.AggregatorID, samplerOpts...)

	for _, opt := range opts {
		opt(a)
	}

	source := poller.SourceFunc(func(ctx context.Context) (api.State, error) {
		return client.State(ctx, cfg.StateEndpoint)
	})
	a.poller = poller.New(source, poller.WithLogger(logger))
	a.poller.SetDebounce(time.Duration(cfg.DebounceSec) * time.Second)
	registerActions(a.poller, cfg.Actions, a.runner, a.queue, logger)

	return a, nil
}

// Queue exposes the agent's delivery queue.
func (a *Agent) Queue() *queue.Queue { return a.queue }

// Close releases the queue and its storage.
func (a *Agent) Close() error {
	errs := []error{a.queue.Close()}
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Run starts the long-running agent loop. It returns ctx.Err() once ctx is
// cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.queue.Connect(); err != nil {
		var storageErr *queue.StorageError
		if !errors.As(err, &storageErr) {
			return err
		}
		// Connect already logged it; run with an empty queue.
	}
	a.logger.Printf("agent device=%s collector=%s pending=%d", a.cfg.DeviceID, a.cfg.Collector, a.queue.Size())

	var wg sync.WaitGroup
	defer wg.Wait()

	if a.cfg.PrometheusListen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.servePrometheus(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Printf("prometheus listener failed: %v", err)
			}
		}()
	}

	if a.pollInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.poller.Run(ctx, a.pollInterval)
		}()
	}

	sampleTicker := time.NewTicker(a.sampleInterval)
	defer sampleTicker.Stop()
	flushTicker := time.NewTicker(a.flushInterval)
	defer flushTicker.Stop()

	a.sampleOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sampleTicker.C:
			a.sampleOnce(ctx)
		case <-flushTicker.C:
			if a.queue.Size() == 0 {
				break
			}
			if err := a.queue.Flush(ctx); err != nil {
				if queue.IsTransient(err) {
					a.logger.Printf("flush deferred pending=%d: %v", a.queue.Size(), err)
				} else {
					a.logger.Printf("flush incomplete pending=%d: %v", a.queue.Size(), err)
				}
			}
		}
	}
}

func (a *Agent) sampleOnce(ctx context.Context) {
	snap, err := a.sampler.Sample()
	if err != nil {
		a.logger.Printf("sample failed: %v", err)
		return
	}
	if err := a.queue.Send(ctx, snap); err != nil {
		a.logger.Printf("send snapshot ts=%s failed: %v", snap.ClientTimestamp(), err)
	}
}

func (a *Agent) servePrometheus(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              a.cfg.PrometheusListen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Printf("prometheus listening on %s", a.cfg.PrometheusListen)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}
