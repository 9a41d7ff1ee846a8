// Package queue implements the client-side durable delivery queue: snapshots
// that cannot reach the collector are buffered in order, mirrored to storage,
// and flushed once the collector answers again.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"metricsq/internal/api"
	"metricsq/internal/metrics"
	"metricsq/internal/model"
)

const (
	// DefaultSendTimeout bounds a single delivery attempt.
	DefaultSendTimeout = 10 * time.Second
	// DefaultEndpoint is the collector path snapshots are posted to.
	DefaultEndpoint = "/api/metrics"
)

// Transport sends one encoded snapshot. It returns an error only when no
// response was obtained; *api.ConnectionError marks network failures.
type Transport interface {
	PostJSON(ctx context.Context, path string, body []byte) (api.Response, error)
}

// Storage holds the persisted queue file. ReadFile must report a missing
// file with an error matching fs.ErrNotExist; WriteFile must replace the file
// atomically; DeleteFile must ignore a missing file.
type Storage interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	DeleteFile(path string) error
}

// Option configures a Queue.
type Option func(*Queue)

// WithSendTimeout sets the per-attempt delivery timeout.
func WithSendTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.sendTimeout = d
		}
	}
}

// WithEndpoint sets the collector path snapshots are posted to.
func WithEndpoint(path string) Option {
	return func(q *Queue) {
		if path != "" {
			q.endpoint = path
		}
	}
}

// WithLogger sets the logger; the default is log.Default().
func WithLogger(l *log.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithMetrics records delivery outcomes.
func WithMetrics(m *metrics.QueueMetrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// Queue is an at-least-once, order-preserving delivery buffer. Send,
// SendBatch and Flush are serialised internally; Size never blocks.
type Queue struct {
	transport   Transport
	storage     Storage
	path        string
	endpoint    string
	sendTimeout time.Duration
	logger      *log.Logger
	metrics     *metrics.QueueMetrics

	mu        sync.Mutex
	items     []model.Snapshot
	connected bool
	closed    bool

	size atomic.Int64
}

// New creates a queue persisted at path in storage. Call Connect before use.
func New(transport Transport, storage Storage, path string, opts ...Option) *Queue {
	q := &Queue{
		transport:   transport,
		storage:     storage,
		path:        path,
		endpoint:    DefaultEndpoint,
		sendTimeout: DefaultSendTimeout,
		logger:      log.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Connect loads any persisted snapshots, oldest first. When the persisted
// file cannot be parsed it returns a *StorageError and the queue starts empty
// but usable; the file is left in place for manual recovery.
func (q *Queue) Connect() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	q.connected = true

	items, err := q.load()
	if err != nil {
		q.logger.Printf("queue: %v; starting empty, file kept for recovery", err)
		q.metrics.ObserveStorageError()
		q.setItemsLocked(nil)
		return err
	}
	q.setItemsLocked(items)
	if len(items) > 0 {
		q.logger.Printf("queue: loaded %d pending snapshots from %s", len(items), q.path)
	}
	return nil
}

// Close releases the transport. It does not flush.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	if c, ok := q.transport.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Size returns the number of pending snapshots.
func (q *Queue) Size() int {
	return int(q.size.Load())
}

// Snapshots returns a copy of the pending snapshots in delivery order.
func (q *Queue) Snapshots() []model.Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]model.Snapshot, len(q.items))
	copy(out, q.items)
	return out
}

// Send delivers snap, draining any backlog first so it never overtakes older
// snapshots. Transient failures queue the snapshot and return nil. A rejected
// (4xx) snapshot returns *PermanentDeliveryError; other failures, including
// 1xx/3xx responses, return *UnrecoverableError. Neither is queued.
func (q *Queue) Send(ctx context.Context, snap model.Snapshot) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.readyLocked(); err != nil {
		return err
	}
	if err := q.flushLocked(ctx); err != nil {
		q.logger.Printf("queue: flush before send: %v", err)
	}
	return q.sendLocked(ctx, snap)
}

// SendBatch applies the Send rules to each snapshot in order after a single
// flush. It returns nil only if every snapshot was delivered or queued.
func (q *Queue) SendBatch(ctx context.Context, snaps []model.Snapshot) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.readyLocked(); err != nil {
		return err
	}
	if err := q.flushLocked(ctx); err != nil {
		q.logger.Printf("queue: flush before batch: %v", err)
	}

	var errs []error
	for i, snap := range snaps {
		if err := q.sendLocked(ctx, snap); err != nil {
			errs = append(errs, fmt.Errorf("snapshot %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Flush delivers queued snapshots oldest first. It stops at the first
// connection failure or non-success response, leaving that snapshot and
// everything after it queued, and returns the failure. Entries that fail
// without a response for an unrecoverable reason (encoding, unexpected
// transport error) are dropped and reported in the returned error while the
// flush continues. An empty queue returns nil without touching the transport.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.readyLocked(); err != nil {
		return err
	}
	return q.flushLocked(ctx)
}

func (q *Queue) readyLocked() error {
	if q.closed {
		return ErrClosed
	}
	if !q.connected {
		return ErrNotConnected
	}
	return nil
}

func (q *Queue) sendLocked(ctx context.Context, snap model.Snapshot) error {
	if len(q.items) > 0 {
		q.enqueueLocked(snap)
		return nil
	}

	err := q.deliver(ctx, snap)
	switch {
	case err == nil:
		q.metrics.ObserveDelivered()
		return nil
	case IsTransient(err):
		q.logger.Printf("queue: delivery deferred device=%s ts=%s: %v", snap.DeviceID(), snap.ClientTimestamp(), err)
		q.enqueueLocked(snap)
		return nil
	default:
		q.logger.Printf("queue: delivery failed device=%s ts=%s: %v", snap.DeviceID(), snap.ClientTimestamp(), err)
		q.metrics.ObserveDropped(dropReason(err))
		return err
	}
}

func (q *Queue) flushLocked(ctx context.Context) error {
	if len(q.items) == 0 {
		return nil
	}

	var dropped []error
	for len(q.items) > 0 {
		if err := ctx.Err(); err != nil {
			q.metrics.ObserveFlushFailure()
			return errors.Join(append(dropped, &TransientDeliveryError{Err: err})...)
		}

		// Head stays queued until the collector confirms it.
		head := q.items[0]
		err := q.deliver(ctx, head)
		if err == nil {
			q.removeHeadLocked()
			q.metrics.ObserveDelivered()
			continue
		}
		if !isPoisoned(err) {
			q.metrics.ObserveFlushFailure()
			return errors.Join(append(dropped, err)...)
		}

		q.logger.Printf("queue: dropping snapshot device=%s ts=%s: %v", head.DeviceID(), head.ClientTimestamp(), err)
		q.metrics.ObserveDropped(dropReason(err))
		q.removeHeadLocked()
		dropped = append(dropped, err)
	}

	if len(dropped) > 0 {
		q.metrics.ObserveFlushFailure()
		return errors.Join(dropped...)
	}
	return nil
}

// deliver makes one attempt and classifies the outcome.
func (q *Queue) deliver(ctx context.Context, snap model.Snapshot) error {
	body, err := json.Marshal(snap.Payload())
	if err != nil {
		return &UnrecoverableError{Err: fmt.Errorf("encode snapshot: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, q.sendTimeout)
	defer cancel()

	resp, err := q.transport.PostJSON(ctx, q.endpoint, body)
	if err != nil {
		if isConnectionFailure(err) {
			return &TransientDeliveryError{Err: err}
		}
		return &UnrecoverableError{Err: err}
	}

	switch {
	case resp.OK():
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &PermanentDeliveryError{StatusCode: resp.StatusCode, Err: resp.Err()}
	case resp.StatusCode >= 500:
		return &TransientDeliveryError{StatusCode: resp.StatusCode, Err: resp.Err()}
	default:
		// 1xx/3xx that survived the client's redirect handling.
		return &UnrecoverableError{StatusCode: resp.StatusCode, Err: resp.Err()}
	}
}

// isPoisoned reports whether a queued entry should be dropped rather than
// block the flush: an unrecoverable failure where no response was received.
func isPoisoned(err error) bool {
	var u *UnrecoverableError
	return errors.As(err, &u) && u.StatusCode == 0
}

func isConnectionFailure(err error) bool {
	var connErr *api.ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func dropReason(err error) string {
	var perm *PermanentDeliveryError
	if errors.As(err, &perm) {
		return "client_error"
	}
	return "unrecoverable"
}

func (q *Queue) enqueueLocked(snap model.Snapshot) {
	q.items = append(q.items, snap)
	q.size.Store(int64(len(q.items)))
	q.metrics.SetPending(len(q.items))
	q.metrics.ObserveQueued()
	q.persistLocked()
}

func (q *Queue) removeHeadLocked() {
	q.items[0] = model.Snapshot{}
	q.items = q.items[1:]
	q.size.Store(int64(len(q.items)))
	q.metrics.SetPending(len(q.items))
	q.persistLocked()
}

func (q *Queue) setItemsLocked(items []model.Snapshot) {
	q.items = items
	q.size.Store(int64(len(items)))
	q.metrics.SetPending(len(items))
}

// persistLocked mirrors the in-memory queue to storage. Failures are logged
// and leave the in-memory queue as it is.
func (q *Queue) persistLocked() {
	if err := q.save(); err != nil {
		q.metrics.ObserveStorageError()
		q.logger.Printf("queue: %v", err)
	}
}

func (q *Queue) save() error {
	if len(q.items) == 0 {
		if err := q.storage.DeleteFile(q.path); err != nil {
			return &StorageError{Op: "delete", Path: q.path, Err: err}
		}
		return nil
	}
	data, err := json.Marshal(q.items)
	if err != nil {
		return &StorageError{Op: "encode", Path: q.path, Err: err}
	}
	if err := q.storage.WriteFile(q.path, data); err != nil {
		return &StorageError{Op: "save", Path: q.path, Err: err}
	}
	return nil
}

func (q *Queue) load() ([]model.Snapshot, error) {
	data, err := q.storage.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &StorageError{Op: "load", Path: q.path, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &StorageError{Op: "load", Path: q.path, Err: errors.New("empty file")}
	}

	var items []model.Snapshot
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, &StorageError{Op: "load", Path: q.path, Err: err}
	}
	return items, nil
}
