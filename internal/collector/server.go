// Package collector is a reference receiver for agent snapshots. It archives
// what it accepts to CSV, tracks devices and serves the toggle state agents
// poll.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"metricsq/internal/config"
	"metricsq/internal/metrics"
	"metricsq/internal/model"
	"metricsq/internal/store"
)

// Server provides the collector HTTP API.
type Server struct {
	cfg     config.CollectorConfig
	regPath string
	logger  *log.Logger
	now     func() time.Time

	mu  sync.Mutex
	reg *store.Registry
	// archiveMu serializes appends to the CSV archive so concurrent
	// submissions don't interleave rows.
	archiveMu sync.Mutex

	stateMu sync.RWMutex
	state   stateDoc

	promReg *prometheus.Registry
	metrics *metrics.CollectorMetrics
}

// stateDoc keeps the toggle value as raw JSON so non-string values survive
// a round trip.
type stateDoc struct {
	Value     json.RawMessage `json:"value"`
	Timestamp string          `json:"timestamp"`
}

// NewServer constructs a collector server, loading its device registry from
// the data directory.
func NewServer(cfg config.CollectorConfig, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.Default()
	}
	regPath := cfg.RegistryPath()
	reg, err := store.LoadRegistry(regPath)
	if err != nil {
		return nil, err
	}

	initial, err := json.Marshal(cfg.InitialState)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	s := &Server{
		cfg:     cfg,
		regPath: regPath,
		logger:  logger,
		now:     time.Now,
		reg:     reg,
		promReg: promReg,
		metrics: metrics.NewCollectorMetrics(promReg),
	}
	s.state = stateDoc{Value: initial, Timestamp: s.now().UTC().Format(time.RFC3339Nano)}
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	return mux
}

// ListenAndServe runs the HTTP server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("collector listening on %s", s.cfg.Listen)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var payload model.Payload
	if err := decodeJSON(r, &payload); err != nil {
		s.metrics.ObserveSnapshot("malformed", 0)
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := payload.Snapshot()
	if err != nil {
		s.metrics.ObserveSnapshot("invalid", 0)
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := s.now().UTC()
	s.archiveMu.Lock()
	err = metrics.AppendCSV(s.cfg.ArchivePath, metrics.Records(now, snap))
	s.archiveMu.Unlock()
	if err != nil {
		s.logger.Printf("archive snapshot device=%s failed: %v", snap.DeviceID(), err)
		s.metrics.ObserveSnapshot("archive_error", 0)
		writeJSONError(w, http.StatusInternalServerError, "archive failed")
		return
	}

	s.mu.Lock()
	s.reg.Observe(snap, now)
	if err := store.SaveRegistry(s.regPath, s.reg); err != nil {
		// The snapshot is archived; a stale registry is recoverable.
		s.logger.Printf("save registry failed: %v", err)
	}
	s.mu.Unlock()

	s.metrics.ObserveSnapshot("accepted", len(snap.Values()))
	writeJSON(w, http.StatusCreated, map[string]string{"status": "accepted"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.stateMu.RLock()
		doc := s.state
		s.stateMu.RUnlock()
		writeJSON(w, http.StatusOK, doc)
	case http.MethodPost:
		var req struct {
			Value json.RawMessage `json:"value"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		value := bytes.TrimSpace(req.Value)
		if len(value) == 0 || bytes.Equal(value, []byte("null")) {
			writeJSONError(w, http.StatusBadRequest, "value is required")
			return
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, value); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		doc := stateDoc{Value: compact.Bytes(), Timestamp: s.now().UTC().Format(time.RFC3339Nano)}
		s.stateMu.Lock()
		prev := s.state
		s.state = doc
		s.stateMu.Unlock()
		if !bytes.Equal(prev.Value, doc.Value) {
			s.logger.Printf("state changed %s -> %s", prev.Value, doc.Value)
		}
		writeJSON(w, http.StatusOK, doc)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.mu.Lock()
	devices := make([]store.DeviceInfo, len(s.reg.Devices))
	copy(devices, s.reg.Devices)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
