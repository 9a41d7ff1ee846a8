package collector

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metricsq/internal/config"
	"metricsq/internal/metrics"
	"metricsq/internal/store"
)

const validPayload = `{
  "device_uuid": "5edcfadf3d364147bb4a7e3c2eaaa7e4",
  "aggregator_uuid": "0b0c8f3e-7a0e-4d6c-9d3b-2b8a0f6b9e11",
  "client_timestamp_utc": "2024-03-01T10:00:00Z",
  "client_timezone_minutes": 60,
  "metrics": [{"metric_type_name": "cpu_load_1m", "value": 0.75}]
}`

func newTestServer(t *testing.T) (*Server, config.CollectorConfig) {
	t.Helper()
	cfg := config.Config{Collector: &config.CollectorConfig{Listen: "127.0.0.1:0", DataDir: t.TempDir()}}
	config.ApplyDefaults(&cfg)
	s, err := NewServer(*cfg.Collector, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	return s, *cfg.Collector
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleMetrics_AcceptsArchivesAndTracksDevice(t *testing.T) {
	t.Parallel()

	s, cfg := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/metrics", validPayload)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodPost, "/api/metrics", validPayload)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	recs, err := metrics.ReadCSV(cfg.ArchivePath)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "5edcfadf-3d36-4147-bb4a-7e3c2eaaa7e4", recs[0].DeviceID)
	assert.Equal(t, "cpu_load_1m", recs[0].MetricType)
	assert.Equal(t, 0.75, recs[0].Value)

	reg, err := store.LoadRegistry(cfg.RegistryPath())
	require.NoError(t, err)
	dev, ok := reg.Find("5edcfadf-3d36-4147-bb4a-7e3c2eaaa7e4")
	require.True(t, ok)
	assert.Equal(t, int64(2), dev.Snapshots)

	rec = do(t, h, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var devices struct {
		Devices []store.DeviceInfo `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &devices))
	require.Len(t, devices.Devices, 1)
	assert.Equal(t, "2024-03-01T10:00:00Z", devices.Devices[0].LastClientTimestamp)
}

func TestHandleMetrics_Rejects(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	h := s.Handler()

	cases := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"malformed", http.MethodPost, `{"device_uuid":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, `{"device":"x"}`, http.StatusBadRequest},
		{"bad uuid", http.MethodPost, strings.Replace(validPayload, "5edcfadf3d364147bb4a7e3c2eaaa7e4", "nope", 1), http.StatusBadRequest},
		{"bad timestamp", http.MethodPost, strings.Replace(validPayload, "2024-03-01T10:00:00Z", "yesterday", 1), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, tc.method, "/api/metrics", tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}

func TestHandleMetrics_ArchiveFailureIs500(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	cfg := config.CollectorConfig{Listen: "127.0.0.1:0", DataDir: dir, ArchivePath: filepath.Join(blocker, "snapshots.csv")}
	s, err := NewServer(cfg, log.New(io.Discard, "", 0))
	require.NoError(t, err)

	rec := do(t, s.Handler(), http.MethodPost, "/api/metrics", validPayload)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleState_GetAndSet(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `"off"`, extractValue(t, rec.Body.Bytes()))

	rec = do(t, h, http.MethodPost, "/api/state", `{"value": true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/state", "")
	assert.JSONEq(t, `true`, extractValue(t, rec.Body.Bytes()))

	rec = do(t, h, http.MethodPost, "/api/state", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPut, "/api/state", `{"value":"on"}`)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func extractValue(t *testing.T, body []byte) string {
	t.Helper()
	var doc struct {
		Value     json.RawMessage `json:"value"`
		Timestamp string          `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.NotEmpty(t, doc.Timestamp)
	return string(doc.Value)
}

func TestPrometheusEndpoint(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	h := s.Handler()
	do(t, h, http.MethodPost, "/api/metrics", validPayload)
	do(t, h, http.MethodPost, "/api/metrics", `{`)

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `metricsq_collector_snapshots_total{result="accepted"} 1`)
	assert.Contains(t, body, `metricsq_collector_snapshots_total{result="malformed"} 1`)
	assert.Contains(t, body, "metricsq_collector_values_total 1")
}

func TestNewServer_LoadsExistingRegistry(t *testing.T) {
	t.Parallel()

	s, cfg := newTestServer(t)
	do(t, s.Handler(), http.MethodPost, "/api/metrics", validPayload)

	again, err := NewServer(cfg, log.New(io.Discard, "", 0))
	require.NoError(t, err)
	rec := do(t, again.Handler(), http.MethodGet, "/api/devices", "")
	assert.True(t, bytes.Contains(rec.Body.Bytes(), []byte("5edcfadf-3d36-4147-bb4a-7e3c2eaaa7e4")))
}
