package config

import (
	"os"
	"path/filepath"
	"testing"
)

const (
	testDevice     = "5edcfadf3d364147bb4a7e3c2eaaa7e4"
	testAggregator = "0b0c8f3e-7a0e-4d6c-9d3b-2b8a0f6b9e11"
)

func TestApplyDefaults_Agent(t *testing.T) {
	t.Parallel()

	cfg := Config{Agent: &AgentConfig{Collector: "127.0.0.1:8080"}}
	ApplyDefaults(&cfg)

	a := cfg.Agent
	if a.Storage != StorageFile || a.QueuePath == "" {
		t.Fatalf("storage defaults not set: %+v", a)
	}
	if a.SendTimeoutSec != DefaultSendTimeoutSec || a.DebounceSec != DefaultDebounceSec {
		t.Fatalf("timing defaults: %+v", a)
	}
	if a.MetricsEndpoint != "/api/metrics" || a.StateEndpoint != "/api/state" {
		t.Fatalf("endpoints: %q %q", a.MetricsEndpoint, a.StateEndpoint)
	}
}

func TestApplyDefaults_SQLitePathFollowsQueuePath(t *testing.T) {
	t.Parallel()

	cfg := Config{Agent: &AgentConfig{Storage: StorageSQLite, QueuePath: "/data/q/queue.json"}}
	ApplyDefaults(&cfg)
	if cfg.Agent.SQLitePath != "/data/q/queue.db" {
		t.Fatalf("sqlite_path=%q", cfg.Agent.SQLitePath)
	}
}

func TestApplyDefaults_Collector(t *testing.T) {
	t.Parallel()

	cfg := Config{Collector: &CollectorConfig{Listen: ":8080", DataDir: "/srv/mq"}}
	ApplyDefaults(&cfg)
	if cfg.Collector.ArchivePath != "/srv/mq/snapshots.csv" {
		t.Fatalf("archive_path=%q", cfg.Collector.ArchivePath)
	}
	if cfg.Collector.RegistryPath() != "/srv/mq/devices.yaml" {
		t.Fatalf("registry=%q", cfg.Collector.RegistryPath())
	}
	if cfg.Collector.InitialState != DefaultInitialState {
		t.Fatalf("initial_state=%q", cfg.Collector.InitialState)
	}
}

func TestValidate_Agent(t *testing.T) {
	t.Parallel()

	cfg := Config{Agent: &AgentConfig{Collector: "127.0.0.1:8080"}}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for missing ids")
	}

	cfg.Agent.DeviceID = testDevice
	cfg.Agent.AggregatorID = testAggregator
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	cfg.Agent.AggregatorID = "not-a-uuid"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for bad aggregator id")
	}
	cfg.Agent.AggregatorID = testAggregator

	tz := 900
	cfg.Agent.TimezoneMinutes = &tz
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for timezone")
	}
	cfg.Agent.TimezoneMinutes = nil

	cfg.Agent.Actions = []ActionConfig{{On: "on"}}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty action")
	}
}

func TestValidate_RequiresSection(t *testing.T) {
	t.Parallel()

	if err := Validate(Config{}); err == nil {
		t.Fatalf("expected error")
	}
	if err := Validate(Config{Collector: &CollectorConfig{}}); err == nil {
		t.Fatalf("expected error for missing listen")
	}
}

func TestSave_Writes0600AndLoadsBack(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "conf", "agent.yaml")
	tz := -300
	cfg := Config{Agent: &AgentConfig{
		Collector:       "127.0.0.1:8080",
		DeviceID:        testDevice,
		AggregatorID:    testAggregator,
		TimezoneMinutes: &tz,
		Actions:         []ActionConfig{{On: "on", Command: "systemctl start sensor", Flush: true}},
	}}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Agent == nil || got.Agent.DeviceID != testDevice || got.Agent.SampleIntervalSec != DefaultSampleIntervalSec {
		t.Fatalf("agent=%+v", got.Agent)
	}
	if got.Agent.TimezoneMinutes == nil || *got.Agent.TimezoneMinutes != -300 {
		t.Fatalf("timezone=%v", got.Agent.TimezoneMinutes)
	}
	if len(got.Agent.Actions) != 1 || got.Agent.Actions[0].Command != "systemctl start sensor" || !got.Agent.Actions[0].Flush {
		t.Fatalf("actions=%+v", got.Agent.Actions)
	}
	if got.Collector != nil {
		t.Fatalf("unexpected collector section: %+v", got.Collector)
	}
}

// Not parallel: mutates the process environment.
func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	data := []byte("agent:\n  collector: 10.0.0.1:8080\n  device_id: " + testDevice + "\n  aggregator_id: " + testAggregator + "\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("METRICSQ_AGENT_COLLECTOR", "collector.internal:9000")
	t.Setenv("METRICSQ_AGENT_FLUSH_INTERVAL_SEC", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Collector != "collector.internal:9000" {
		t.Fatalf("collector=%q", cfg.Agent.Collector)
	}
	if cfg.Agent.FlushIntervalSec != 7 {
		t.Fatalf("flush_interval_sec=%d", cfg.Agent.FlushIntervalSec)
	}
	if cfg.Collector != nil {
		t.Fatalf("env for unset collector keys must not create the section")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error")
	}
}
