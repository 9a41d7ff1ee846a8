package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"metricsq/internal/model"
)

const (
	DefaultDataDir              = "/var/lib/metricsq"
	DefaultStorage              = StorageFile
	DefaultMetricsEndpoint      = "/api/metrics"
	DefaultStateEndpoint        = "/api/state"
	DefaultSendTimeoutSec       = 10
	DefaultSampleIntervalSec    = 60
	DefaultFlushIntervalSec     = 30
	DefaultStatePollIntervalSec = 5
	DefaultDebounceSec          = 2
	DefaultInitialState         = "off"
	DefaultStatsWindow          = "5m"

	// EnvPrefix prefixes environment overrides: METRICSQ_AGENT_COLLECTOR
	// overrides agent.collector.
	EnvPrefix = "METRICSQ"
)

// Queue storage backends.
const (
	StorageFile   = "file"
	StorageSQLite = "sqlite"
)

// Config holds both collector and agent settings.
type Config struct {
	Collector *CollectorConfig `yaml:"collector,omitempty" mapstructure:"collector"`
	Agent     *AgentConfig     `yaml:"agent,omitempty" mapstructure:"agent"`
}

// CollectorConfig is used by the reference collector process.
type CollectorConfig struct {
	Listen       string `yaml:"listen" mapstructure:"listen"`
	DataDir      string `yaml:"data_dir" mapstructure:"data_dir"`
	ArchivePath  string `yaml:"archive_path" mapstructure:"archive_path"`
	InitialState string `yaml:"initial_state" mapstructure:"initial_state"`
}

// RegistryPath is where the collector keeps its device registry.
func (c CollectorConfig) RegistryPath() string {
	return filepath.Join(c.DataDir, "devices.yaml")
}

// AgentConfig is used by the agent process running on a device.
type AgentConfig struct {
	Collector       string `yaml:"collector" mapstructure:"collector"`
	DeviceID        string `yaml:"device_id" mapstructure:"device_id"`
	AggregatorID    string `yaml:"aggregator_id" mapstructure:"aggregator_id"`
	TimezoneMinutes *int   `yaml:"timezone_minutes,omitempty" mapstructure:"timezone_minutes"`

	QueuePath  string `yaml:"queue_path" mapstructure:"queue_path"`
	Storage    string `yaml:"storage" mapstructure:"storage"`
	SQLitePath string `yaml:"sqlite_path,omitempty" mapstructure:"sqlite_path"`

	MetricsEndpoint string `yaml:"metrics_endpoint" mapstructure:"metrics_endpoint"`
	StateEndpoint   string `yaml:"state_endpoint" mapstructure:"state_endpoint"`

	SendTimeoutSec       int `yaml:"send_timeout_sec" mapstructure:"send_timeout_sec"`
	SampleIntervalSec    int `yaml:"sample_interval_sec" mapstructure:"sample_interval_sec"`
	FlushIntervalSec     int `yaml:"flush_interval_sec" mapstructure:"flush_interval_sec"`
	StatePollIntervalSec int `yaml:"state_poll_interval_sec" mapstructure:"state_poll_interval_sec"`
	DebounceSec          int `yaml:"debounce_sec" mapstructure:"debounce_sec"`

	PrometheusListen string `yaml:"prometheus_listen,omitempty" mapstructure:"prometheus_listen"`

	Actions []ActionConfig `yaml:"actions,omitempty" mapstructure:"actions"`
}

// ActionConfig maps a state value (or "*") to what the agent does when the
// toggle changes to it.
type ActionConfig struct {
	On      string `yaml:"on" mapstructure:"on"`
	Command string `yaml:"command,omitempty" mapstructure:"command"`
	Flush   bool   `yaml:"flush,omitempty" mapstructure:"flush"`
}

// envKeys are the scalar keys that can be set from the environment even when
// the file does not mention them.
var envKeys = []string{
	"collector.listen",
	"collector.data_dir",
	"collector.archive_path",
	"collector.initial_state",
	"agent.collector",
	"agent.device_id",
	"agent.aggregator_id",
	"agent.timezone_minutes",
	"agent.queue_path",
	"agent.storage",
	"agent.sqlite_path",
	"agent.metrics_endpoint",
	"agent.state_endpoint",
	"agent.send_timeout_sec",
	"agent.sample_interval_sec",
	"agent.flush_interval_sec",
	"agent.state_poll_interval_sec",
	"agent.debounce_sec",
	"agent.prometheus_listen",
}

// Load reads a YAML config file, applies METRICSQ_* environment overrides
// and fills in defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return Config{}, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Collector == nil && cfg.Agent == nil {
		return fmt.Errorf("config must contain collector or agent section")
	}
	if cfg.Collector != nil && cfg.Collector.Listen == "" {
		return fmt.Errorf("collector.listen is required")
	}
	if cfg.Agent != nil {
		if err := validateAgent(*cfg.Agent); err != nil {
			return err
		}
	}
	return nil
}

func validateAgent(a AgentConfig) error {
	var errs []error
	if a.Collector == "" {
		errs = append(errs, fmt.Errorf("agent.collector is required"))
	}
	for field, value := range map[string]string{"agent.device_id": a.DeviceID, "agent.aggregator_id": a.AggregatorID} {
		if value == "" {
			errs = append(errs, fmt.Errorf("%s is required", field))
			continue
		}
		if _, err := uuid.Parse(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}
	if a.TimezoneMinutes != nil && (*a.TimezoneMinutes < -model.MaxTimezoneMinutes || *a.TimezoneMinutes > model.MaxTimezoneMinutes) {
		errs = append(errs, fmt.Errorf("agent.timezone_minutes %d out of range", *a.TimezoneMinutes))
	}
	switch a.Storage {
	case "", StorageFile, StorageSQLite:
	default:
		errs = append(errs, fmt.Errorf("agent.storage must be %q or %q, got %q", StorageFile, StorageSQLite, a.Storage))
	}
	for i, act := range a.Actions {
		if act.On == "" {
			errs = append(errs, fmt.Errorf("agent.actions[%d].on is required", i))
		}
		if act.Command == "" && !act.Flush {
			errs = append(errs, fmt.Errorf("agent.actions[%d] needs command or flush", i))
		}
	}
	return errors.Join(errs...)
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Collector != nil {
		if cfg.Collector.DataDir == "" {
			cfg.Collector.DataDir = DefaultDataDir
		}
		if cfg.Collector.ArchivePath == "" {
			cfg.Collector.ArchivePath = filepath.Join(cfg.Collector.DataDir, "snapshots.csv")
		}
		if cfg.Collector.InitialState == "" {
			cfg.Collector.InitialState = DefaultInitialState
		}
	}

	if cfg.Agent != nil {
		a := cfg.Agent
		if a.Storage == "" {
			a.Storage = DefaultStorage
		}
		if a.QueuePath == "" {
			a.QueuePath = filepath.Join(DefaultDataDir, "queue.json")
		}
		if a.Storage == StorageSQLite && a.SQLitePath == "" {
			a.SQLitePath = filepath.Join(filepath.Dir(a.QueuePath), "queue.db")
		}
		if a.MetricsEndpoint == "" {
			a.MetricsEndpoint = DefaultMetricsEndpoint
		}
		if a.StateEndpoint == "" {
			a.StateEndpoint = DefaultStateEndpoint
		}
		if a.SendTimeoutSec == 0 {
			a.SendTimeoutSec = DefaultSendTimeoutSec
		}
		if a.SampleIntervalSec == 0 {
			a.SampleIntervalSec = DefaultSampleIntervalSec
		}
		if a.FlushIntervalSec == 0 {
			a.FlushIntervalSec = DefaultFlushIntervalSec
		}
		if a.StatePollIntervalSec == 0 {
			a.StatePollIntervalSec = DefaultStatePollIntervalSec
		}
		if a.DebounceSec == 0 {
			a.DebounceSec = DefaultDebounceSec
		}
	}
}
