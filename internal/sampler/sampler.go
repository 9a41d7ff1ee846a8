// Package sampler turns local system readings into metric snapshots.
package sampler

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"metricsq/internal/model"
)

// Metric type names produced by the sampler.
const (
	MetricLoad1        = "cpu_load_1m"
	MetricLoad5        = "cpu_load_5m"
	MetricLoad15       = "cpu_load_15m"
	MetricMemoryUsed   = "memory_used_percent"
	MetricUptime       = "uptime_seconds"
	MetricTemperatureC = "temperature_celsius"
)

// DefaultThermalPath is the first Linux thermal zone, in millidegrees Celsius.
const DefaultThermalPath = "/sys/class/thermal/thermal_zone0/temp"

// Option configures a Sampler.
type Option func(*Sampler)

// WithFs reads the thermal zone from fs instead of the OS.
func WithFs(fsys afero.Fs) Option {
	return func(s *Sampler) { s.fs = fsys }
}

// WithThermalPath sets the thermal zone file; empty disables temperature.
func WithThermalPath(path string) Option {
	return func(s *Sampler) { s.thermalPath = path }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) { s.now = now }
}

// WithTimezoneMinutes pins the reported offset instead of using the host zone.
func WithTimezoneMinutes(minutes int) Option {
	return func(s *Sampler) { s.tzMinutes = &minutes }
}

// Sampler builds snapshots for one device.
type Sampler struct {
	deviceID     string
	aggregatorID string
	tzMinutes    *int
	fs           afero.Fs
	thermalPath  string
	now          func() time.Time
	system       func() ([]model.MetricValue, error)
}

// New creates a sampler reporting as deviceID through aggregatorID.
func New(deviceID, aggregatorID string, opts ...Option) *Sampler {
	s := &Sampler{
		deviceID:     deviceID,
		aggregatorID: aggregatorID,
		fs:           afero.NewOsFs(),
		thermalPath:  DefaultThermalPath,
		now:          time.Now,
		system:       systemMetrics,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sample reads the current system metrics. A missing thermal zone is not an
// error; the temperature metric is simply left out.
func (s *Sampler) Sample() (model.Snapshot, error) {
	values, err := s.system()
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("sample system: %w", err)
	}
	if temp, ok, err := s.temperature(); err != nil {
		return model.Snapshot{}, err
	} else if ok {
		values = append(values, temp)
	}

	now := s.now()
	tz := model.TimezoneMinutes(now)
	if s.tzMinutes != nil {
		tz = *s.tzMinutes
	}
	return model.NewSnapshot(model.SnapshotInput{
		DeviceID:        s.deviceID,
		AggregatorID:    s.aggregatorID,
		ClientTimestamp: now.UTC().Format(time.RFC3339Nano),
		TimezoneMinutes: tz,
		Values:          values,
	})
}

func (s *Sampler) temperature() (model.MetricValue, bool, error) {
	if s.thermalPath == "" {
		return model.MetricValue{}, false, nil
	}
	data, err := afero.ReadFile(s.fs, s.thermalPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.MetricValue{}, false, nil
		}
		return model.MetricValue{}, false, fmt.Errorf("read %s: %w", s.thermalPath, err)
	}
	milli, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return model.MetricValue{}, false, fmt.Errorf("parse %s: %w", s.thermalPath, err)
	}
	v, err := model.NewMetricValue(MetricTemperatureC, float64(milli)/1000)
	return v, err == nil, err
}
