package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// MaxTimezoneMinutes bounds client_timezone_minutes (UTC-14:00 .. UTC+14:00).
const MaxTimezoneMinutes = 14 * 60

// ErrInvalidSnapshot is wrapped by every validation failure in this package.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// MetricValue is a single named reading inside a snapshot.
type MetricValue struct {
	typ   string
	value float64
}

// NewMetricValue validates and builds a reading.
func NewMetricValue(typ string, value float64) (MetricValue, error) {
	if typ == "" {
		return MetricValue{}, fmt.Errorf("%w: metric type is required", ErrInvalidSnapshot)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return MetricValue{}, fmt.Errorf("%w: metric %q has non-finite value", ErrInvalidSnapshot, typ)
	}
	return MetricValue{typ: typ, value: value}, nil
}

// Type returns the metric type name.
func (v MetricValue) Type() string { return v.typ }

// Value returns the reading.
func (v MetricValue) Value() float64 { return v.value }

// SnapshotInput carries the raw fields for NewSnapshot. Device and aggregator
// ids may be given with or without dashes.
type SnapshotInput struct {
	DeviceID        string
	AggregatorID    string
	ClientTimestamp string // ISO-8601; current UTC time when empty
	TimezoneMinutes int
	Values          []MetricValue
}

// Snapshot is one timestamped bundle of readings from one device, the unit of
// delivery. It is immutable once built.
type Snapshot struct {
	deviceID     uuid.UUID
	aggregatorID uuid.UUID
	timestamp    string
	tzMinutes    int
	values       []MetricValue
}

// NewSnapshot validates in and returns a canonical snapshot.
func NewSnapshot(in SnapshotInput) (Snapshot, error) {
	device, err := parseID("device_uuid", in.DeviceID)
	if err != nil {
		return Snapshot{}, err
	}
	aggregator, err := parseID("aggregator_uuid", in.AggregatorID)
	if err != nil {
		return Snapshot{}, err
	}

	ts := in.ClientTimestamp
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339Nano)
	} else if _, err := ParseTimestamp(ts); err != nil {
		return Snapshot{}, err
	}

	if in.TimezoneMinutes < -MaxTimezoneMinutes || in.TimezoneMinutes > MaxTimezoneMinutes {
		return Snapshot{}, fmt.Errorf("%w: client_timezone_minutes %d out of range", ErrInvalidSnapshot, in.TimezoneMinutes)
	}

	values := make([]MetricValue, 0, len(in.Values))
	for i, v := range in.Values {
		// Zero-value MetricValue bypasses NewMetricValue, so check again.
		checked, err := NewMetricValue(v.typ, v.value)
		if err != nil {
			return Snapshot{}, fmt.Errorf("metrics[%d]: %w", i, err)
		}
		values = append(values, checked)
	}

	return Snapshot{
		deviceID:     device,
		aggregatorID: aggregator,
		timestamp:    ts,
		tzMinutes:    in.TimezoneMinutes,
		values:       values,
	}, nil
}

func parseID(field, raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%w: %s is required", ErrInvalidSnapshot, field)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s: %v", ErrInvalidSnapshot, field, err)
	}
	return id, nil
}

// ParseTimestamp accepts RFC 3339 and zone-less ISO-8601 timestamps. Zone-less
// values are read as UTC.
func ParseTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: client_timestamp_utc %q is not ISO-8601", ErrInvalidSnapshot, value)
}

// TimezoneMinutes returns the UTC offset of t in minutes.
func TimezoneMinutes(t time.Time) int {
	_, offset := t.Zone()
	return offset / 60
}

func (s Snapshot) DeviceID() string        { return s.deviceID.String() }
func (s Snapshot) AggregatorID() string    { return s.aggregatorID.String() }
func (s Snapshot) ClientTimestamp() string { return s.timestamp }
func (s Snapshot) TimezoneMinutes() int    { return s.tzMinutes }

// Values returns a copy of the readings in order.
func (s Snapshot) Values() []MetricValue {
	out := make([]MetricValue, len(s.values))
	copy(out, s.values)
	return out
}

// Time parses the client timestamp.
func (s Snapshot) Time() (time.Time, error) {
	return ParseTimestamp(s.timestamp)
}

// Payload is the wire form of a snapshot. Field names are fixed for
// compatibility with existing collectors.
type Payload struct {
	DeviceUUID      string          `json:"device_uuid"`
	AggregatorUUID  string          `json:"aggregator_uuid"`
	ClientTimestamp string          `json:"client_timestamp_utc"`
	TimezoneMinutes int             `json:"client_timezone_minutes"`
	Metrics         []MetricPayload `json:"metrics"`
}

// MetricPayload is the wire form of a MetricValue.
type MetricPayload struct {
	MetricTypeName string  `json:"metric_type_name"`
	Value          float64 `json:"value"`
}

// Payload converts s to its wire form.
func (s Snapshot) Payload() Payload {
	metrics := make([]MetricPayload, 0, len(s.values))
	for _, v := range s.values {
		metrics = append(metrics, MetricPayload{MetricTypeName: v.typ, Value: v.value})
	}
	return Payload{
		DeviceUUID:      s.DeviceID(),
		AggregatorUUID:  s.AggregatorID(),
		ClientTimestamp: s.timestamp,
		TimezoneMinutes: s.tzMinutes,
		Metrics:         metrics,
	}
}

// Snapshot validates p and converts it back into a Snapshot.
func (p Payload) Snapshot() (Snapshot, error) {
	if p.ClientTimestamp == "" {
		return Snapshot{}, fmt.Errorf("%w: client_timestamp_utc is required", ErrInvalidSnapshot)
	}
	values := make([]MetricValue, 0, len(p.Metrics))
	for i, m := range p.Metrics {
		v, err := NewMetricValue(m.MetricTypeName, m.Value)
		if err != nil {
			return Snapshot{}, fmt.Errorf("metrics[%d]: %w", i, err)
		}
		values = append(values, v)
	}
	return NewSnapshot(SnapshotInput{
		DeviceID:        p.DeviceUUID,
		AggregatorID:    p.AggregatorUUID,
		ClientTimestamp: p.ClientTimestamp,
		TimezoneMinutes: p.TimezoneMinutes,
		Values:          values,
	})
}

// MarshalJSON encodes the wire payload.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Payload())
}

// UnmarshalJSON decodes and validates a wire payload.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	snap, err := p.Snapshot()
	if err != nil {
		return err
	}
	*s = snap
	return nil
}
