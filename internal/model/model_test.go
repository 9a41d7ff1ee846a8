package model

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	undashedDevice = "5edcfadf3d364147bb4a7e3c2eaaa7e4"
	dashedDevice   = "5edcfadf-3d36-4147-bb4a-7e3c2eaaa7e4"
	aggregator     = "0b0c8f3e-7a0e-4d6c-9d3b-2b8a0f6b9e11"
)

func TestNewSnapshot_CanonicalizesUUIDs(t *testing.T) {
	t.Parallel()

	cpu, err := NewMetricValue("cpu", 12.5)
	require.NoError(t, err)

	snap, err := NewSnapshot(SnapshotInput{
		DeviceID:        undashedDevice,
		AggregatorID:    strings.ToUpper(strings.ReplaceAll(aggregator, "-", "")),
		ClientTimestamp: "2024-03-01T10:00:00",
		Values:          []MetricValue{cpu},
	})
	require.NoError(t, err)
	assert.Equal(t, dashedDevice, snap.DeviceID())
	assert.Equal(t, aggregator, snap.AggregatorID())

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"device_uuid":"`+dashedDevice+`"`)
	assert.Contains(t, string(data), `"metric_type_name":"cpu"`)
}

func TestNewSnapshot_DefaultsTimestampToUTCNow(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	snap, err := NewSnapshot(SnapshotInput{DeviceID: dashedDevice, AggregatorID: aggregator})
	require.NoError(t, err)

	ts, err := snap.Time()
	require.NoError(t, err)
	assert.True(t, ts.After(before), "timestamp %s not recent", snap.ClientTimestamp())
	assert.True(t, strings.HasSuffix(snap.ClientTimestamp(), "Z"), "timestamp %q not UTC", snap.ClientTimestamp())
}

func TestNewSnapshot_Validation(t *testing.T) {
	t.Parallel()

	cases := map[string]SnapshotInput{
		"missing device":  {AggregatorID: aggregator},
		"bad device":      {DeviceID: "not-a-uuid", AggregatorID: aggregator},
		"bad timestamp":   {DeviceID: dashedDevice, AggregatorID: aggregator, ClientTimestamp: "yesterday"},
		"tz out of range": {DeviceID: dashedDevice, AggregatorID: aggregator, TimezoneMinutes: 900},
		"zero value":      {DeviceID: dashedDevice, AggregatorID: aggregator, Values: []MetricValue{{}}},
	}
	for name, in := range cases {
		in := in
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := NewSnapshot(in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSnapshot), "err=%v", err)
		})
	}
}

func TestNewMetricValue_RejectsNonFinite(t *testing.T) {
	t.Parallel()

	_, err := NewMetricValue("temp", math.NaN())
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
	_, err = NewMetricValue("temp", math.Inf(1))
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
	_, err = NewMetricValue("", 1)
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestSnapshot_ValuesAreCopied(t *testing.T) {
	t.Parallel()

	v, _ := NewMetricValue("mem", 1)
	in := []MetricValue{v}
	snap, err := NewSnapshot(SnapshotInput{DeviceID: dashedDevice, AggregatorID: aggregator, Values: in})
	require.NoError(t, err)

	in[0], _ = NewMetricValue("other", 2)
	out := snap.Values()
	out[0], _ = NewMetricValue("changed", 3)

	assert.Equal(t, "mem", snap.Values()[0].Type())
}

func TestSnapshot_UnmarshalValidates(t *testing.T) {
	t.Parallel()

	var snap Snapshot
	err := json.Unmarshal([]byte(`{"device_uuid":"`+undashedDevice+`","aggregator_uuid":"`+aggregator+`",`+
		`"client_timestamp_utc":"2024-03-01T10:00:00+00:00","client_timezone_minutes":60,`+
		`"metrics":[{"metric_type_name":"cpu","value":3.5}]}`), &snap)
	require.NoError(t, err)
	assert.Equal(t, dashedDevice, snap.DeviceID())
	assert.Equal(t, 60, snap.TimezoneMinutes())
	require.Len(t, snap.Values(), 1)
	assert.Equal(t, 3.5, snap.Values()[0].Value())

	err = json.Unmarshal([]byte(`{"device_uuid":"x","aggregator_uuid":"`+aggregator+`","client_timestamp_utc":"2024-03-01T10:00:00"}`), &snap)
	assert.ErrorIs(t, err, ErrInvalidSnapshot)

	err = json.Unmarshal([]byte(`{"device_uuid":"`+dashedDevice+`","aggregator_uuid":"`+aggregator+`"}`), &snap)
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestTimezoneMinutes(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("x", -(5*60+30)*60)
	assert.Equal(t, -330, TimezoneMinutes(time.Date(2024, 1, 1, 0, 0, 0, 0, loc)))
}
