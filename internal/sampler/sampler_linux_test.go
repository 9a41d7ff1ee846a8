//go:build linux

package sampler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSysinfo(t *testing.T) {
	t.Parallel()

	values, err := fromSysinfo([3]float64{loadScale, loadScale / 2, loadScale / 4}, 1000, 400, 100, 3600)
	require.NoError(t, err)

	got := map[string]float64{}
	for _, v := range values {
		got[v.Type()] = v.Value()
	}
	assert.Equal(t, 1.0, got[MetricLoad1])
	assert.Equal(t, 0.5, got[MetricLoad5])
	assert.Equal(t, 0.25, got[MetricLoad15])
	assert.Equal(t, 3600.0, got[MetricUptime])
	assert.InDelta(t, 50.0, got[MetricMemoryUsed], 1e-9)
}

func TestSystemMetrics_Live(t *testing.T) {
	t.Parallel()

	values, err := systemMetrics()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(values), 4)
}
