//go:build linux

package sampler

import (
	"golang.org/x/sys/unix"

	"metricsq/internal/model"
)

// Load averages from sysinfo are fixed point with SI_LOAD_SHIFT fractional bits.
const loadScale = 1 << 16

func systemMetrics() ([]model.MetricValue, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return nil, err
	}
	return fromSysinfo(
		[3]float64{float64(info.Loads[0]), float64(info.Loads[1]), float64(info.Loads[2])},
		uint64(info.Totalram), uint64(info.Freeram), uint64(info.Bufferram),
		int64(info.Uptime),
	)
}

type reading struct {
	typ   string
	value float64
}

func fromSysinfo(loads [3]float64, total, free, buffers uint64, uptime int64) ([]model.MetricValue, error) {
	raw := []reading{
		{MetricLoad1, loads[0] / loadScale},
		{MetricLoad5, loads[1] / loadScale},
		{MetricLoad15, loads[2] / loadScale},
		{MetricUptime, float64(uptime)},
	}
	if total > 0 {
		used := total - free
		if buffers < used {
			used -= buffers
		}
		raw = append(raw, reading{MetricMemoryUsed, 100 * float64(used) / float64(total)})
	}

	values := make([]model.MetricValue, 0, len(raw))
	for _, r := range raw {
		v, err := model.NewMetricValue(r.typ, r.value)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}
