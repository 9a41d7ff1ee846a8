//go:build !linux

package sampler

import (
	"errors"

	"metricsq/internal/model"
)

func systemMetrics() ([]model.MetricValue, error) {
	return nil, errors.New("system sampling is only supported on linux")
}
