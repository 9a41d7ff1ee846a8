package metrics

import (
	"math"
	"sort"
	"time"
)

// Summary is a basic statistics snapshot for one metric type.
type Summary struct {
	MetricType string
	Count      int
	Devices    int
	From       time.Time
	To         time.Time
	Avg        float64
	P95        float64
	Min        float64
	Max        float64
}

// Summarize computes per-type summaries for records received at or after since,
// sorted by metric type.
func Summarize(items []Record, since time.Time) []Summary {
	byType := map[string][]Record{}
	for _, r := range items {
		if r.ReceivedAt.Before(since) {
			continue
		}
		byType[r.MetricType] = append(byType[r.MetricType], r)
	}

	out := make([]Summary, 0, len(byType))
	for typ, recs := range byType {
		out = append(out, summarizeOne(typ, recs))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MetricType < out[j].MetricType })
	return out
}

func summarizeOne(typ string, recs []Record) Summary {
	values := make([]float64, 0, len(recs))
	devices := map[string]struct{}{}
	var sum float64
	minV := math.MaxFloat64
	maxV := -math.MaxFloat64
	from := recs[0].ReceivedAt
	to := recs[0].ReceivedAt

	for _, r := range recs {
		values = append(values, r.Value)
		devices[r.DeviceID] = struct{}{}
		sum += r.Value
		if r.Value < minV {
			minV = r.Value
		}
		if r.Value > maxV {
			maxV = r.Value
		}
		if r.ReceivedAt.Before(from) {
			from = r.ReceivedAt
		}
		if r.ReceivedAt.After(to) {
			to = r.ReceivedAt
		}
	}

	sort.Float64s(values)
	return Summary{
		MetricType: typ,
		Count:      len(recs),
		Devices:    len(devices),
		From:       from,
		To:         to,
		Avg:        sum / float64(len(recs)),
		P95:        percentile(values, 0.95),
		Min:        minV,
		Max:        maxV,
	}
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
