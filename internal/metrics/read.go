package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// ReadCSV loads records from a CSV archive.
func ReadCSV(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == header[0] {
		start = 1
	}

	items := make([]Record, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < len(header) {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		tz, err := strconv.Atoi(rec[4])
		if err != nil {
			return nil, fmt.Errorf("invalid timezone at line %d: %w", i+1, err)
		}
		value, err := strconv.ParseFloat(rec[6], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value at line %d: %w", i+1, err)
		}
		items = append(items, Record{
			ReceivedAt:      ts,
			DeviceID:        rec[1],
			AggregatorID:    rec[2],
			ClientTimestamp: rec[3],
			TimezoneMinutes: tz,
			MetricType:      rec[5],
			Value:           value,
		})
	}

	return items, nil
}
