package metrics

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"metricsq/internal/model"
)

// Record is one archived metric value: a snapshot flattened to a row.
type Record struct {
	ReceivedAt      time.Time
	DeviceID        string
	AggregatorID    string
	ClientTimestamp string
	TimezoneMinutes int
	MetricType      string
	Value           float64
}

var header = []string{
	"received_at",
	"device_uuid",
	"aggregator_uuid",
	"client_timestamp_utc",
	"client_timezone_minutes",
	"metric_type_name",
	"value",
}

// Records flattens snapshots into one record per metric value, keeping order.
func Records(receivedAt time.Time, snaps ...model.Snapshot) []Record {
	var out []Record
	for _, snap := range snaps {
		for _, v := range snap.Values() {
			out = append(out, Record{
				ReceivedAt:      receivedAt,
				DeviceID:        snap.DeviceID(),
				AggregatorID:    snap.AggregatorID(),
				ClientTimestamp: snap.ClientTimestamp(),
				TimezoneMinutes: snap.TimezoneMinutes(),
				MetricType:      v.Type(),
				Value:           v.Value(),
			})
		}
	}
	return out
}

// WriteCSV writes records to CSV with a fixed column order.
func WriteCSV(w io.Writer, items []Record) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writeRecords(writer, items); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

// AppendCSV appends records to path, writing the header only when the file is new or empty.
func AppendCSV(path string, items []Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := writer.Write(header); err != nil {
			return err
		}
	}
	if err := writeRecords(writer, items); err != nil {
		return err
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func writeRecords(writer *csv.Writer, items []Record) error {
	for _, r := range items {
		record := []string{
			r.ReceivedAt.UTC().Format(time.RFC3339Nano),
			r.DeviceID,
			r.AggregatorID,
			r.ClientTimestamp,
			strconv.Itoa(r.TimezoneMinutes),
			r.MetricType,
			strconv.FormatFloat(r.Value, 'f', -1, 64),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return nil
}
