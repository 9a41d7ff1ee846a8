package store

import (
	"errors"
	"io/fs"
	"time"

	"gopkg.in/yaml.v3"

	"metricsq/internal/model"
)

// Registry persists the devices a collector has heard from.
type Registry struct {
	UpdatedAt time.Time    `yaml:"updated_at" json:"updated_at"`
	Devices   []DeviceInfo `yaml:"devices" json:"devices"`
}

// DeviceInfo is a minimal per-device record for collector persistence.
type DeviceInfo struct {
	ID                  string    `yaml:"id" json:"id"`
	AggregatorID        string    `yaml:"aggregator_id" json:"aggregator_id"`
	FirstSeenAt         time.Time `yaml:"first_seen_at" json:"first_seen_at"`
	LastSeenAt          time.Time `yaml:"last_seen_at" json:"last_seen_at"`
	LastClientTimestamp string    `yaml:"last_client_timestamp" json:"last_client_timestamp"`
	Snapshots           int64     `yaml:"snapshots" json:"snapshots"`
}

// LoadRegistry loads the registry from disk. If the file is missing, returns an empty registry.
func LoadRegistry(path string) (*Registry, error) {
	data, err := NewOSFileStore().ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Registry{}, nil
		}
		return nil, err
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, err
	}

	return &reg, nil
}

// SaveRegistry writes the registry to disk.
func SaveRegistry(path string, reg *Registry) error {
	if reg == nil {
		return nil
	}
	reg.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(reg)
	if err != nil {
		return err
	}
	return NewOSFileStore().WriteFile(path, data)
}

// Observe records a received snapshot.
func (r *Registry) Observe(snap model.Snapshot, now time.Time) {
	id := snap.DeviceID()
	for i := range r.Devices {
		if r.Devices[i].ID != id {
			continue
		}
		r.Devices[i].AggregatorID = snap.AggregatorID()
		r.Devices[i].LastSeenAt = now
		r.Devices[i].LastClientTimestamp = snap.ClientTimestamp()
		r.Devices[i].Snapshots++
		return
	}
	r.Devices = append(r.Devices, DeviceInfo{
		ID:                  id,
		AggregatorID:        snap.AggregatorID(),
		FirstSeenAt:         now,
		LastSeenAt:          now,
		LastClientTimestamp: snap.ClientTimestamp(),
		Snapshots:           1,
	})
}

// Find returns the record for a device id.
func (r *Registry) Find(id string) (DeviceInfo, bool) {
	for _, d := range r.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceInfo{}, false
}
