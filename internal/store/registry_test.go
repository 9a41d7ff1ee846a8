package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"metricsq/internal/model"
)

func TestLoadRegistry_MissingFile_ReturnsEmpty(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "registry.yaml")
	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if reg == nil {
		t.Fatalf("registry is nil")
	}
	if len(reg.Devices) != 0 {
		t.Fatalf("devices=%d", len(reg.Devices))
	}
}

func TestSaveRegistry_RoundTrip(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "registry.yaml")

	snap, err := model.NewSnapshot(model.SnapshotInput{
		DeviceID:        "5edcfadf3d364147bb4a7e3c2eaaa7e4",
		AggregatorID:    "0b0c8f3e-7a0e-4d6c-9d3b-2b8a0f6b9e11",
		ClientTimestamp: "2024-03-01T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}

	in := &Registry{}
	in.Observe(snap, time.Unix(10, 0).UTC())
	in.Observe(snap, time.Unix(20, 0).UTC())
	if err := SaveRegistry(path, in); err != nil {
		t.Fatalf("SaveRegistry: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}

	out, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if len(out.Devices) != 1 {
		t.Fatalf("devices=%d", len(out.Devices))
	}
	d, ok := out.Find("5edcfadf-3d36-4147-bb4a-7e3c2eaaa7e4")
	if !ok {
		t.Fatalf("device not found: %+v", out.Devices)
	}
	if d.Snapshots != 2 || !d.FirstSeenAt.Equal(time.Unix(10, 0)) || !d.LastSeenAt.Equal(time.Unix(20, 0)) {
		t.Fatalf("device=%+v", d)
	}
	if out.UpdatedAt.IsZero() {
		t.Fatalf("updated_at not set")
	}
}
