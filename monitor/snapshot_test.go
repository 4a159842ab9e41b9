package monitor

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	server := ServerIdentity{Host: "203.0.113.5", Port: 7777}

	snapshot := NewMetadataSnapshot(path, time.Hour)
	snapshot.Update(server, &ServerMetadata{
		Hostname:  "Persisted Server",
		Gamemode:  "roleplay",
		IsOpenMP:  true,
		UpdatedAt: time.Now(),
	})
	snapshot.Stop()

	reloaded := NewMetadataSnapshot(path, time.Hour)
	defer reloaded.Stop()
	metadata, found := reloaded.Lookup(server)
	if !found {
		t.Fatal("metadata not found after reload")
	}
	if metadata.Hostname != "Persisted Server" || !metadata.IsOpenMP {
		t.Errorf("metadata = %+v", metadata)
	}
	if _, found := reloaded.Lookup(ServerIdentity{Host: "other", Port: 7777}); found {
		t.Error("unknown server reported as found")
	}
}

func TestSnapshotNilReceivers(t *testing.T) {
	var snapshot *MetadataSnapshot
	snapshot.Update(ServerIdentity{Host: "a", Port: 1}, &ServerMetadata{})
	if _, found := snapshot.Lookup(ServerIdentity{Host: "a", Port: 1}); found {
		t.Error("nil snapshot returned a value")
	}
	snapshot.Stop()
}

func TestSnapshotDisabledWithoutPath(t *testing.T) {
	if snapshot := NewMetadataSnapshot("", time.Hour); snapshot != nil {
		t.Error("empty path should disable persistence")
	}
}
