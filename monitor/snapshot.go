package monitor

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/dchest/safefile"
	"github.com/jedisct1/dlog"
	clocksmith "github.com/jedisct1/go-clocksmith"
)

// MetadataSnapshot persists the last known per-server metadata to disk so a
// restarted process can show sensible summaries before the first poll cycle
// completes. Writes are atomic: a torn snapshot is worse than a missing one.
type MetadataSnapshot struct {
	sync.Mutex
	path     string
	interval time.Duration
	entries  map[string]*ServerMetadata
	dirty    bool
	quit     chan struct{}
	stopOnce sync.Once
}

func NewMetadataSnapshot(path string, interval time.Duration) *MetadataSnapshot {
	if len(path) == 0 {
		return nil
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	snapshot := &MetadataSnapshot{
		path:     path,
		interval: interval,
		entries:  make(map[string]*ServerMetadata),
		quit:     make(chan struct{}),
	}
	snapshot.load()
	go snapshot.flushLoop()
	return snapshot
}

func (snapshot *MetadataSnapshot) Stop() {
	if snapshot == nil {
		return
	}
	snapshot.stopOnce.Do(func() { close(snapshot.quit) })
	snapshot.flush()
}

// Update stores the latest metadata for a server; it is flushed on the next
// interval.
func (snapshot *MetadataSnapshot) Update(server ServerIdentity, metadata *ServerMetadata) {
	if snapshot == nil || metadata == nil {
		return
	}
	snapshot.Lock()
	snapshot.entries[server.Key()] = metadata
	snapshot.dirty = true
	snapshot.Unlock()
}

// Lookup returns the persisted metadata for a server, if any.
func (snapshot *MetadataSnapshot) Lookup(server ServerIdentity) (*ServerMetadata, bool) {
	if snapshot == nil {
		return nil, false
	}
	snapshot.Lock()
	defer snapshot.Unlock()
	metadata, found := snapshot.entries[server.Key()]
	return metadata, found
}

func (snapshot *MetadataSnapshot) load() {
	bin, err := os.ReadFile(snapshot.path)
	if err != nil {
		return
	}
	entries := make(map[string]*ServerMetadata)
	if err := json.Unmarshal(bin, &entries); err != nil {
		dlog.Warnf("Discarding unreadable metadata snapshot [%s]: %v", snapshot.path, err)
		return
	}
	snapshot.entries = entries
	dlog.Noticef("Loaded metadata snapshot for %d servers", len(entries))
}

func (snapshot *MetadataSnapshot) flush() {
	snapshot.Lock()
	if !snapshot.dirty {
		snapshot.Unlock()
		return
	}
	bin, err := json.MarshalIndent(snapshot.entries, "", "  ")
	snapshot.dirty = false
	snapshot.Unlock()
	if err != nil {
		return
	}
	if err := safefile.WriteFile(snapshot.path, bin, 0644); err != nil {
		dlog.Warnf("Unable to write metadata snapshot [%s]: %v", snapshot.path, err)
	}
}

func (snapshot *MetadataSnapshot) flushLoop() {
	for {
		select {
		case <-snapshot.quit:
			return
		default:
		}
		clocksmith.Sleep(snapshot.interval)
		snapshot.flush()
	}
}
