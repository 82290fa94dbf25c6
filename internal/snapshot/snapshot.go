// Package snapshot persists the last-observed field state of tracked
// resources and computes field-level diffs against fresh observations.
package snapshot

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/assistantworks/vigil/internal/event"
	"github.com/assistantworks/vigil/internal/statestore"
)

const (
	DefaultCapacity = 1000

	// AbsentValue is the sentinel stored for fields the upstream resource
	// does not carry, so an added or cleared field still diffs cleanly.
	AbsentValue = "None"

	// DefaultWatermark is the initial sub-resource cursor.
	DefaultWatermark = "0"
)

// Snapshot is the last-known state of one tracked resource instance.
type Snapshot struct {
	Fields    map[string]string `json:"fields"`
	Watermark string            `json:"watermark"`
}

// Clone returns a copy that shares no map state with the receiver.
func (s Snapshot) Clone() Snapshot {
	fields := make(map[string]string, len(s.Fields))
	for k, v := range s.Fields {
		fields[k] = v
	}
	return Snapshot{Fields: fields, Watermark: s.Watermark}
}

// NormalizeKey canonicalizes a resource key for storage and lookup.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// Store is a bounded, insertion-ordered map of resource key to Snapshot.
// Writes are serialized; the full map is persisted after every update.
type Store struct {
	mu        sync.Mutex
	capacity  int
	order     []string
	snapshots map[string]Snapshot
	backend   statestore.Backend
	logger    *slog.Logger
}

func NewStore(backend statestore.Backend, capacity int, logger *slog.Logger) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		capacity:  capacity,
		snapshots: map[string]Snapshot{},
		backend:   backend,
		logger:    logger,
	}
	s.load()
	return s
}

// IsEmpty reports whether no resource has been observed yet. The watcher
// uses this to decide soft start.
func (s *Store) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots) == 0
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

func (s *Store) Get(key string) (Snapshot, bool) {
	normalized := NormalizeKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[normalized]
	if !ok {
		return Snapshot{}, false
	}
	return snap.Clone(), true
}

// Put saves or updates the snapshot for a key, evicting the oldest entry
// when a new key would exceed capacity, then persists the full map.
func (s *Store) Put(key string, snap Snapshot) {
	normalized := NormalizeKey(key)
	if normalized == "" {
		return
	}
	if snap.Watermark == "" {
		snap.Watermark = DefaultWatermark
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.snapshots[normalized]; !exists {
		if len(s.snapshots) >= s.capacity && len(s.order) > 0 {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.snapshots, oldest)
		}
		s.order = append(s.order, normalized)
	}
	s.snapshots[normalized] = snap.Clone()
	s.persistLocked()
}

// Keys returns the tracked resource keys oldest-first.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

type persistedStore struct {
	Order     []string            `json:"order"`
	Snapshots map[string]Snapshot `json:"snapshots"`
}

func (s *Store) load() {
	if s.backend == nil {
		return
	}
	data, err := s.backend.Load()
	if err != nil {
		s.logger.Warn("failed to load snapshot state", "error", err)
		return
	}
	if data == nil {
		return
	}
	var state persistedStore
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn("snapshot state unreadable, starting fresh", "error", err)
		return
	}
	if state.Snapshots == nil {
		return
	}
	s.snapshots = state.Snapshots
	s.order = state.Order
	// Repair ordering if the persisted order drifted from the map.
	if len(s.order) != len(s.snapshots) {
		s.order = s.order[:0]
		for key := range s.snapshots {
			s.order = append(s.order, key)
		}
	}
}

func (s *Store) persistLocked() {
	if s.backend == nil {
		return
	}
	data, err := json.Marshal(persistedStore{Order: s.order, Snapshots: s.snapshots})
	if err != nil {
		s.logger.Warn("failed to encode snapshot state", "error", err)
		return
	}
	if err := s.backend.Save(data); err != nil {
		s.logger.Warn("failed to persist snapshot state", "error", err)
	}
}

// Diff compares two snapshots over a fixed tracked-field list and returns
// one FieldChange per field whose value differs. The comparison is pure:
// running it twice over the same states yields the same result.
func Diff(old, current Snapshot, tracked []string) []event.FieldChange {
	var changes []event.FieldChange
	for _, field := range tracked {
		oldValue, ok := old.Fields[field]
		if !ok {
			oldValue = AbsentValue
		}
		newValue, ok := current.Fields[field]
		if !ok {
			newValue = AbsentValue
		}
		if oldValue != newValue {
			changes = append(changes, event.FieldChange{Name: field, Old: oldValue, New: newValue})
		}
	}
	return changes
}
