// Package dedup tracks delivery keys that have already been processed so a
// webhook delivered more than once raises at most one downstream effect.
// The set is bounded, insertion-ordered, and persisted through a statestore
// backend; the in-memory outcome is authoritative when persistence fails.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/assistantworks/vigil/internal/statestore"
)

const DefaultCapacity = 1000

type Store struct {
	mu       sync.Mutex
	capacity int
	keys     []string
	index    map[string]struct{}
	backend  statestore.Backend
	logger   *slog.Logger
}

// NewStore loads any previously persisted keys from the backend. A nil
// backend keeps the set in memory only.
func NewStore(backend statestore.Backend, capacity int, logger *slog.Logger) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		capacity: capacity,
		index:    map[string]struct{}{},
		backend:  backend,
		logger:   logger,
	}
	s.load()
	return s
}

// IsDuplicate is an atomic mark-and-test: the first call for a key inserts
// it and returns false, every later call returns true. Insertion evicts the
// oldest key once the set exceeds its capacity, then persists the full list.
func (s *Store) IsDuplicate(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.index[key]; seen {
		return true
	}
	s.keys = append(s.keys, key)
	s.index[key] = struct{}{}
	for len(s.keys) > s.capacity {
		oldest := s.keys[0]
		s.keys = s.keys[1:]
		delete(s.index, oldest)
	}
	s.persistLocked()
	return false
}

// Forget removes a key so a later redelivery is treated as new again. Used
// when the marked delivery could not be handed off after all.
func (s *Store) Forget(key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.index[key]; !seen {
		return
	}
	delete(s.index, key)
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
	s.persistLocked()
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Keys returns the tracked keys oldest-first.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

func (s *Store) load() {
	if s.backend == nil {
		return
	}
	data, err := s.backend.Load()
	if err != nil {
		s.logger.Warn("failed to load dedup state", "error", err)
		return
	}
	if data == nil {
		return
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		s.logger.Warn("dedup state unreadable, starting fresh", "error", err)
		return
	}
	if len(keys) > s.capacity {
		keys = keys[len(keys)-s.capacity:]
	}
	s.keys = keys
	for _, k := range keys {
		s.index[k] = struct{}{}
	}
}

func (s *Store) persistLocked() {
	if s.backend == nil {
		return
	}
	data, err := json.Marshal(s.keys)
	if err != nil {
		s.logger.Warn("failed to encode dedup state", "error", err)
		return
	}
	if err := s.backend.Save(data); err != nil {
		s.logger.Warn("failed to persist dedup state", "error", err)
	}
}

// DeriveKey computes the delivery key for a webhook payload. Priority order:
// a durable business key plus change timestamp when both are present, then
// the delivery message id, then a content hash of the normalized payload.
func DeriveKey(source, businessKey, changedAt, messageID string, payload map[string]any) string {
	source = strings.TrimSpace(source)
	businessKey = strings.TrimSpace(businessKey)
	changedAt = strings.TrimSpace(changedAt)
	if businessKey != "" && changedAt != "" {
		return fmt.Sprintf("%s:%s:%s", source, businessKey, changedAt)
	}
	if messageID = strings.TrimSpace(messageID); messageID != "" {
		return messageID
	}
	return contentHash(source, payload)
}

func contentHash(source string, payload map[string]any) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{':'})
	h.Write(canonicalJSON(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON renders the payload with deterministically ordered keys so
// the same content always hashes to the same key.
func canonicalJSON(payload map[string]any) []byte {
	if len(payload) == 0 {
		return []byte("{}")
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		nameBytes, _ := json.Marshal(k)
		b.Write(nameBytes)
		b.WriteByte(':')
		valueBytes, err := json.Marshal(payload[k])
		if err != nil {
			valueBytes = []byte(fmt.Sprintf("%q", fmt.Sprint(payload[k])))
		}
		b.Write(valueBytes)
	}
	b.WriteByte('}')
	return []byte(b.String())
}
