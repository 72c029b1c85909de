// Package props is the key-value property store behind SystemState, the
// pending batch queue, resource identifiers and armed continuations.
package props

import (
	"sort"
	"strings"
	"sync"
)

// Well-known keys.
const (
	KeySystemState       = "systemState"
	KeyPendingBatchQueue = "pendingBatchQueue"
	KeyQueueGeneration   = "pendingBatchGeneration"
	KeyStableSnapshotID  = "stableSnapshotId"
	KeyStagingSnapshotID = "stagingSnapshotId"
	KeyCalendarID        = "calendarId"
	KeyAutoSync          = "isAutoSyncActive"
	KeyLastSyncAt        = "lastSyncAt"

	// TriggerPrefix namespaces persisted continuation due times.
	TriggerPrefix = "trigger."
)

// Store is the injected key-value interface every component persists through.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	SetMany(values map[string]string) error
	Delete(keys ...string) error
	Keys(prefix string) ([]string, error)
}

// MemoryStore keeps properties in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(key, value string) error {
	return m.SetMany(map[string]string{key: value})
}

func (m *MemoryStore) SetMany(values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.values[k] = v
	}
	return nil
}

func (m *MemoryStore) Delete(keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func (m *MemoryStore) Keys(prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return matchingKeys(m.values, prefix), nil
}

func matchingKeys(values map[string]string, prefix string) []string {
	keys := make([]string, 0)
	for k := range values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// GetBool reads a boolean property; missing keys read as false.
func GetBool(s Store, key string) (bool, error) {
	v, ok, err := s.Get(key)
	if err != nil || !ok {
		return false, err
	}
	return v == "true", nil
}

// SetBool writes a boolean property as "true"/"false".
func SetBool(s Store, key string, value bool) error {
	if value {
		return s.Set(key, "true")
	}
	return s.Set(key, "false")
}
