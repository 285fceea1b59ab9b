package accesskey

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps access keys in-memory. It is safe for concurrent use and
// primarily intended for development or single-instance deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]Record
}

// NewMemoryStore constructs an in-memory store implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]Record)}
}

// Save records the access key.
func (s *MemoryStore) Save(record Record) error {
	s.mu.Lock()
	s.keys[record.Key] = record
	s.mu.Unlock()
	return nil
}

// Get retrieves the record for the provided key.
func (s *MemoryStore) Get(key string) (Record, bool, error) {
	s.mu.RLock()
	record, ok := s.keys[key]
	s.mu.RUnlock()
	return record, ok, nil
}

// Delete removes the key from the store.
func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.keys, key)
	s.mu.Unlock()
	return nil
}

// PurgeExpired removes any expired keys from the store.
func (s *MemoryStore) PurgeExpired(now time.Time) error {
	s.mu.Lock()
	for key, record := range s.keys {
		if !now.Before(record.ExpiresAt) {
			delete(s.keys, key)
		}
	}
	s.mu.Unlock()
	return nil
}

// Ping always reports success for the in-memory store.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
