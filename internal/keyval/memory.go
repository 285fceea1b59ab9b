package keyval

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in-process. It is safe for concurrent use and
// primarily intended for development or single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
	now     func() time.Time
}

type memoryRecord struct {
	value     string
	expiresAt time.Time
}

// NewMemoryStore constructs an in-memory store implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryRecord), now: time.Now}
}

func (s *MemoryStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	s.records[key] = memoryRecord{value: value, expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	record, ok := s.records[key]
	s.mu.RUnlock()
	if !ok || s.now().After(record.expiresAt) {
		return "", false, nil
	}
	return record.value, true, nil
}

// Take holds the write lock across the lookup and the delete so concurrent
// takers serialise: exactly one sees the value.
func (s *MemoryStore) Take(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	if !ok {
		return "", false, nil
	}
	delete(s.records, key)
	if s.now().After(record.expiresAt) {
		return "", false, nil
	}
	return record.value, true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	record, ok := s.records[key]
	s.mu.RUnlock()
	if !ok || s.now().After(record.expiresAt) {
		return false, nil
	}
	return true, nil
}

// PurgeExpired removes records whose expiry has passed. Get and Exists only
// mask expired records without deleting them, so this sweep is what actually
// reclaims their memory.
func (s *MemoryStore) PurgeExpired(now time.Time) error {
	s.mu.Lock()
	for key, record := range s.records {
		if now.After(record.expiresAt) {
			delete(s.records, key)
		}
	}
	s.mu.Unlock()
	return nil
}

// Ping always reports success for the in-memory store.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
