package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ourtextscores/scorecore/internal/models"
)

// MemoryStore keeps blobs in memory. It counts writes so callers can
// assert idempotence, and can be told to fail.
type MemoryStore struct {
	bucket string

	mu      sync.RWMutex
	objects map[string][]byte
	failing error

	writes atomic.Int64
}

// NewMemoryStore creates an empty in-memory bucket.
func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{bucket: bucket, objects: make(map[string][]byte)}
}

// Put stores a copy of data.
func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) (*models.StorageLocator, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing != nil {
		return nil, storageErr("put %s failed", s.failing, key)
	}
	s.writes.Add(1)
	s.objects[s.bucket+"/"+key] = append([]byte(nil), data...)
	return locator(s.bucket, key, data, contentType, time.Now()), nil
}

// Get returns a copy of a stored blob.
func (s *MemoryStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if bucket == "" {
		bucket = s.bucket
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failing != nil {
		return nil, storageErr("get %s failed", s.failing, key)
	}
	data, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, notFound(bucket, key)
	}
	return append([]byte(nil), data...), nil
}

// Writes returns the number of successful Put calls.
func (s *MemoryStore) Writes() int64 {
	return s.writes.Load()
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// FailWith makes every subsequent call fail with err; nil restores service.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = err
}
