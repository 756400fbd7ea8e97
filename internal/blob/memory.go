package blob

import (
	"context"
	"fmt"
	"sync"

	"manga-server/internal/models"
)

// MemoryStore is the in-memory Store used by tests and property checks.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) PutText(_ context.Context, key, content, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = []byte(content)
	return nil
}

func (s *MemoryStore) PutBinary(_ context.Context, key string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[key] = cp
	return nil
}

func (s *MemoryStore) GetText(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return "", fmt.Errorf("%w: blob %s", models.ErrNotFound, key)
	}
	return string(data), nil
}

// GetBinary returns raw object bytes; it exists for test assertions.
func (s *MemoryStore) GetBinary(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	return data, ok
}

// Len reports the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

var _ Store = (*MemoryStore)(nil)
