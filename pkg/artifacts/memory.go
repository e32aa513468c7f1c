package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps objects in process memory. URLs use the mem:// scheme.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	puts    int
	deletes int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = bytes.Clone(data)
	s.puts++
	return "mem://store/" + key, nil
}

func (s *MemoryStore) Get(ctx context.Context, raw string) ([]byte, error) {
	_, key, err := splitURL(raw, "mem")
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, raw)
	}
	return bytes.Clone(b), nil
}

func (s *MemoryStore) Exists(ctx context.Context, raw string) (bool, error) {
	_, key, err := splitURL(raw, "mem")
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *MemoryStore) Delete(ctx context.Context, raw string) error {
	_, key, err := splitURL(raw, "mem")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.deletes++
	return nil
}

// Keys lists stored keys.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}

// Puts returns the number of Put calls that succeeded.
func (s *MemoryStore) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}
