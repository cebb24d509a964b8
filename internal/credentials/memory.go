package credentials

import (
	"context"
	"sync"
)

// MemoryStore keeps credentials in process memory. It is used by tests and
// by the "memory" backend for throwaway sessions.
type MemoryStore struct {
	values sync.Map // string -> string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v, ok := s.values.Load(key)
	if !ok {
		return "", ErrNotFound
	}
	return v.(string), nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.values.Store(key, value)
	return nil
}

// Delete implements Store. Deleting a missing key is not an error.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.values.Delete(key)
	return nil
}
