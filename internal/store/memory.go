package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	version   int64
	updatedAt time.Time
}

// MemoryStore is an in-process Store backed by a map. Values are copied on
// the way in and out so callers never share buffers with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*memEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*memEntry)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key]
	if !ok {
		return nil, storeNotFound(key)
	}
	return copyBytes(e.value), nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write(key, value)
	return nil
}

func (s *MemoryStore) Create(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; ok {
		return storeConflict(key)
	}
	s.write(key, value)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok {
		return storeNotFound(key)
	}
	next, err := fn(copyBytes(e.value))
	if err != nil {
		return passThrough("update", key, err)
	}
	s.write(key, next)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for k, e := range s.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		out = append(out, Entry{Key: k, Value: copyBytes(e.value), Version: e.version, UpdatedAt: e.updatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return storeNotFound(key)
	}
	delete(s.data, key)
	return nil
}

// Migrate is a no-op for the in-memory store.
func (s *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// write must be called with mu held.
func (s *MemoryStore) write(key string, value []byte) {
	var version int64 = 1
	if prev, ok := s.data[key]; ok {
		version = prev.version + 1
	}
	s.data[key] = &memEntry{value: copyBytes(value), version: version, updatedAt: time.Now().UTC()}
}
