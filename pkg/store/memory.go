package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/Sternrassler/offline-cache/pkg/cache"
)

// MemoryStorage keeps generations in process memory.
type MemoryStorage struct {
	mu   sync.RWMutex
	gens map[string]*memoryGeneration
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		gens: make(map[string]*memoryGeneration),
	}
}

// Open implements Storage.
func (s *MemoryStorage) Open(_ context.Context, name string) (Generation, error) {
	if name == "" {
		StoreErrors.WithLabelValues("memory", "open").Inc()
		return nil, fmt.Errorf("generation name cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	gen, ok := s.gens[name]
	if !ok {
		gen = &memoryGeneration{
			name:    name,
			entries: make(map[string]*cache.CacheEntry),
		}
		s.gens[name] = gen
	}
	return gen, nil
}

// Lookup implements Storage.
func (s *MemoryStorage) Lookup(_ context.Context, name string) (Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gen, ok := s.gens[name]
	if !ok {
		return nil, ErrGenerationNotFound
	}
	return gen, nil
}

// Names implements Storage.
func (s *MemoryStorage) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.gens))
	for name := range s.gens {
		names = append(names, name)
	}
	return sortedNames(names), nil
}

// Delete implements Storage.
func (s *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen, ok := s.gens[name]
	if !ok {
		return false, nil
	}
	delete(s.gens, name)

	gen.mu.Lock()
	gen.deleted = true
	gen.entries = make(map[string]*cache.CacheEntry)
	gen.order = nil
	gen.mu.Unlock()
	return true, nil
}

type memoryGeneration struct {
	name string

	mu      sync.RWMutex
	entries map[string]*cache.CacheEntry
	order   []cache.RequestKey
	deleted bool
}

func (g *memoryGeneration) Name() string { return g.name }

func (g *memoryGeneration) Match(_ context.Context, key cache.RequestKey, opts MatchOptions) (*cache.CacheEntry, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if entry, ok := g.entries[key.String()]; ok {
		return entry.Clone(), nil
	}
	if !opts.IgnoreQuery {
		return nil, ErrNotFound
	}

	want := key.Normalized()
	for _, k := range g.order {
		if k.Normalized() == want {
			return g.entries[k.String()].Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (g *memoryGeneration) Put(_ context.Context, key cache.RequestKey, entry *cache.CacheEntry) error {
	if entry == nil {
		StoreErrors.WithLabelValues("memory", "put").Inc()
		return fmt.Errorf("cache entry cannot be nil")
	}

	stored := entry.Clone()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.deleted {
		return ErrGenerationNotFound
	}

	id := key.String()
	if _, ok := g.entries[id]; !ok {
		g.order = append(g.order, key)
	}
	g.entries[id] = stored
	return nil
}

func (g *memoryGeneration) Keys(_ context.Context) ([]cache.RequestKey, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	keys := make([]cache.RequestKey, len(g.order))
	copy(keys, g.order)
	return keys, nil
}
