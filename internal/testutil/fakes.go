package testutil

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/Sternrassler/offline-cache/pkg/client"
	"github.com/Sternrassler/offline-cache/pkg/store"
)

// ErrOffline is returned by fetchers simulating a lost connection.
var ErrOffline = &client.FetchError{
	URL:        "offline",
	ErrorClass: client.ErrorClassNetwork,
	Err:        errors.New("simulated offline"),
}

// CountingFetcher wraps a fetcher and counts calls. When Offline is set,
// every fetch fails with ErrOffline without reaching Next.
type CountingFetcher struct {
	Next    client.Fetcher
	Offline atomic.Bool

	calls atomic.Int64
}

// Fetch implements client.Fetcher.
func (f *CountingFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	f.calls.Add(1)
	if f.Offline.Load() || f.Next == nil {
		return nil, ErrOffline
	}
	return f.Next.Fetch(ctx, req)
}

// Calls returns the number of Fetch calls.
func (f *CountingFetcher) Calls() int {
	return int(f.calls.Load())
}

// CountingStorage wraps a storage and counts every operation, including
// operations on the generations it hands out.
type CountingStorage struct {
	store.Storage

	mu  sync.Mutex
	ops map[string]int

	// FailOps makes the named operations ("open", "lookup", "match", "put",
	// "names", "delete") fail with ErrInjected.
	FailOps map[string]bool
	// FailDelete makes Delete fail for the named generations only.
	FailDelete map[string]bool
}

// ErrInjected is returned for operations listed in CountingStorage.FailOps.
var ErrInjected = errors.New("injected store failure")

// NewCountingStorage wraps s.
func NewCountingStorage(s store.Storage) *CountingStorage {
	return &CountingStorage{
		Storage:    s,
		ops:        make(map[string]int),
		FailOps:    make(map[string]bool),
		FailDelete: make(map[string]bool),
	}
}

func (s *CountingStorage) record(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op]++
	if s.FailOps[op] {
		return ErrInjected
	}
	return nil
}

// Ops returns the number of calls for op.
func (s *CountingStorage) Ops(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops[op]
}

// TotalOps returns the number of calls across all operations.
func (s *CountingStorage) TotalOps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.ops {
		total += n
	}
	return total
}

// Open implements store.Storage.
func (s *CountingStorage) Open(ctx context.Context, name string) (store.Generation, error) {
	if err := s.record("open"); err != nil {
		return nil, err
	}
	gen, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &countingGeneration{Generation: gen, parent: s}, nil
}

// Lookup implements store.Storage.
func (s *CountingStorage) Lookup(ctx context.Context, name string) (store.Generation, error) {
	if err := s.record("lookup"); err != nil {
		return nil, err
	}
	gen, err := s.Storage.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	return &countingGeneration{Generation: gen, parent: s}, nil
}

// Names implements store.Storage.
func (s *CountingStorage) Names(ctx context.Context) ([]string, error) {
	if err := s.record("names"); err != nil {
		return nil, err
	}
	return s.Storage.Names(ctx)
}

// Delete implements store.Storage.
func (s *CountingStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := s.record("delete"); err != nil {
		return false, err
	}
	s.mu.Lock()
	fail := s.FailDelete[name]
	s.mu.Unlock()
	if fail {
		return false, ErrInjected
	}
	return s.Storage.Delete(ctx, name)
}

type countingGeneration struct {
	store.Generation
	parent *CountingStorage
}

func (g *countingGeneration) Match(ctx context.Context, key cache.RequestKey, opts store.MatchOptions) (*cache.CacheEntry, error) {
	if err := g.parent.record("match"); err != nil {
		return nil, err
	}
	return g.Generation.Match(ctx, key, opts)
}

func (g *countingGeneration) Put(ctx context.Context, key cache.RequestKey, entry *cache.CacheEntry) error {
	if err := g.parent.record("put"); err != nil {
		return err
	}
	return g.Generation.Put(ctx, key, entry)
}
