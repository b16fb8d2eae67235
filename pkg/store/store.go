// Package store provides the persistent key-addressed response store used by
// the offline cache.
//
// A Storage holds any number of named generations. Each Generation maps
// request identities to immutable response snapshots. Generations are
// created on first Open and only ever removed whole, through Delete. Once
// deleted, a generation accepts no further writes, even through a handle
// obtained before the deletion.
//
// Three backends are available:
//
//   - MemoryStorage: in-process maps, used by tests and single-instance setups
//   - RedisStorage: hashes in Redis, shared between instances
//   - SQLiteStorage: a single SQLite file, survives restarts without Redis
//
// All backends are safe for concurrent use. A Put replaces an entry
// atomically; a Match never observes a partially written entry.
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrNotFound indicates no entry matched the request identity
	ErrNotFound = errors.New("entry not found")

	// ErrGenerationNotFound indicates the generation does not exist or was
	// deleted
	ErrGenerationNotFound = errors.New("generation not found")
)

// StoreErrors tracks backend failures by backend and operation.
var StoreErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "offline_store_errors_total",
		Help: "Total number of offline store operation errors",
	},
	[]string{"backend", "operation"}, // "memory"|"redis"|"sqlite", "open"|"match"|"put"|"keys"|"names"|"delete"
)

// MatchOptions control how Match compares request identities.
type MatchOptions struct {
	// IgnoreQuery matches entries whose URL differs only in the query string.
	// An exact match is always preferred; otherwise the earliest stored
	// entry with the same normalized identity wins.
	IgnoreQuery bool
}

// Storage is a set of named generations.
type Storage interface {
	// Open returns the named generation, creating it if needed.
	Open(ctx context.Context, name string) (Generation, error)

	// Lookup returns an existing generation without creating it, or
	// ErrGenerationNotFound.
	Lookup(ctx context.Context, name string) (Generation, error)

	// Names lists every generation, sorted.
	Names(ctx context.Context) ([]string, error)

	// Delete removes a generation and all its entries.
	// It reports whether the generation existed.
	Delete(ctx context.Context, name string) (bool, error)
}

// Generation is one named collection of cache entries.
type Generation interface {
	// Name returns the generation identifier.
	Name() string

	// Match returns the entry stored for key, or ErrNotFound.
	// The returned entry is a copy owned by the caller.
	Match(ctx context.Context, key cache.RequestKey, opts MatchOptions) (*cache.CacheEntry, error)

	// Put stores entry under key, replacing any previous entry. It fails
	// with ErrGenerationNotFound once the generation has been deleted.
	Put(ctx context.Context, key cache.RequestKey, entry *cache.CacheEntry) error

	// Keys lists stored identities in insertion order.
	Keys(ctx context.Context) ([]cache.RequestKey, error)
}

// Contents returns every generation name with its stored keys.
func Contents(ctx context.Context, s Storage) (map[string][]cache.RequestKey, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]cache.RequestKey, len(names))
	for _, name := range names {
		gen, err := s.Lookup(ctx, name)
		if errors.Is(err, ErrGenerationNotFound) {
			// deleted since listing
			continue
		}
		if err != nil {
			return nil, err
		}
		keys, err := gen.Keys(ctx)
		if err != nil {
			return nil, err
		}
		out[name] = keys
	}
	return out, nil
}

func sortedNames(names []string) []string {
	sort.Strings(names)
	return names
}
