package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces all keys written by RedisStorage.
const DefaultRedisPrefix = "offline"

// maxWatchAttempts bounds optimistic retries when the names set changes
// during a Put.
const maxWatchAttempts = 5

// RedisStorage stores generations in Redis.
//
// Layout per generation <name>:
//
//	<prefix>:generations          SET   generation names
//	<prefix>:gen:<name>:entries   HASH  request key -> JSON entry
//	<prefix>:gen:<name>:index     HASH  normalized key -> first full key
//	<prefix>:gen:<name>:order     ZSET  request key scored by first insertion
type RedisStorage struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStorage creates a storage backed by redisClient.
func NewRedisStorage(redisClient *redis.Client, prefix string) *RedisStorage {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStorage{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *RedisStorage) namesKey() string {
	return s.prefix + ":generations"
}

func (s *RedisStorage) genKey(name, part string) string {
	return fmt.Sprintf("%s:gen:%s:%s", s.prefix, name, part)
}

// Open implements Storage.
func (s *RedisStorage) Open(ctx context.Context, name string) (Generation, error) {
	if name == "" {
		StoreErrors.WithLabelValues("redis", "open").Inc()
		return nil, fmt.Errorf("generation name cannot be empty")
	}
	if err := s.redis.SAdd(ctx, s.namesKey(), name).Err(); err != nil {
		StoreErrors.WithLabelValues("redis", "open").Inc()
		return nil, fmt.Errorf("redis sadd: %w", err)
	}
	return &redisGeneration{storage: s, name: name}, nil
}

// Lookup implements Storage.
func (s *RedisStorage) Lookup(ctx context.Context, name string) (Generation, error) {
	ok, err := s.redis.SIsMember(ctx, s.namesKey(), name).Result()
	if err != nil {
		StoreErrors.WithLabelValues("redis", "lookup").Inc()
		return nil, fmt.Errorf("redis sismember: %w", err)
	}
	if !ok {
		return nil, ErrGenerationNotFound
	}
	return &redisGeneration{storage: s, name: name}, nil
}

// Names implements Storage.
func (s *RedisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := s.redis.SMembers(ctx, s.namesKey()).Result()
	if err != nil {
		StoreErrors.WithLabelValues("redis", "names").Inc()
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return sortedNames(names), nil
}

// Delete implements Storage.
func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.genKey(name, "entries"), s.genKey(name, "index"), s.genKey(name, "order"))
		removed = pipe.SRem(ctx, s.namesKey(), name)
		return nil
	})
	if err != nil {
		StoreErrors.WithLabelValues("redis", "delete").Inc()
		return false, fmt.Errorf("redis delete generation: %w", err)
	}
	return removed.Val() > 0, nil
}

type redisGeneration struct {
	storage *RedisStorage
	name    string
}

func (g *redisGeneration) Name() string { return g.name }

func (g *redisGeneration) Match(ctx context.Context, key cache.RequestKey, opts MatchOptions) (*cache.CacheEntry, error) {
	rdb := g.storage.redis
	entriesKey := g.storage.genKey(g.name, "entries")

	data, err := rdb.HGet(ctx, entriesKey, key.String()).Bytes()
	if errors.Is(err, redis.Nil) && opts.IgnoreQuery {
		var full string
		full, err = rdb.HGet(ctx, g.storage.genKey(g.name, "index"), key.Normalized().String()).Result()
		if err == nil {
			data, err = rdb.HGet(ctx, entriesKey, full).Bytes()
		}
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		StoreErrors.WithLabelValues("redis", "match").Inc()
		return nil, fmt.Errorf("redis hget: %w", err)
	}

	entry, err := cache.UnmarshalEntry(data)
	if err != nil {
		StoreErrors.WithLabelValues("redis", "match").Inc()
		return nil, err
	}
	return entry, nil
}

func (g *redisGeneration) Put(ctx context.Context, key cache.RequestKey, entry *cache.CacheEntry) error {
	data, err := cache.MarshalEntry(entry)
	if err != nil {
		StoreErrors.WithLabelValues("redis", "put").Inc()
		return err
	}

	id := key.String()
	namesKey := g.storage.namesKey()

	// A concurrent Delete changes the watched names set and aborts the write.
	put := func(tx *redis.Tx) error {
		ok, err := tx.SIsMember(ctx, namesKey, g.name).Result()
		if err != nil {
			return err
		}
		if !ok {
			return ErrGenerationNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, g.storage.genKey(g.name, "entries"), id, data)
			pipe.HSetNX(ctx, g.storage.genKey(g.name, "index"), key.Normalized().String(), id)
			pipe.ZAddNX(ctx, g.storage.genKey(g.name, "order"), redis.Z{
				Score:  float64(time.Now().UnixMicro()),
				Member: id,
			})
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxWatchAttempts; attempt++ {
		err = g.storage.redis.Watch(ctx, put, namesKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, ErrGenerationNotFound) {
		return err
	}
	if err != nil {
		StoreErrors.WithLabelValues("redis", "put").Inc()
		return fmt.Errorf("redis put entry: %w", err)
	}
	return nil
}

func (g *redisGeneration) Keys(ctx context.Context) ([]cache.RequestKey, error) {
	ids, err := g.storage.redis.ZRange(ctx, g.storage.genKey(g.name, "order"), 0, -1).Result()
	if err != nil {
		StoreErrors.WithLabelValues("redis", "keys").Inc()
		return nil, fmt.Errorf("redis zrange: %w", err)
	}

	keys := make([]cache.RequestKey, 0, len(ids))
	for _, id := range ids {
		key, err := cache.ParseRequestKey(id)
		if err != nil {
			StoreErrors.WithLabelValues("redis", "keys").Inc()
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}
