// Package resolver answers intercepted requests cache-first.
//
// For an in-scope GET the resolver looks the request up in the current
// generation and returns the stored snapshot without touching the network.
// On a miss it fetches from the network, returns the live response and
// writes a snapshot back in the background. When the network fails it
// serves the offline fallback entry, or a synthetic network-error response.
//
// Requests with another method or outside the scope are declined and left
// to default network handling.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/Sternrassler/offline-cache/pkg/client"
	"github.com/Sternrassler/offline-cache/pkg/logging"
	"github.com/Sternrassler/offline-cache/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Resolution outcomes.
const (
	OutcomeHit          = "hit"
	OutcomeMiss         = "miss"
	OutcomeFallback     = "fallback"
	OutcomeNetworkError = "network_error"
	OutcomeDeclined     = "declined"
)

var resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "offline_resolutions_total",
	Help: "Total intercepted requests by resolution outcome",
}, []string{"outcome"})

// Config holds the resolver configuration.
type Config struct {
	// Generation is the current generation identifier
	Generation string

	// Scope filters intercepted requests
	Scope Scope

	// Fallback is served when the network fails and nothing matches.
	// A zero key disables the fallback.
	Fallback cache.RequestKey
}

// Resolver resolves intercepted requests against the store and the network.
type Resolver struct {
	storage store.Storage
	fetcher client.Fetcher
	config  Config
	logger  zerolog.Logger

	// pending tracks background write-backs
	pending sync.WaitGroup
}

// New creates a resolver.
func New(storage store.Storage, fetcher client.Fetcher, cfg Config) (*Resolver, error) {
	if storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Generation == "" {
		return nil, fmt.Errorf("generation is required")
	}
	if cfg.Scope.Origin == nil {
		return nil, fmt.Errorf("scope origin is required")
	}

	return &Resolver{
		storage: storage,
		fetcher: fetcher,
		config:  cfg,
		logger:  logging.Component("resolver").With().Str("generation", cfg.Generation).Logger(),
	}, nil
}

// Resolve answers req. It returns false when the request is declined, in
// which case the caller must apply default network handling. A handled
// request always yields a response; failures never surface as errors.
func (r *Resolver) Resolve(ctx context.Context, req *http.Request) (*http.Response, bool) {
	if !r.InScope(req) {
		resolutionsTotal.WithLabelValues(OutcomeDeclined).Inc()
		return nil, false
	}

	key, err := cache.KeyForRequest(req)
	if err != nil {
		resolutionsTotal.WithLabelValues(OutcomeDeclined).Inc()
		return nil, false
	}

	gen, _ := r.open(ctx)
	if entry := r.lookup(ctx, gen, key); entry != nil {
		resolutionsTotal.WithLabelValues(OutcomeHit).Inc()
		r.logger.Debug().Str("key", key.String()).Msg("Cache hit")
		resp := cache.EntryToResponse(entry, req)
		resp.Header.Set(cache.StatusHeader, cache.StatusHit)
		return resp, true
	}

	resp, err := r.fetcher.Fetch(ctx, req)
	if err == nil && cache.IsCacheable(resp) {
		var entry *cache.CacheEntry
		entry, err = cache.ResponseToEntry(key, resp)
		if err == nil {
			r.writeBack(ctx, gen, key, entry)
		}
	}
	if err != nil {
		return r.fallback(ctx, gen, req, err), true
	}

	resolutionsTotal.WithLabelValues(OutcomeMiss).Inc()
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	resp.Header.Set(cache.StatusHeader, cache.StatusMiss)
	return resp, true
}

// InScope reports whether req would be handled rather than declined.
func (r *Resolver) InScope(req *http.Request) bool {
	if req == nil || req.Method != http.MethodGet {
		return false
	}
	return r.config.Scope.Contains(req.URL)
}

// Wait blocks until all background write-backs have finished.
func (r *Resolver) Wait() {
	r.pending.Wait()
}

// open returns the current generation without creating it. On error the
// returned generation is nil and lookups count as misses.
func (r *Resolver) open(ctx context.Context) (store.Generation, error) {
	gen, err := r.storage.Lookup(ctx, r.config.Generation)
	switch {
	case err == nil:
		return gen, nil
	case errors.Is(err, store.ErrGenerationNotFound):
		r.logger.Debug().Msg("Generation does not exist, treating as miss")
	default:
		cache.CacheLookups.WithLabelValues("error").Inc()
		r.logger.Warn().Err(err).Msg("Failed to open generation, treating as miss")
	}
	return nil, err
}

// lookup returns the matching entry or nil. Store errors count as misses.
func (r *Resolver) lookup(ctx context.Context, gen store.Generation, key cache.RequestKey) *cache.CacheEntry {
	if gen == nil {
		return nil
	}

	entry, err := gen.Match(ctx, key, store.MatchOptions{IgnoreQuery: r.config.Scope.IgnoreQuery})
	switch {
	case err == nil:
		cache.CacheLookups.WithLabelValues("hit").Inc()
		return entry
	case errors.Is(err, store.ErrNotFound):
		cache.CacheLookups.WithLabelValues("miss").Inc()
	default:
		cache.CacheLookups.WithLabelValues("error").Inc()
		r.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache lookup failed, treating as miss")
	}
	return nil
}

// writeBack stores entry without blocking the caller. It runs detached
// from the request context so an abandoned request still gets cached.
func (r *Resolver) writeBack(ctx context.Context, gen store.Generation, key cache.RequestKey, entry *cache.CacheEntry) {
	ctx = context.WithoutCancel(ctx)

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()

		target := gen
		if target == nil {
			var err error
			if target, err = r.open(ctx); err != nil {
				cache.RecordWrite(cache.SourceRuntime, entry, err)
				return
			}
		}

		err := target.Put(ctx, key, entry)
		cache.RecordWrite(cache.SourceRuntime, entry, err)
		if errors.Is(err, store.ErrGenerationNotFound) {
			r.logger.Debug().Str("key", key.String()).Msg("Generation reclaimed, dropping write-back")
			return
		}
		if err != nil {
			r.logger.Warn().Err(err).Str("key", key.String()).Msg("Write-back failed")
			return
		}
		r.logger.Debug().Str("key", key.String()).Int("bytes", entry.Size()).Msg("Cached response")
	}()
}

// fallback answers a request whose network fetch failed.
func (r *Resolver) fallback(ctx context.Context, gen store.Generation, req *http.Request, fetchErr error) *http.Response {
	logger := r.logger.With().Err(fetchErr).Str("url", req.URL.String()).Logger()

	if !r.config.Fallback.IsZero() {
		if gen == nil {
			gen, _ = r.open(ctx)
		}
		if gen != nil {
			entry, err := gen.Match(ctx, r.config.Fallback, store.MatchOptions{})
			if err == nil {
				resolutionsTotal.WithLabelValues(OutcomeFallback).Inc()
				logger.Info().Str("fallback", r.config.Fallback.String()).Msg("Network failed, serving offline fallback")
				resp := cache.EntryToResponse(entry, req)
				resp.Header.Set(cache.StatusHeader, cache.StatusFallback)
				return resp
			}
			if !errors.Is(err, store.ErrNotFound) {
				logger.Warn().AnErr("store_error", err).Msg("Fallback lookup failed")
			}
		}
	}

	resolutionsTotal.WithLabelValues(OutcomeNetworkError).Inc()
	logger.Info().Msg("Network failed and no fallback stored")
	return cache.NetworkErrorResponse(req)
}
