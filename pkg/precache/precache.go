// Package precache populates a store generation from a fixed manifest of
// essential resources at install time.
//
// Every manifest locator is fetched independently. A locator that cannot
// be fetched, answers with a non-2xx status, or cannot be written is logged
// and skipped; population of the remaining locators always continues.
package precache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/Sternrassler/offline-cache/pkg/client"
	"github.com/Sternrassler/offline-cache/pkg/logging"
	"github.com/Sternrassler/offline-cache/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the number of manifest fetches in flight at once.
const DefaultConcurrency = 4

var (
	precacheItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_precache_items_total",
		Help: "Total manifest locators processed by outcome",
	}, []string{"outcome"}) // "stored", "failed"

	precacheDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "offline_precache_duration_seconds",
		Help:    "Duration of a whole manifest population",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
)

// Config holds the controller configuration.
type Config struct {
	// Base is the URL manifest locators are resolved against
	// (origin plus deployment base path, with a trailing slash).
	Base *url.URL

	// Concurrency bounds parallel fetches (default DefaultConcurrency)
	Concurrency int
}

// Failure describes one locator that could not be stored.
type Failure struct {
	Locator string
	Err     error
}

// Report summarizes one Populate run.
type Report struct {
	Generation string
	Stored     []string
	Failed     []Failure
}

// Controller populates generations from a manifest.
type Controller struct {
	storage     store.Storage
	fetcher     client.Fetcher
	base        *url.URL
	concurrency int
	logger      zerolog.Logger
}

// NewController creates a precache controller.
func NewController(storage store.Storage, fetcher client.Fetcher, cfg Config) (*Controller, error) {
	if storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Base == nil || !cfg.Base.IsAbs() {
		return nil, fmt.Errorf("base URL must be absolute")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	return &Controller{
		storage:     storage,
		fetcher:     fetcher,
		base:        cfg.Base,
		concurrency: cfg.Concurrency,
		logger:      logging.Component("precache"),
	}, nil
}

// ResolveLocator turns a manifest locator into the canonical GET key.
// Relative locators ("./index.html") resolve against base; root-relative
// ones ("/assets/bg.png") against its origin.
func ResolveLocator(base *url.URL, locator string) (cache.RequestKey, error) {
	ref, err := url.Parse(locator)
	if err != nil {
		return cache.RequestKey{}, fmt.Errorf("parse locator %q: %w", locator, err)
	}
	return cache.NewRequestKey(http.MethodGet, base.ResolveReference(ref).String())
}

// Populate opens (or creates) generationID and stores every reachable
// manifest locator in it. Only a failure to open the generation is
// returned; item failures are reported in Report.Failed.
func (c *Controller) Populate(ctx context.Context, generationID string, manifest []string) (Report, error) {
	report := Report{Generation: generationID}
	start := time.Now()
	defer func() {
		precacheDuration.Observe(time.Since(start).Seconds())
	}()

	gen, err := c.storage.Open(ctx, generationID)
	if err != nil {
		return report, fmt.Errorf("open generation %s: %w", generationID, err)
	}

	if len(manifest) == 0 {
		c.logger.Info().Str("generation", generationID).Msg("Empty manifest, nothing to precache")
		return report, nil
	}

	locators := dedupe(c.base, manifest)
	results := make([]error, len(locators))

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, loc := range locators {
		i, loc := i, loc
		g.Go(func() error {
			results[i] = c.store(ctx, gen, loc)
			return nil
		})
	}
	_ = g.Wait()

	for i, loc := range locators {
		if err := results[i]; err != nil {
			precacheItemsTotal.WithLabelValues("failed").Inc()
			report.Failed = append(report.Failed, Failure{Locator: loc, Err: err})
			c.logger.Warn().
				Err(err).
				Str("generation", generationID).
				Str("locator", loc).
				Msg("Precache item failed, skipping")
			continue
		}
		precacheItemsTotal.WithLabelValues("stored").Inc()
		report.Stored = append(report.Stored, loc)
	}

	c.logger.Info().
		Str("generation", generationID).
		Int("stored", len(report.Stored)).
		Int("failed", len(report.Failed)).
		Dur("duration", time.Since(start)).
		Msg("Precache complete")

	return report, nil
}

// store fetches one locator, bypassing intermediate caches, and writes it.
func (c *Controller) store(ctx context.Context, gen store.Generation, locator string) error {
	key, err := ResolveLocator(c.base, locator)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !cache.IsSuccess(resp.StatusCode) || resp.StatusCode == http.StatusPartialContent {
		return client.StatusError(key.URL, resp.StatusCode)
	}

	entry, err := cache.ResponseToEntry(key, resp)
	if err != nil {
		return err
	}

	err = gen.Put(ctx, key, entry)
	cache.RecordWrite(cache.SourcePrecache, entry, err)
	if err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}

	c.logger.Debug().Str("key", key.String()).Int("bytes", entry.Size()).Msg("Precached")
	return nil
}

// dedupe drops locators that resolve to an already listed key.
// Unresolvable locators are kept so they are reported as failures.
func dedupe(base *url.URL, manifest []string) []string {
	seen := make(map[cache.RequestKey]bool, len(manifest))
	out := make([]string, 0, len(manifest))
	for _, loc := range manifest {
		key, err := ResolveLocator(base, loc)
		if err == nil {
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		out = append(out, loc)
	}
	return out
}

// FailedLocators returns the locators listed in r.Failed.
func (r Report) FailedLocators() []string {
	out := make([]string, 0, len(r.Failed))
	for _, f := range r.Failed {
		out = append(out, f.Locator)
	}
	return out
}

// Err joins all item failures, or returns nil.
func (r Report) Err() error {
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", f.Locator, f.Err))
	}
	return errors.Join(errs...)
}
