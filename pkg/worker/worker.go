// Package worker implements the offline cache lifecycle handlers.
//
// A Worker owns one generation. The hosting runtime calls OnInstall once
// to precache the manifest, OnActivate when the worker takes over to
// reclaim older generations, and OnFetch for every intercepted request.
//
// Example:
//
//	w, err := worker.New(storage, fetcher, worker.Config{
//	    Generation: "inv-v1",
//	    Scope:      scope,
//	    Manifest:   []string{"./", "./index.html"},
//	    Fallback:   "./",
//	})
package worker

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/Sternrassler/offline-cache/pkg/client"
	"github.com/Sternrassler/offline-cache/pkg/logging"
	"github.com/Sternrassler/offline-cache/pkg/precache"
	"github.com/Sternrassler/offline-cache/pkg/reaper"
	"github.com/Sternrassler/offline-cache/pkg/resolver"
	"github.com/Sternrassler/offline-cache/pkg/store"
	"github.com/rs/zerolog"
)

// Runtime is the part of the hosting runtime a worker drives.
type Runtime interface {
	// SkipWaiting asks the runtime to activate this worker as soon as
	// install completes, without waiting for older sessions to close.
	SkipWaiting()

	// ClaimClients makes this worker the controller of every open session.
	ClaimClients(ctx context.Context) error
}

// Config holds the worker configuration.
type Config struct {
	Generation string
	Scope      resolver.Scope

	// Manifest lists the locators stored at install, relative to the scope base
	Manifest []string

	// Fallback is the locator served when the network fails ("" disables)
	Fallback string

	// Concurrency bounds precache fetches (default precache.DefaultConcurrency)
	Concurrency int

	// WaitForSessions keeps a previous worker in control until its
	// sessions close instead of skipping the waiting phase.
	WaitForSessions bool
}

// Worker wires precache, reaper and resolver for one generation.
type Worker struct {
	config   Config
	precache *precache.Controller
	reaper   *reaper.Reaper
	resolver *resolver.Resolver
	logger   zerolog.Logger

	mu            sync.Mutex
	installReport *precache.Report
	reclaimReport *reaper.Report
}

// New creates a worker over storage and fetcher.
func New(storage store.Storage, fetcher client.Fetcher, cfg Config) (*Worker, error) {
	if cfg.Generation == "" {
		return nil, fmt.Errorf("generation is required")
	}
	if cfg.Scope.Origin == nil {
		return nil, fmt.Errorf("scope origin is required")
	}

	base := cfg.Scope.Base()

	pc, err := precache.NewController(storage, fetcher, precache.Config{
		Base:        base,
		Concurrency: cfg.Concurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("precache: %w", err)
	}

	var fallback cache.RequestKey
	if cfg.Fallback != "" {
		fallback, err = precache.ResolveLocator(base, cfg.Fallback)
		if err != nil {
			return nil, fmt.Errorf("fallback: %w", err)
		}
	}

	res, err := resolver.New(storage, fetcher, resolver.Config{
		Generation: cfg.Generation,
		Scope:      cfg.Scope,
		Fallback:   fallback,
	})
	if err != nil {
		return nil, fmt.Errorf("resolver: %w", err)
	}

	return &Worker{
		config:   cfg,
		precache: pc,
		reaper:   reaper.New(storage),
		resolver: res,
		logger:   logging.Component("worker").With().Str("generation", cfg.Generation).Logger(),
	}, nil
}

// Generation returns the generation this worker owns.
func (w *Worker) Generation() string {
	return w.config.Generation
}

// OnInstall precaches the manifest into the worker's generation and then
// asks the runtime to skip waiting, unless WaitForSessions is set. Unreachable locators and store
// failures are logged; install only fails when ctx is done.
func (w *Worker) OnInstall(ctx context.Context, rt Runtime) error {
	report, err := w.precache.Populate(ctx, w.config.Generation, w.config.Manifest)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Precache could not open generation, continuing install")
	}

	w.mu.Lock()
	w.installReport = &report
	w.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("install aborted: %w", err)
	}

	w.logger.Info().
		Int("stored", len(report.Stored)).
		Strs("failed", report.FailedLocators()).
		Msg("Worker installed")

	if !w.config.WaitForSessions {
		rt.SkipWaiting()
	}
	return nil
}

// OnActivate deletes every other generation and then claims all open
// sessions. A failed reclaim is logged and does not block the claim.
func (w *Worker) OnActivate(ctx context.Context, rt Runtime) error {
	report, err := w.reaper.Reclaim(ctx, w.config.Generation)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Reclaim failed, older generations kept")
	}

	w.mu.Lock()
	w.reclaimReport = &report
	w.mu.Unlock()

	if err := rt.ClaimClients(ctx); err != nil {
		return fmt.Errorf("claim clients: %w", err)
	}

	w.logger.Info().
		Strs("deleted", report.Deleted).
		Int("failed", len(report.Failed)).
		Msg("Worker activated")
	return nil
}

// OnFetch answers an intercepted request. It returns false when the
// request is not handled and must go to the network unchanged.
func (w *Worker) OnFetch(ctx context.Context, req *http.Request) (*http.Response, bool) {
	return w.resolver.Resolve(ctx, req)
}

// Wait blocks until pending write-backs are stored.
func (w *Worker) Wait() {
	w.resolver.Wait()
}

// InstallReport returns the last install report, or nil before install.
func (w *Worker) InstallReport() *precache.Report {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.installReport
}

// ReclaimReport returns the last activation report, or nil before activation.
func (w *Worker) ReclaimReport() *reaper.Report {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reclaimReport
}
