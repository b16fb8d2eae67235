// Package reaper reclaims superseded store generations at activation time.
package reaper

import (
	"context"
	"fmt"
	"sort"

	"github.com/Sternrassler/offline-cache/pkg/logging"
	"github.com/Sternrassler/offline-cache/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var generationsDeletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "offline_generations_deleted_total",
	Help: "Total stale generations processed by the reaper by status",
}, []string{"status"}) // "deleted", "absent", "error"

// Report summarizes one Reclaim run.
type Report struct {
	Current string
	Deleted []string
	Failed  map[string]error
}

// Reaper deletes every generation except the current one.
type Reaper struct {
	storage store.Storage
	logger  zerolog.Logger
}

// New creates a reaper over storage.
func New(storage store.Storage) *Reaper {
	if storage == nil {
		panic("storage cannot be nil")
	}
	return &Reaper{
		storage: storage,
		logger:  logging.Component("reaper"),
	}
}

// Reclaim deletes all generations whose name differs from current.
// Deletions run concurrently and independently: a failed deletion is
// logged and reported but never stops the others. Only a failure to list
// generations is returned. Running it twice is harmless.
func (r *Reaper) Reclaim(ctx context.Context, current string) (Report, error) {
	report := Report{Current: current, Failed: map[string]error{}}
	if current == "" {
		return report, fmt.Errorf("current generation cannot be empty")
	}

	names, err := r.storage.Names(ctx)
	if err != nil {
		return report, fmt.Errorf("list generations: %w", err)
	}

	var stale []string
	for _, name := range names {
		if name != current {
			stale = append(stale, name)
		}
	}
	if len(stale) == 0 {
		r.logger.Debug().Str("current", current).Msg("No stale generations")
		return report, nil
	}

	results := make([]error, len(stale))
	existed := make([]bool, len(stale))

	var g errgroup.Group
	for i, name := range stale {
		i, name := i, name
		g.Go(func() error {
			existed[i], results[i] = r.storage.Delete(ctx, name)
			return nil
		})
	}
	_ = g.Wait()

	for i, name := range stale {
		switch {
		case results[i] != nil:
			generationsDeletedTotal.WithLabelValues("error").Inc()
			report.Failed[name] = results[i]
			r.logger.Warn().Err(results[i]).Str("generation", name).Msg("Failed to delete stale generation")
		case existed[i]:
			generationsDeletedTotal.WithLabelValues("deleted").Inc()
			report.Deleted = append(report.Deleted, name)
		default:
			// Deleted concurrently by someone else
			generationsDeletedTotal.WithLabelValues("absent").Inc()
		}
	}
	sort.Strings(report.Deleted)

	r.logger.Info().
		Str("current", current).
		Strs("deleted", report.Deleted).
		Int("failed", len(report.Failed)).
		Msg("Reclaimed stale generations")

	return report, nil
}
