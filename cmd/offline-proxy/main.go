// Command offline-proxy serves an origin through an offline cache.
//
// Requests from a client session are answered cache-first by the active
// worker generation; the manifest is precached at startup and older
// generations are reclaimed on activation. See internal/config for the
// environment variables it reads.
package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/offline-cache/internal/config"
	"github.com/Sternrassler/offline-cache/internal/host"
	"github.com/Sternrassler/offline-cache/pkg/client"
	"github.com/Sternrassler/offline-cache/pkg/logging"
	"github.com/Sternrassler/offline-cache/pkg/resolver"
	"github.com/Sternrassler/offline-cache/pkg/store"
	"github.com/Sternrassler/offline-cache/pkg/worker"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const userAgent = "offline-cache/0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup(logging.DefaultConfig())
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger := logging.Setup(logging.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, closeStorage, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.Store).Msg("Failed to open store")
	}
	defer func() {
		if err := closeStorage(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}()

	fetcher, err := client.New(client.Config{
		Timeout:   cfg.FetchTimeout,
		UserAgent: userAgent,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create HTTP client")
	}

	scope, err := resolver.NewScope(cfg.ScopeBase(), cfg.IgnoreQuery)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid scope")
	}

	w, err := worker.New(storage, fetcher, worker.Config{
		Generation:  cfg.Generation,
		Scope:       scope,
		Manifest:    cfg.Manifest,
		Fallback:    cfg.Fallback,
		Concurrency: cfg.PrecacheConcurrency,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create worker")
	}

	origin, _ := url.Parse(cfg.Origin)
	h := host.New(fetcher)

	// Install runs in the background; until the worker is active, sessions
	// are uncontrolled and requests pass through to the origin.
	go func() {
		if err := h.Register(ctx, w); err != nil {
			log.Error().Err(err).Str("generation", cfg.Generation).Msg("Worker registration failed")
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           newRouter(h, storage, origin, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("origin", cfg.Origin).
			Str("scope", scope.Base().String()).
			Str("generation", cfg.Generation).
			Str("store", cfg.Store).
			Msg("Starting offline proxy")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Graceful shutdown failed")
	}
	h.Wait()
}

// openStorage opens the configured backend and returns a close function.
func openStorage(ctx context.Context, cfg *config.Config) (store.Storage, func() error, error) {
	switch cfg.Store {
	case config.StoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		redisClient := redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, nil, err
		}
		log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("Connected to Redis")
		return store.NewRedisStorage(redisClient, cfg.RedisPrefix), redisClient.Close, nil

	case config.StoreSQLite:
		s, err := store.OpenSQLiteStorage(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("Opened SQLite store")
		return s, s.Close, nil

	default:
		return store.NewMemoryStorage(), func() error { return nil }, nil
	}
}
