//go:build integration

package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Sternrassler/offline-cache/internal/host"
	"github.com/Sternrassler/offline-cache/internal/testutil"
	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/Sternrassler/offline-cache/pkg/client"
	"github.com/Sternrassler/offline-cache/pkg/resolver"
	"github.com/Sternrassler/offline-cache/pkg/store"
	"github.com/Sternrassler/offline-cache/pkg/worker"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	hostName, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: hostName + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

func newWorker(t *testing.T, storage store.Storage, fetcher client.Fetcher, originURL, generation string) *worker.Worker {
	t.Helper()

	scope, err := resolver.NewScope(originURL+"/", true)
	if err != nil {
		t.Fatalf("NewScope() error = %v", err)
	}
	w, err := worker.New(storage, fetcher, worker.Config{
		Generation: generation,
		Scope:      scope,
		Manifest:   []string{"./", "./index.html", "./assets/bg.png", "./missing.css"},
		Fallback:   "./",
	})
	if err != nil {
		t.Fatalf("worker.New() error = %v", err)
	}
	return w
}

func fetch(t *testing.T, h *host.Host, session, rawURL string) (*http.Response, string) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, rawURL, nil)
	req.RequestURI = ""

	resp, err := h.Dispatch(context.Background(), session, req)
	if err != nil {
		t.Fatalf("Dispatch(%s) error = %v", rawURL, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

// TestRedisLifecycle runs install, offline serving, upgrade and reclaim
// against a real Redis.
func TestRedisLifecycle(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()

	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/", testutil.NewOKResponse("home"))
	origin.SetResponse("/index.html", testutil.NewOKResponse("index v1"))
	origin.SetResponse("/missing.css", testutil.NewNotFoundResponse())

	httpClient, err := client.New(client.DefaultConfig())
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	fetcher := &testutil.CountingFetcher{Next: httpClient}
	storage := store.NewRedisStorage(redisClient, "it")

	h := host.New(fetcher)
	w1 := newWorker(t, storage, fetcher, origin.URL(), "inv-v1")
	if err := h.Register(ctx, w1); err != nil {
		t.Fatalf("Register(inv-v1) error = %v", err)
	}

	report := w1.InstallReport()
	if len(report.Stored) != 3 || len(report.Failed) != 1 {
		t.Errorf("Install stored %v failed %v, want 3 stored and missing.css failed",
			report.Stored, report.FailedLocators())
	}

	session := h.Connect("")

	// Offline: precached entries, normalized lookups and the fallback work
	fetcher.Offline.Store(true)
	if _, body := fetch(t, h, session, origin.URL()+"/index.html?ts=123"); body != "index v1" {
		t.Errorf("Offline index = %q, want index v1", body)
	}
	if resp, body := fetch(t, h, session, origin.URL()+"/reports"); body != "home" ||
		resp.Header.Get(cache.StatusHeader) != cache.StatusFallback {
		t.Errorf("Offline fallback = %q (%s)", body, resp.Header.Get(cache.StatusHeader))
	}

	// Online again: a runtime miss is written through to Redis
	fetcher.Offline.Store(false)
	fetch(t, h, session, origin.URL()+"/data")
	h.Wait()

	gen, err := storage.Open(ctx, "inv-v1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	keys, err := gen.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 4 {
		t.Errorf("inv-v1 holds %d keys, want 4", len(keys))
	}

	// Upgrade: the new generation takes over and the old one is reclaimed
	origin.SetResponse("/index.html", testutil.NewOKResponse("index v2"))
	w2 := newWorker(t, storage, fetcher, origin.URL(), "inv-v2")
	if err := h.Register(ctx, w2); err != nil {
		t.Fatalf("Register(inv-v2) error = %v", err)
	}

	names, err := storage.Names(ctx)
	if err != nil {
		t.Fatalf("Names() error = %v", err)
	}
	if len(names) != 1 || names[0] != "inv-v2" {
		t.Errorf("Names() = %v, want [inv-v2]", names)
	}
	if h.Controller(session) != "inv-v2" {
		t.Errorf("Controller = %q, want inv-v2", h.Controller(session))
	}

	n, err := redisClient.Exists(ctx, "it:gen:inv-v1:entries", "it:gen:inv-v1:index").Result()
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if n != 0 {
		t.Errorf("%d inv-v1 Redis keys remain after reclaim", n)
	}

	fetcher.Offline.Store(true)
	if _, body := fetch(t, h, session, origin.URL()+"/index.html"); body != "index v2" {
		t.Errorf("Offline index after upgrade = %q, want index v2", body)
	}
}
