package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/Sternrassler/offline-cache/internal/config"
	"github.com/Sternrassler/offline-cache/internal/host"
	"github.com/Sternrassler/offline-cache/internal/testutil"
	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/Sternrassler/offline-cache/pkg/client"
	"github.com/Sternrassler/offline-cache/pkg/resolver"
	"github.com/Sternrassler/offline-cache/pkg/store"
	"github.com/Sternrassler/offline-cache/pkg/worker"
	"github.com/rs/zerolog"
)

type proxyEnv struct {
	origin  *testutil.MockOrigin
	fetcher *testutil.CountingFetcher
	storage store.Storage
	host    *host.Host
	server  *httptest.Server
}

// newProxy starts the router in front of a mock origin with an active
// "inv-v1" worker.
func newProxy(t *testing.T) *proxyEnv {
	t.Helper()

	origin := testutil.NewMockOrigin()
	t.Cleanup(origin.Close)
	origin.SetResponse("/", testutil.NewOKResponse("home"))
	origin.SetResponse("/index.html", testutil.NewOKResponse("index"))

	httpClient, err := client.New(client.DefaultConfig())
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	fetcher := &testutil.CountingFetcher{Next: httpClient}
	storage := store.NewMemoryStorage()

	scope, err := resolver.NewScope(origin.URL()+"/", true)
	if err != nil {
		t.Fatalf("NewScope() error = %v", err)
	}
	w, err := worker.New(storage, fetcher, worker.Config{
		Generation: "inv-v1",
		Scope:      scope,
		Manifest:   []string{"./", "./index.html"},
		Fallback:   "./",
	})
	if err != nil {
		t.Fatalf("worker.New() error = %v", err)
	}

	h := host.New(fetcher)
	if err := h.Register(context.Background(), w); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	originURL, _ := url.Parse(origin.URL())
	server := httptest.NewServer(newRouter(h, storage, originURL, zerolog.Nop()))
	t.Cleanup(server.Close)

	return &proxyEnv{origin: origin, fetcher: fetcher, storage: storage, host: h, server: server}
}

func (e *proxyEnv) do(t *testing.T, method, path string, cookie *http.Cookie) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequest(method, e.server.URL+path, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func sessionCookieFrom(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	return nil
}

func TestHealthEndpoint(t *testing.T) {
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	healthHandler(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %s", string(body))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newProxy(t)

	resp, body := e.do(t, http.MethodGet, "/metrics", nil)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "offline_precache_items_total") {
		t.Error("Expected offline_precache_items_total in metrics output")
	}
}

func TestStatusEndpoint(t *testing.T) {
	e := newProxy(t)
	e.host.Connect("tab-1")

	resp, body := e.do(t, http.MethodGet, "/_offline/status", nil)

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var st host.Status
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatalf("Invalid JSON %q: %v", body, err)
	}
	if st.Active != "inv-v1" || st.State != host.StateActive {
		t.Errorf("Status = %+v, want inv-v1 active", st)
	}
	if st.Sessions != 1 || st.Controlled != 1 {
		t.Errorf("Sessions = %d, Controlled = %d, want 1/1", st.Sessions, st.Controlled)
	}
}

func TestGenerationsEndpoint(t *testing.T) {
	e := newProxy(t)

	_, body := e.do(t, http.MethodGet, "/_offline/generations", nil)

	var gens map[string][]string
	if err := json.Unmarshal([]byte(body), &gens); err != nil {
		t.Fatalf("Invalid JSON %q: %v", body, err)
	}
	keys, ok := gens["inv-v1"]
	if !ok || len(keys) != 2 {
		t.Fatalf("generations = %v, want inv-v1 with 2 keys", gens)
	}
	want := "GET " + e.origin.URL() + "/index.html"
	if keys[0] != want && keys[1] != want {
		t.Errorf("keys = %v, want %q among them", keys, want)
	}
}

func TestProxy_MintsSessionAndServesCacheFirst(t *testing.T) {
	e := newProxy(t)

	resp, body := e.do(t, http.MethodGet, "/index.html", nil)
	if body != "index" {
		t.Errorf("Body = %q, want index", body)
	}
	if got := resp.Header.Get(cache.StatusHeader); got != cache.StatusHit {
		t.Errorf("%s = %q, want hit", cache.StatusHeader, got)
	}

	cookie := sessionCookieFrom(resp)
	if cookie == nil || cookie.Value == "" {
		t.Fatal("Expected a session cookie")
	}

	// Reusing the cookie keeps the session and sets no new cookie
	resp, _ = e.do(t, http.MethodGet, "/", cookie)
	if sessionCookieFrom(resp) != nil {
		t.Error("Known session should not get a new cookie")
	}
	if e.host.Status().Sessions != 1 {
		t.Errorf("Sessions = %d, want 1", e.host.Status().Sessions)
	}
}

func TestProxy_OfflineFallbackAndNetworkError(t *testing.T) {
	e := newProxy(t)
	e.fetcher.Offline.Store(true)

	resp, body := e.do(t, http.MethodGet, "/reports/2024?page=2", nil)
	if body != "home" || resp.Header.Get(cache.StatusHeader) != cache.StatusFallback {
		t.Errorf("Expected fallback home, got %q (%s)", body, resp.Header.Get(cache.StatusHeader))
	}

	// Declined requests go to the network, which is down
	resp, _ = e.do(t, http.MethodPost, "/api/save", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("POST while offline = %d, want 502", resp.StatusCode)
	}
}

func TestProxy_RuntimeWriteBack(t *testing.T) {
	e := newProxy(t)
	e.origin.SetResponse("/data", testutil.NewOKResponse("v1"))

	resp, body := e.do(t, http.MethodGet, "/data?ts=1", nil)
	if body != "v1" || resp.Header.Get(cache.StatusHeader) != cache.StatusMiss {
		t.Fatalf("First request = %q (%s), want live miss", body, resp.Header.Get(cache.StatusHeader))
	}
	e.host.Wait()

	e.fetcher.Offline.Store(true)
	resp, body = e.do(t, http.MethodGet, "/data?ts=2", nil)
	if body != "v1" || resp.Header.Get(cache.StatusHeader) != cache.StatusHit {
		t.Errorf("Second request = %q (%s), want cached hit", body, resp.Header.Get(cache.StatusHeader))
	}
}

func TestDisconnectEndpoint(t *testing.T) {
	e := newProxy(t)

	resp, _ := e.do(t, http.MethodGet, "/", nil)
	cookie := sessionCookieFrom(resp)
	if cookie == nil {
		t.Fatal("Expected a session cookie")
	}

	resp, _ = e.do(t, http.MethodDelete, "/_offline/session", cookie)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("DELETE session = %d, want 204", resp.StatusCode)
	}
	if e.host.Status().Sessions != 0 {
		t.Errorf("Sessions = %d, want 0", e.host.Status().Sessions)
	}

	resp, _ = e.do(t, http.MethodDelete, "/_offline/session", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("DELETE without cookie = %d, want 400", resp.StatusCode)
	}
}

func TestOutboundRequest(t *testing.T) {
	tests := []struct {
		origin string
		target string
		want   string
	}{
		{"https://app.example", "/index.html?v=1", "https://app.example/index.html?v=1"},
		{"https://app.example/", "/", "https://app.example/"},
		{"https://app.example/tenant", "/inventory/", "https://app.example/tenant/inventory/"},
		{"https://app.example/tenant", "/a/b.js", "https://app.example/tenant/a/b.js"},
	}

	for _, tt := range tests {
		t.Run(tt.origin+tt.target, func(t *testing.T) {
			origin, _ := url.Parse(tt.origin)
			in := httptest.NewRequest(http.MethodGet, tt.target, nil)
			in.Header.Set("Connection", "keep-alive")
			in.Header.Set("Accept", "text/html")

			out, err := outboundRequest(in, origin)
			if err != nil {
				t.Fatalf("outboundRequest() error = %v", err)
			}
			if out.URL.String() != tt.want {
				t.Errorf("URL = %q, want %q", out.URL, tt.want)
			}
			if out.Header.Get("Connection") != "" {
				t.Error("Hop-by-hop headers should be dropped")
			}
			if out.Header.Get("Accept") != "text/html" {
				t.Error("End-to-end headers should be kept")
			}
		})
	}
}

func TestOpenStorage_Memory(t *testing.T) {
	s, closeFn, err := openStorage(context.Background(), &config.Config{Store: config.StoreMemory})
	if err != nil {
		t.Fatalf("openStorage() error = %v", err)
	}
	defer closeFn()

	if _, ok := s.(*store.MemoryStorage); !ok {
		t.Errorf("openStorage() = %T, want *store.MemoryStorage", s)
	}
}

func TestOpenStorage_SQLite(t *testing.T) {
	cfg := &config.Config{Store: config.StoreSQLite, SQLitePath: t.TempDir() + "/cache.db"}

	s, closeFn, err := openStorage(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openStorage() error = %v", err)
	}
	if _, ok := s.(*store.SQLiteStorage); !ok {
		t.Errorf("openStorage() = %T, want *store.SQLiteStorage", s)
	}
	if err := closeFn(); err != nil {
		t.Errorf("close error = %v", err)
	}
}

func TestOpenStorage_RedisBadURL(t *testing.T) {
	cfg := &config.Config{Store: config.StoreRedis, RedisURL: "not a url"}
	if _, _, err := openStorage(context.Background(), cfg); err == nil {
		t.Error("openStorage() should fail on an invalid Redis URL")
	}
}
