package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/prometheus/client_golang/prometheus"
)

func TestRegistry(t *testing.T) {
	if Registry != prometheus.DefaultRegisterer {
		t.Error("Registry should be the default Prometheus registerer")
	}
}

func TestHandler(t *testing.T) {
	cache.CacheLookups.WithLabelValues("hit").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{"offline_cache_lookups_total", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Metrics output missing %s", want)
		}
	}
}
