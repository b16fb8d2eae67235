// Package client provides the network side of the offline cache: a single
// attempt HTTP fetcher with error classification and metrics.
//
// The fetcher never retries and never consults a cache. Non-2xx responses
// are returned to the caller unchanged; only transport failures become
// errors.
package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/offline-cache/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for network fetches.
var (
	fetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_fetch_requests_total",
		Help: "Total network fetches by HTTP status (or network_error)",
	}, []string{"status"})

	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offline_fetch_duration_seconds",
		Help:    "Network fetch duration in seconds by error class",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"class"})

	fetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_fetch_errors_total",
		Help: "Total unsuccessful network fetches by error class",
	}, []string{"class"})
)

// ErrorClass represents a classification of fetch outcomes.
type ErrorClass string

const (
	// ErrorClassNone represents a 1xx-3xx response.
	ErrorClassNone ErrorClass = ""

	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents transport failures (DNS, refused, timeout).
	ErrorClassNetwork ErrorClass = "network"
)

// Fetcher performs network requests.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Config holds the client configuration.
type Config struct {
	// Timeout bounds a whole fetch including the body read by net/http.
	Timeout time.Duration

	// UserAgent is set on requests that do not carry one
	UserAgent string

	// Transport overrides http.DefaultTransport (for testing)
	Transport http.RoundTripper
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:   30 * time.Second,
		UserAgent: "offline-cache/0.1.0",
	}
}

// Client is the network fetcher.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a new fetch client.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must be >= 0 (got %s)", cfg.Timeout)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		config: cfg,
		logger: logging.Component("client"),
	}, nil
}

// Fetch performs one network request. The returned error, if any, is a
// *FetchError of class ErrorClassNetwork and matches ErrNetwork.
func (c *Client) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}

	req = req.WithContext(ctx)
	if c.config.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header = req.Header.Clone()
		if req.Header == nil {
			req.Header = http.Header{}
		}
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		fetchDuration.WithLabelValues(string(ErrorClassNetwork)).Observe(time.Since(start).Seconds())
		fetchErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		fetchRequestsTotal.WithLabelValues("network_error").Inc()
		c.logger.Debug().Err(err).Str("url", req.URL.String()).Msg("Fetch failed")
		return nil, &FetchError{
			URL:        req.URL.String(),
			ErrorClass: ErrorClassNetwork,
			Err:        err,
		}
	}

	class := ClassifyStatus(resp.StatusCode)
	fetchDuration.WithLabelValues(string(class)).Observe(time.Since(start).Seconds())
	fetchRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	if class != ErrorClassNone {
		fetchErrorsTotal.WithLabelValues(string(class)).Inc()
	}

	c.logger.Debug().
		Str("url", req.URL.String()).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Fetched")

	return resp, nil
}

// Get performs a GET request to an absolute URL.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.Fetch(ctx, req)
}

// ClassifyStatus categorizes an HTTP status code.
func ClassifyStatus(statusCode int) ErrorClass {
	switch {
	case statusCode >= 400 && statusCode < 500:
		return ErrorClassClient
	case statusCode >= 500:
		return ErrorClassServer
	default:
		return ErrorClassNone
	}
}
