package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// StatusHeader reports how a response was produced (hit, miss, fallback, network-error).
const StatusHeader = "X-Offline-Cache"

// Values of StatusHeader.
const (
	StatusHit          = "hit"
	StatusMiss         = "miss"
	StatusFallback     = "fallback"
	StatusNetworkError = "network-error"
)

// ResponseToEntry converts an HTTP response to a CacheEntry.
// It reads the response body and restores it for the caller.
func ResponseToEntry(key RequestKey, resp *http.Response) (*CacheEntry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}
	if key.IsZero() {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidKey)
	}

	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
	}

	// Restore body for caller
	resp.Body = io.NopCloser(bytes.NewReader(body))

	headers := resp.Header.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	headers.Del(StatusHeader)

	return &CacheEntry{
		Method:     key.Method,
		URL:        key.URL,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Headers:    headers,
		Data:       body,
		CachedAt:   time.Now(),
	}, nil
}

// EntryToResponse builds a fresh response from a stored snapshot.
// Every call returns an independent body reader and header map.
func EntryToResponse(entry *CacheEntry, req *http.Request) *http.Response {
	status := entry.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", entry.StatusCode, http.StatusText(entry.StatusCode))
	}

	header := entry.Headers.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(entry.Data)))

	return &http.Response{
		Status:        status,
		StatusCode:    entry.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Data)),
		ContentLength: int64(len(entry.Data)),
		Request:       req,
	}
}

// NetworkErrorResponse is the synthetic result returned when neither the
// store nor the network can answer a request.
func NetworkErrorResponse(req *http.Request) *http.Response {
	header := http.Header{}
	header.Set(StatusHeader, StatusNetworkError)
	header.Set("Content-Length", "0")

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", http.StatusBadGateway, http.StatusText(http.StatusBadGateway)),
		StatusCode:    http.StatusBadGateway,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          http.NoBody,
		ContentLength: 0,
		Request:       req,
	}
}

// IsSuccess reports a 2xx status.
func IsSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// IsCacheable reports whether a network response may be stored.
// Only complete successful responses qualify: 206 partial content and
// responses that vary on everything are never stored.
func IsCacheable(resp *http.Response) bool {
	if resp == nil || !IsSuccess(resp.StatusCode) {
		return false
	}
	if resp.StatusCode == http.StatusPartialContent {
		return false
	}
	for _, v := range resp.Header.Values("Vary") {
		for _, field := range strings.Split(v, ",") {
			if strings.TrimSpace(field) == "*" {
				return false
			}
		}
	}
	return true
}
