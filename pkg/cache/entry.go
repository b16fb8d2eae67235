package cache

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// CacheEntry is a stored response snapshot.
// Entries are never patched: refreshing a URL replaces the entry wholesale.
type CacheEntry struct {
	// Method and URL of the request the response answered
	Method string `json:"method"`
	URL    string `json:"url"`

	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// Status is the status line text (e.g. "200 OK")
	Status string `json:"status"`

	// Headers are the response headers
	Headers http.Header `json:"headers"`

	// Data is the response body
	Data []byte `json:"data"`

	// CachedAt is when we cached this response
	CachedAt time.Time `json:"cached_at"`
}

// Key returns the request identity the entry was captured for.
func (e *CacheEntry) Key() RequestKey {
	return RequestKey{Method: e.Method, URL: e.URL}
}

// Size returns the body size in bytes.
func (e *CacheEntry) Size() int {
	return len(e.Data)
}

// Clone returns a deep copy so callers can never mutate a stored snapshot.
func (e *CacheEntry) Clone() *CacheEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.Headers = e.Headers.Clone()
	if e.Data != nil {
		c.Data = append([]byte(nil), e.Data...)
	}
	return &c
}

// MarshalEntry encodes an entry for byte-oriented backends.
func MarshalEntry(e *CacheEntry) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("cache entry cannot be nil")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal cache entry: %w", err)
	}
	return data, nil
}

// UnmarshalEntry decodes an entry produced by MarshalEntry.
func UnmarshalEntry(data []byte) (*CacheEntry, error) {
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}
