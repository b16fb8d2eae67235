package cache

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var (
	// ErrInvalidKey indicates a request identity that cannot be stored
	ErrInvalidKey = errors.New("invalid request key")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// RequestKey identifies a cached response: request method plus absolute URL.
type RequestKey struct {
	// Method is the upper-case HTTP method (e.g. "GET")
	Method string

	// URL is the canonical absolute URL, without fragment
	URL string
}

// NewRequestKey builds a canonical key from a method and an absolute URL.
func NewRequestKey(method, rawURL string) (RequestKey, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return RequestKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return keyFromURL(method, u)
}

// KeyForRequest returns the identity of an outbound request.
func KeyForRequest(req *http.Request) (RequestKey, error) {
	if req == nil || req.URL == nil {
		return RequestKey{}, fmt.Errorf("%w: nil request", ErrInvalidKey)
	}
	return keyFromURL(req.Method, req.URL)
}

// ParseRequestKey is the inverse of RequestKey.String.
func ParseRequestKey(s string) (RequestKey, error) {
	method, rawURL, ok := strings.Cut(s, " ")
	if !ok {
		return RequestKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return NewRequestKey(method, rawURL)
}

func keyFromURL(method string, u *url.URL) (RequestKey, error) {
	if !u.IsAbs() || u.Host == "" {
		return RequestKey{}, fmt.Errorf("%w: %q is not absolute", ErrInvalidKey, u.String())
	}

	c := *u
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	c.Fragment = ""
	c.RawFragment = ""
	c.User = nil
	if c.Path == "" {
		c.Path = "/"
		c.RawPath = ""
	}

	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}

	return RequestKey{Method: method, URL: c.String()}, nil
}

// String generates the canonical store key.
// Format: METHOD absolute-url
//
// Example:
//
//	GET https://app.example/assets/bg.png
func (k RequestKey) String() string {
	return k.Method + " " + k.URL
}

// Normalized returns the key with the query string removed.
func (k RequestKey) Normalized() RequestKey {
	if i := strings.IndexByte(k.URL, '?'); i >= 0 {
		return RequestKey{Method: k.Method, URL: k.URL[:i]}
	}
	return k
}

// HasQuery reports whether the URL carries a query string.
func (k RequestKey) HasQuery() bool {
	return strings.IndexByte(k.URL, '?') >= 0
}

// IsZero reports whether the key is unset.
func (k RequestKey) IsZero() bool {
	return k.Method == "" && k.URL == ""
}
