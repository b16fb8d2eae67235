package resolver

import (
	"fmt"
	"net/url"
	"strings"
)

// Scope decides which requests the resolver may handle.
// A URL is in scope when it has the same scheme and host as Origin and
// its path starts with PathPrefix.
type Scope struct {
	// Origin is scheme://host[:port]
	Origin *url.URL

	// PathPrefix always starts and ends with "/"
	PathPrefix string

	// IgnoreQuery makes lookups match entries whose URL differs only in
	// the query string.
	IgnoreQuery bool
}

// NewScope builds a scope from a base URL such as "https://app.example/inventory/".
// The base path becomes the path prefix.
func NewScope(base string, ignoreQuery bool) (Scope, error) {
	u, err := url.Parse(base)
	if err != nil {
		return Scope{}, fmt.Errorf("parse scope base: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return Scope{}, fmt.Errorf("scope base %q must be an absolute URL", base)
	}

	prefix := u.EscapedPath()
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return Scope{
		Origin: &url.URL{
			Scheme: strings.ToLower(u.Scheme),
			Host:   strings.ToLower(u.Host),
		},
		PathPrefix:  prefix,
		IgnoreQuery: ignoreQuery,
	}, nil
}

// Base returns the scope root URL (origin plus prefix).
func (s Scope) Base() *url.URL {
	return &url.URL{Scheme: s.Origin.Scheme, Host: s.Origin.Host, Path: s.PathPrefix}
}

// Contains reports whether u is inside the scope.
func (s Scope) Contains(u *url.URL) bool {
	if u == nil || s.Origin == nil {
		return false
	}
	if !strings.EqualFold(u.Scheme, s.Origin.Scheme) || !strings.EqualFold(u.Host, s.Origin.Host) {
		return false
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	// "/app" is inside the "/app/" scope
	return strings.HasPrefix(path, s.PathPrefix) || path+"/" == s.PathPrefix
}
