package cache

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewRequestKey(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		rawURL  string
		want    string
		wantErr bool
	}{
		{
			name:   "simple path",
			method: "GET",
			rawURL: "https://app.example/index.html",
			want:   "GET https://app.example/index.html",
		},
		{
			name:   "empty path becomes root",
			method: "GET",
			rawURL: "https://app.example",
			want:   "GET https://app.example/",
		},
		{
			name:   "fragment stripped",
			method: "GET",
			rawURL: "https://app.example/page#section",
			want:   "GET https://app.example/page",
		},
		{
			name:   "scheme and host lower-cased",
			method: "get",
			rawURL: "HTTPS://App.Example/Data",
			want:   "GET https://app.example/Data",
		},
		{
			name:   "query preserved",
			method: "GET",
			rawURL: "https://app.example/data?ts=123",
			want:   "GET https://app.example/data?ts=123",
		},
		{
			name:   "empty method defaults to GET",
			method: "",
			rawURL: "https://app.example/",
			want:   "GET https://app.example/",
		},
		{
			name:    "relative URL rejected",
			method:  "GET",
			rawURL:  "/index.html",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := NewRequestKey(tt.method, tt.rawURL)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewRequestKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidKey) {
					t.Errorf("Expected ErrInvalidKey, got %v", err)
				}
				return
			}
			if got := key.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestKey_Normalized(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"no query", "https://app.example/data", "GET https://app.example/data"},
		{"with query", "https://app.example/data?ts=123", "GET https://app.example/data"},
		{"multiple params", "https://app.example/data?a=1&b=2", "GET https://app.example/data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := NewRequestKey("GET", tt.url)
			if err != nil {
				t.Fatalf("NewRequestKey() error = %v", err)
			}
			if got := key.Normalized().String(); got != tt.want {
				t.Errorf("Normalized() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestKey_Deterministic(t *testing.T) {
	a, _ := NewRequestKey("GET", "https://app.example/data?ts=1")
	b, _ := NewRequestKey("GET", "https://app.example/data?ts=2")

	if a.String() == b.String() {
		t.Error("Keys with different queries should differ")
	}
	if a.Normalized() != b.Normalized() {
		t.Error("Normalized keys with different queries should be equal")
	}
	if !a.HasQuery() {
		t.Error("HasQuery() should be true")
	}
	if a.Normalized().HasQuery() {
		t.Error("Normalized key should not have a query")
	}
}

func TestParseRequestKey(t *testing.T) {
	key, err := NewRequestKey("GET", "https://app.example/a?b=c")
	if err != nil {
		t.Fatalf("NewRequestKey() error = %v", err)
	}

	parsed, err := ParseRequestKey(key.String())
	if err != nil {
		t.Fatalf("ParseRequestKey() error = %v", err)
	}
	if parsed != key {
		t.Errorf("ParseRequestKey() = %+v, want %+v", parsed, key)
	}

	if _, err := ParseRequestKey("garbage"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey for garbage, got %v", err)
	}
}

func TestKeyForRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://app.example/assets/bg.png", nil)

	key, err := KeyForRequest(req)
	if err != nil {
		t.Fatalf("KeyForRequest() error = %v", err)
	}
	if key.String() != "GET https://app.example/assets/bg.png" {
		t.Errorf("KeyForRequest() = %q", key.String())
	}

	if _, err := KeyForRequest(nil); err == nil {
		t.Error("KeyForRequest(nil) should fail")
	}
}
