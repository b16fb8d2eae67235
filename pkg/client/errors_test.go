package client

import (
	"errors"
	"testing"
)

func TestFetchError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *FetchError
		expected string
	}{
		{
			name: "network error with wrapped error",
			err: &FetchError{
				URL:        "https://app.example/",
				ErrorClass: ErrorClassNetwork,
				Err:        errors.New("connection refused"),
			},
			expected: "fetch https://app.example/: network error: connection refused",
		},
		{
			name:     "status error",
			err:      StatusError("https://app.example/assets/bg.png", 404),
			expected: "fetch https://app.example/assets/bg.png: client error (status 404)",
		},
		{
			name: "bare error",
			err: &FetchError{
				URL:        "https://app.example/",
				ErrorClass: ErrorClassServer,
			},
			expected: "fetch https://app.example/: server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestFetchError_Unwrap(t *testing.T) {
	inner := errors.New("inner error")
	err := &FetchError{ErrorClass: ErrorClassNetwork, Err: inner}

	if !errors.Is(err, inner) {
		t.Error("errors.Is should find the wrapped error")
	}
	if !errors.Is(err, ErrNetwork) {
		t.Error("network class should match ErrNetwork")
	}
}

func TestFetchError_IsNetworkOnly(t *testing.T) {
	err := StatusError("https://app.example/", 500)

	if errors.Is(err, ErrNetwork) {
		t.Error("status errors should not match ErrNetwork")
	}
	if err.ErrorClass != ErrorClassServer {
		t.Errorf("ErrorClass = %q, want server", err.ErrorClass)
	}
}
