package client

import (
	"errors"
	"fmt"
)

// ErrNetwork matches every transport-level fetch failure.
var ErrNetwork = errors.New("network error")

// FetchError represents a failed fetch with additional context.
type FetchError struct {
	URL        string
	StatusCode int
	ErrorClass ErrorClass
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s error (status %d)", e.URL, e.ErrorClass, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s error: %v", e.URL, e.ErrorClass, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s error", e.URL, e.ErrorClass)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is reports network-class errors as ErrNetwork.
func (e *FetchError) Is(target error) bool {
	return target == ErrNetwork && e.ErrorClass == ErrorClassNetwork
}

// StatusError builds a FetchError for an unsuccessful HTTP status.
func StatusError(url string, statusCode int) *FetchError {
	return &FetchError{
		URL:        url,
		StatusCode: statusCode,
		ErrorClass: ClassifyStatus(statusCode),
	}
}
