package fetcher

import "fmt"

// ErrorKind discriminates the failure taxonomy of a fetch.
type ErrorKind string

// Failure kinds surfaced to callers.
const (
	// KindBlocked marks a URL outside the allow-list; no request was made.
	KindBlocked ErrorKind = "blocked"
	// KindNetwork marks a transport-level failure (timeout, reset).
	KindNetwork ErrorKind = "network"
	// KindHTTP marks a terminal non-429 4xx response.
	KindHTTP ErrorKind = "http"
	// KindExhausted marks a URL abandoned after the retry ceiling.
	KindExhausted ErrorKind = "exhausted"
)

// FetchError is the typed error returned by Fetcher.Fetch.
type FetchError struct {
	Kind   ErrorKind
	Status int
	URL    string
	Err    error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	switch e.Kind {
	case KindHTTP:
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.Status)
	case KindBlocked:
		return fmt.Sprintf("fetch %s: domain not allow-listed", e.URL)
	case KindExhausted:
		return fmt.Sprintf("fetch %s: retries exhausted", e.URL)
	default:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *FetchError) Unwrap() error {
	return e.Err
}
