package tasks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// FetchResponse is one fetched page.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher retrieves a page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// Hasher produces content digests used as blob names.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// BlobStore persists fetched content and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Limiter paces requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Retrier re-runs a failed fetch attempt.
type Retrier interface {
	Do(ctx context.Context, fn func(context.Context) error) error
}

// HostFilter rejects URLs that must never be fetched.
type HostFilter interface {
	Blocked(url string) bool
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Temporary reports whether retrying may yield a different status.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= http.StatusInternalServerError
}
