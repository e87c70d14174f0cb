// Package retry re-runs transient fetch failures with jittered exponential
// backoff.
package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config bounds retries. Zero values take the defaults below.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 250 * time.Millisecond
	defaultMaxDelay    = 5 * time.Second
)

// Policy decides which errors are retried and how long to wait between
// attempts.
type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// New builds a Policy.
func New(cfg Config) *Policy {
	p := &Policy{maxAttempts: cfg.MaxAttempts, baseDelay: cfg.BaseDelay, maxDelay: cfg.MaxDelay}
	if p.maxAttempts <= 0 {
		p.maxAttempts = defaultMaxAttempts
	}
	if p.baseDelay <= 0 {
		p.baseDelay = defaultBaseDelay
	}
	if p.maxDelay < p.baseDelay {
		p.maxDelay = max(defaultMaxDelay, p.baseDelay)
	}
	return p
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx ends. The last error is returned.
func (p *Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.baseDelay
	b.MaxInterval = p.maxDelay
	b.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.maxAttempts-1)), ctx)

	return backoff.Retry(func() error {
		err := fn(ctx)
		if err != nil && !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

type temporary interface {
	Temporary() bool
}

// Retryable treats context errors as final, network errors as retryable only
// on timeout, and defers to a Temporary method when the error chain has one.
// Anything else is retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var t temporary
	if errors.As(err, &t) {
		if _, isNet := t.(net.Error); !isNet {
			return t.Temporary()
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}
