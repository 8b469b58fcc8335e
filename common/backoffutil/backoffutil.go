// Package backoffutil centralizes the exponential-backoff policy used by
// the session manager's retry loops: session allocation and lease renewal.
// The CAS retry loops in lockmgr, coordination and gc retry immediately
// without backoff, and transport sends are not retried.
package backoffutil

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures an exponential backoff with the bounds spec.md §5
// names: initial delay, max delay, and (optionally) a cap on total elapsed
// retry time. A zero MaxElapsed means retry indefinitely until the caller's
// context is cancelled.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	MaxElapsed time.Duration
}

// DefaultPolicy matches spec.md §5's defaults (1s doubling to 12s).
var DefaultPolicy = Policy{Initial: time.Second, Max: 12 * time.Second}

func (p Policy) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.Multiplier = 2
	if p.Initial > 0 {
		eb.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		eb.MaxInterval = p.Max
	}
	eb.MaxElapsedTime = p.MaxElapsed
	return backoff.WithContext(eb, ctx)
}

// Retry runs fn until it succeeds, ctx is cancelled, or the policy's
// MaxElapsed is exhausted (if non-zero), sleeping per the exponential
// backoff schedule between attempts.
func Retry(ctx context.Context, p Policy, fn func() error) error {
	return backoff.Retry(fn, p.newBackOff(ctx))
}

// RetryNotify behaves like Retry but invokes notify before each sleep, so
// callers can log the retry (e.g. "store CAS conflict, retrying").
func RetryNotify(ctx context.Context, p Policy, fn func() error, notify func(err error, wait time.Duration)) error {
	return backoff.RetryNotify(fn, p.newBackOff(ctx), notify)
}
