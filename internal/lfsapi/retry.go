// Package lfsapi implements the client side of the large-object batch and
// transfer protocol. This file contains retry policy for transfers.
package lfsapi

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"time"
)

const (
	// defaultMaxAttempts bounds transfer attempts per object.
	defaultMaxAttempts = 3

	defaultBaseDelay = 500 * time.Millisecond
	defaultMaxDelay  = 5 * time.Second
)

// Retryer retries transient transfer failures with exponential backoff.
//
// Thread Safety: all fields are immutable configuration values set at
// creation time, so a Retryer is safe for concurrent use.
type Retryer struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	wait        func(ctx context.Context, d time.Duration) error
}

// NewRetryer returns a Retryer with the default transfer policy.
func NewRetryer() *Retryer {
	return &Retryer{
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
		wait:        waitBackoff,
	}
}

// NewRetryerWithPolicy returns a Retryer with explicit bounds, used by tests
// to avoid real delays.
func NewRetryerWithPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *Retryer {
	return &Retryer{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		wait:        waitBackoff,
	}
}

// Do runs op, retrying retryable failures until the attempt budget is spent
// or ctx is cancelled. The last error is returned. Cancellation interrupts
// the backoff wait, not just the gap between attempts.
func (r *Retryer) Do(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == r.maxAttempts {
			return err
		}

		if waitErr := r.wait(ctx, r.delay(attempt)); waitErr != nil {
			return waitErr
		}
	}
	return err
}

// waitBackoff blocks for d or until ctx is done, whichever comes first.
func waitBackoff(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// delay computes exponential backoff with ±25% jitter to avoid synchronized
// retries from concurrent processes.
func (r *Retryer) delay(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * r.baseDelay

	jitterRange := int64(float64(d) * 0.25)
	if jitterRange > 0 {
		d += time.Duration(rand.Int63n(2*jitterRange) - jitterRange)
	}

	if d > r.maxDelay {
		d = r.maxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// IsRetryable classifies a transfer error as transient.
// Server-side errors (5xx) and rate limiting are retried; client errors,
// auth failures, and context cancellation are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == 429
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Plain connection-level failures (reset, refused) arrive as *net.OpError
	// wrapped in url.Error; both satisfy net.Error above. Anything else is
	// treated as permanent to avoid retry loops on logic errors.
	return false
}
