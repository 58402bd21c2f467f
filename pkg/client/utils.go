package client

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// Errors that can occur during client operations
var (
	// ErrNotConnected indicates the client is not connected to the server
	ErrNotConnected = errors.New("not connected to server")

	// ErrInvalidOptions indicates invalid client options
	ErrInvalidOptions = errors.New("invalid client options")

	// ErrKeyNotFound indicates a key was not found
	ErrKeyNotFound = errors.New("key not found")
)

// RetryPolicy controls how idempotent requests are retried
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         float64
}

// IsRetryableError returns true if the error is considered transient
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// delay returns how long to wait before retry number attempt (starting at 0),
// growing by BackoffFactor and capped at MaxBackoff once jitter is applied
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.InitialBackoff) * math.Pow(p.BackoffFactor, float64(attempt))
	if p.Jitter > 0 {
		d += d * p.Jitter * rand.Float64()
	}
	if limit := float64(p.MaxBackoff); p.MaxBackoff > 0 && d > limit {
		d = limit
	}
	return time.Duration(d)
}

// WithRetry calls fn until it succeeds or returns a permanent error. It gives
// up after MaxRetries retries or when ctx is done.
func WithRetry(ctx context.Context, policy RetryPolicy, fn RetryableFunc) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !IsRetryableError(err) || attempt >= policy.MaxRetries {
			return err
		}

		timer := time.NewTimer(policy.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
