package stream

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Reconnect delay defaults.
const (
	DefaultMinRetryDelay = time.Second
	DefaultMaxRetryDelay = 30 * time.Second
)

// exponentialBackOff wraps backoff.ExponentialBackOff so that it never
// returns backoff.Stop: once MaxElapsedTime would have been exceeded it
// keeps returning MaxInterval.
type exponentialBackOff struct {
	*backoff.ExponentialBackOff
}

// NewBackOff returns the default reconnect policy: jittered exponential
// growth from minDelay up to maxDelay that never gives up.
func NewBackOff(minDelay, maxDelay time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minDelay
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return exponentialBackOff{b}
}

func (b exponentialBackOff) NextBackOff() time.Duration {
	d := b.ExponentialBackOff.NextBackOff()
	if d == backoff.Stop {
		return b.MaxInterval
	}
	return d
}

// retryDelay clamps the policy's next delay between the floor (the
// larger of minDelay and the server-announced retry) and maxDelay.
func retryDelay(b backoff.BackOff, minDelay, maxDelay, serverRetry time.Duration) time.Duration {
	d := b.NextBackOff()
	if d == backoff.Stop {
		d = maxDelay
	}
	floor := max(minDelay, serverRetry)
	if d < floor {
		d = floor
	}
	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	return d
}
