package transport

import (
	backoff "github.com/cenkalti/backoff/v5"
)

// newReconnectBackoff builds the reconnect delay schedule: the base interval
// doubles on every failed attempt and is capped at the configured maximum.
// Jitter is disabled so the schedule stays deterministic.
func newReconnectBackoff(opts Options) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.ReconnectInterval
	bo.MaxInterval = opts.MaxReconnectInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()
	return bo
}
