package upstream

import (
	"math/rand"
	"time"
)

// RetryConfig tunes the bounded exponential backoff applied between
// transient-failure retries within a single attempt.
type RetryConfig struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
	Jitter     time.Duration
}

// jitterFunc is swappable in tests so backoff delays are assertable
// without flaking on randomness.
var jitterFunc = rand.Int63n

// backoffDelay returns the delay before retry i (0-indexed): min(max,
// base*2^i) plus a uniform random jitter in [0, jitter).
func backoffDelay(i int, cfg RetryConfig) time.Duration {
	delay := cfg.Base << uint(i)
	if delay < 0 || delay > cfg.Max {
		delay = cfg.Max
	}
	if cfg.Jitter > 0 {
		delay += time.Duration(jitterFunc(int64(cfg.Jitter)))
	}
	return delay
}
