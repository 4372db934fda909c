package taskclient

import (
	"math"
	"math/rand"
	"time"
)

// RetryConfig controls how Follow re-subscribes after a stream ends early.
type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryConfig is used by the CLI and the tracker.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  10 * time.Second,
	}
}

func (r RetryConfig) normalized() RetryConfig {
	cfg := r
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	return cfg
}

func (r RetryConfig) backoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	base := float64(r.BaseBackoff) * math.Pow(2, float64(attempt-2))
	if limit := float64(r.MaxBackoff); base > limit {
		base = limit
	}
	// jitter 0.5x..1.5x
	d := time.Duration(base * (0.5 + rand.Float64()))
	if d > r.MaxBackoff {
		d = r.MaxBackoff
	}
	return d
}
