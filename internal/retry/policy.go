package retry

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy controls how many times a branch is attempted and how long it waits
// between attempts. Delays grow exponentially from FirstRetryInterval and are
// capped at MaxRetryInterval.
type Policy struct {
	FirstRetryInterval time.Duration
	BackoffCoefficient float64 // 1 = fixed backoff
	MaxRetryInterval   time.Duration
	MaxAttempts        int     // total attempts, including the first
	JitterPercent      float64 // +/- fraction applied to each delay (0.0-1.0)
}

// Default is the policy every branch runs with unless overridden: first retry
// after 5s, doubling, at most 3 attempts.
func Default() Policy {
	return Policy{
		FirstRetryInterval: 5 * time.Second,
		BackoffCoefficient: 2,
		MaxRetryInterval:   time.Minute,
		MaxAttempts:        3,
	}
}

// Validate rejects unbounded or nonsensical policies
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("retry: max attempts must be at least 1")
	}
	if p.FirstRetryInterval <= 0 {
		return errors.New("retry: first retry interval must be positive")
	}
	if p.BackoffCoefficient < 1 {
		return errors.New("retry: backoff coefficient must be >= 1")
	}
	if p.MaxRetryInterval > 0 && p.MaxRetryInterval < p.FirstRetryInterval {
		return errors.New("retry: max retry interval is shorter than the first retry interval")
	}
	if p.JitterPercent < 0 || p.JitterPercent > 1 {
		return errors.New("retry: jitter percent must be within [0, 1]")
	}
	return nil
}

// Delay returns the wait before retry n, where n=1 is the retry that follows
// the first failed attempt.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	coef := p.BackoffCoefficient
	if coef < 1 {
		coef = 1
	}
	base := float64(p.FirstRetryInterval) * math.Pow(coef, float64(n-1))
	if p.MaxRetryInterval > 0 && base > float64(p.MaxRetryInterval) {
		base = float64(p.MaxRetryInterval)
	}
	if p.JitterPercent > 0 {
		// jitter: +/- jitterPct
		j := 1 + (rand.Float64()*2-1)*p.JitterPercent
		if j < 0.1 {
			j = 0.1
		}
		base *= j
	}
	return time.Duration(base)
}
