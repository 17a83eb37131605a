package resilience

import "time"

// RetryPolicy bounds how long one logical call may keep a backend busy.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// AttemptTimeout caps a single attempt; zero leaves it to the caller ctx.
	AttemptTimeout time.Duration
}

type BreakerPolicy struct {
	Enabled          bool
	MinRequests      uint32
	FailureRatio     float64
	OpenTimeout      time.Duration
	HalfOpenMaxCalls uint32
}

type Policy struct {
	Retry   RetryPolicy
	Breaker BreakerPolicy
}

// BackendPolicy is used for LLM backends. Retries stay short because a
// failing backend is skipped in favour of the next one in its chain.
func BackendPolicy() Policy {
	return Policy{
		Retry: RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     400 * time.Millisecond,
			Multiplier:     2,
		},
		Breaker: BreakerPolicy{
			Enabled:          true,
			MinRequests:      10,
			FailureRatio:     0.5,
			OpenTimeout:      30 * time.Second,
			HalfOpenMaxCalls: 2,
		},
	}
}

// PublishPolicy is used for NATS publishes, where there is no alternative
// transport to fall through to.
func PublishPolicy() Policy {
	return Policy{
		Retry: RetryPolicy{
			MaxAttempts:    4,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     time.Second,
			Multiplier:     2,
			AttemptTimeout: 2 * time.Second,
		},
		Breaker: BreakerPolicy{
			Enabled:          true,
			MinRequests:      5,
			FailureRatio:     0.6,
			OpenTimeout:      10 * time.Second,
			HalfOpenMaxCalls: 1,
		},
	}
}

func (p Policy) normalize() Policy {
	def := BackendPolicy()
	r := &p.Retry
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = def.Retry.MaxAttempts
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = def.Retry.InitialBackoff
	}
	if r.MaxBackoff < r.InitialBackoff {
		r.MaxBackoff = r.InitialBackoff
	}
	if r.Multiplier < 1 {
		r.Multiplier = def.Retry.Multiplier
	}
	if r.AttemptTimeout < 0 {
		r.AttemptTimeout = 0
	}

	b := &p.Breaker
	if b.MinRequests == 0 {
		b.MinRequests = def.Breaker.MinRequests
	}
	if b.FailureRatio <= 0 || b.FailureRatio > 1 {
		b.FailureRatio = def.Breaker.FailureRatio
	}
	if b.OpenTimeout <= 0 {
		b.OpenTimeout = def.Breaker.OpenTimeout
	}
	if b.HalfOpenMaxCalls == 0 {
		b.HalfOpenMaxCalls = def.Breaker.HalfOpenMaxCalls
	}
	return p
}

// backoff returns the wait before attempt n+1, n starting at 1.
func (r RetryPolicy) backoff(n int) time.Duration {
	wait := r.InitialBackoff
	for i := 1; i < n; i++ {
		wait = time.Duration(float64(wait) * r.Multiplier)
		if wait >= r.MaxBackoff {
			return r.MaxBackoff
		}
	}
	return wait
}
