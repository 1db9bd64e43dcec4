package dispatch

import (
	"context"
	"time"
)

// RetryPolicy is an exponential backoff schedule.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	Factor    float64
	// AttemptTimeout bounds each individual call.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy waits 2s then 4s between three attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 2 * time.Second, Factor: 2, AttemptTimeout: 20 * time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Factor < 1 {
		p.Factor = 1
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = 20 * time.Second
	}
	return p
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
	}
	return time.Duration(d)
}

// do runs fn until it succeeds, attempts are exhausted or ctx ends.
func (p RetryPolicy) do(ctx context.Context, fn func(context.Context) error) (int, error) {
	p = p.normalized()

	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
		err = fn(callCtx)
		cancel()
		if err == nil {
			return attempt, nil
		}
		if attempt == p.Attempts {
			return attempt, err
		}

		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return p.Attempts, err
}
