package sync

import (
	"context"
	"math"
	"time"
)

// Backoff is an exponential retry schedule.
type Backoff struct {
	Base   time.Duration // delay after the first failed attempt
	Max    time.Duration // upper bound for any delay
	Factor float64       // growth per attempt, 2 when zero
}

// DefaultBackoff returns the schedule used when none is configured.
func DefaultBackoff() Backoff {
	return Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2}
}

// NextDelay returns how long to wait after failed attempt number attempt
// (1-based) before trying again. It is a pure function of its input.
func (b Backoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := b.Factor
	if factor <= 0 {
		factor = 2
	}
	d := float64(b.Base) * math.Pow(factor, float64(attempt-1))
	if b.Max > 0 && (d > float64(b.Max) || math.IsInf(d, 0)) {
		return b.Max
	}
	return time.Duration(d)
}

// call runs fn with a per-call timeout, retrying transient failures up to
// MaxAttempts. It returns the number of attempts made.
func (e *Engine) call(ctx context.Context, rep *Report, what string, fn func(ctx context.Context) error) (int, error) {
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		err := fn(callCtx)
		timedOut := callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()

		if err == nil {
			return attempt, nil
		}
		if timedOut && !IsTransient(err) {
			err = &TransientError{Op: what, Err: err}
		}
		if !IsTransient(err) || attempt >= e.cfg.MaxAttempts || ctx.Err() != nil {
			return attempt, err
		}

		delay := e.cfg.Backoff.NextDelay(attempt)
		if hint := retryAfter(err); hint > delay {
			delay = hint
			if limit := e.cfg.Backoff.Max; limit > 0 && delay > limit {
				delay = limit
			}
		}
		if rep != nil {
			rep.addRetry()
		}
		e.logger.Printf("WARNING: %s failed (attempt %d/%d), retrying in %s: %v",
			what, attempt, e.cfg.MaxAttempts, delay, err)
		if err := e.cfg.Sleep(ctx, delay); err != nil {
			return attempt, err
		}
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
