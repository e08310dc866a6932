package source

import (
	"context"
	"errors"
	"time"

	applog "poolcal/internal/log"
)

// Retrier runs an operation through an explicit attempt state machine:
// ATTEMPT -> (success) DONE, or (retryable failure) WAIT -> ATTEMPT,
// until the attempt budget is spent, then FAILED. Only errors marked
// ErrUnavailable are retried; anything else terminates immediately.
type Retrier struct {
	// Attempts is the total attempt budget (minimum 1).
	Attempts int
	// BaseDelay is the wait after the first failure; each subsequent
	// wait doubles, capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

type retryPhase int

const (
	phaseAttempt retryPhase = iota
	phaseWait
	phaseDone
	phaseFailed
)

// Do executes op under the retry state machine. The context bounds the
// whole schedule including waits; on context expiry the last error is
// returned wrapped as ErrUnavailable.
func (r Retrier) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := r.BaseDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := r.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	var lastErr error
	attempt := 0
	phase := phaseAttempt

	for {
		switch phase {
		case phaseAttempt:
			attempt++
			lastErr = op(ctx)
			switch {
			case lastErr == nil:
				phase = phaseDone
			case !errors.Is(lastErr, ErrUnavailable):
				phase = phaseFailed
			case attempt >= attempts:
				phase = phaseFailed
			default:
				phase = phaseWait
			}

		case phaseWait:
			applog.Warn("source: retrying after failure",
				"op", name, "attempt", attempt, "of", attempts, "delay", delay.String(), "err", lastErr.Error())
			select {
			case <-ctx.Done():
				lastErr = errors.Join(ErrUnavailable, ctx.Err())
				phase = phaseFailed
			case <-time.After(delay):
				delay *= 2
				if delay > maxDelay {
					delay = maxDelay
				}
				phase = phaseAttempt
			}

		case phaseDone:
			return nil

		case phaseFailed:
			return lastErr
		}
	}
}
