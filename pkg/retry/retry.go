package retry

import (
	"context"
	"errors"
	"time"
)

// Status is the terminal state of a retried operation.
type Status int

const (
	Succeeded Status = iota
	Exhausted
	Canceled
	Aborted // op returned a Permanent error
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	case Canceled:
		return "canceled"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Policy bounds how often and how fast an operation is retried.
// It is safe to copy and to share between goroutines.
type Policy struct {
	// MaxAttempts is the total number of tries including the first (<= 0 means 1).
	MaxAttempts int
	// Delay is the wait before the second attempt.
	Delay time.Duration
	// Multiplier grows Delay after every failed attempt. Values <= 1 keep a fixed delay.
	Multiplier float64
	// MaxDelay caps the grown delay (0 = no cap).
	MaxDelay time.Duration
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Outcome reports how a retried operation ended.
type Outcome struct {
	Status   Status
	Attempts int
	// Err is the last error observed; nil when Status is Succeeded.
	Err error
}

// OK reports whether the operation eventually succeeded.
func (o Outcome) OK() bool { return o.Status == Succeeded }

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying; Do stops immediately with status Aborted.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs op until it succeeds, the attempts are used up, op returns a
// Permanent error, or ctx is done. The attempt number passed to op starts at 1.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) Outcome {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	wait := p.Delay

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Status: Canceled, Attempts: attempt - 1, Err: firstNonNil(lastErr, err)}
		}

		err := op(ctx, attempt)
		if err == nil {
			return Outcome{Status: Succeeded, Attempts: attempt}
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return Outcome{Status: Aborted, Attempts: attempt, Err: perm.err}
		}
		if attempt == maxAttempts {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Outcome{Status: Canceled, Attempts: attempt, Err: lastErr}
			case <-timer.C:
			}
		}
		wait = p.next(wait)
	}

	return Outcome{Status: Exhausted, Attempts: maxAttempts, Err: lastErr}
}

func (p Policy) next(wait time.Duration) time.Duration {
	if p.Multiplier <= 1 {
		return wait
	}
	wait = time.Duration(float64(wait) * p.Multiplier)
	if p.MaxDelay > 0 && wait > p.MaxDelay {
		wait = p.MaxDelay
	}
	return wait
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
