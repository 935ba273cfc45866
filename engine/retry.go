package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Policy is the exponential backoff schedule shared by every engine.
type Policy struct {
	MaxRetries int           // default: 5
	RetryDelay time.Duration // default: 2s

	// Jitter returns the random extra added to every backoff.
	// Default: uniform in [0, 1s).
	Jitter func() time.Duration

	// Sleep blocks for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns the stock retry schedule.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 5, RetryDelay: 2 * time.Second}
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 5
	}
	if p.RetryDelay < 0 {
		p.RetryDelay = 0
	}
	if p.Jitter == nil {
		p.Jitter = func() time.Duration { return rand.N(time.Second) }
	}
	if p.Sleep == nil {
		p.Sleep = sleepCtx
	}
	return p
}

// maxBackoff caps the exponential part of a wait.
const maxBackoff = 5 * time.Minute

// Backoff is the wait after the failed attempt with zero-based index attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	d := maxBackoff
	if attempt < 32 && p.RetryDelay <= maxBackoff>>attempt {
		d = p.RetryDelay << attempt
	}
	return d + p.Jitter()
}

// Session is the client state a retry loop may reshape between attempts.
type Session interface {
	// RotateIdentity switches user agent and fingerprint.
	RotateIdentity()

	// ClearState drops cookies and other accumulated session state.
	ClearState()

	// Escalate reacts to a failed attempt before the next one, e.g. by
	// rebuilding the session when err wraps ErrChallenge.
	Escalate(err error)
}

// Retrier bundles what Retry needs from an engine.
type Retrier struct {
	Policy  Policy
	Stats   *Stats
	Session Session
	Logger  *slog.Logger
}

// RetryError is returned once every attempt has failed.
type RetryError struct {
	Attempts int
	Last     error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("engine: failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryError) Unwrap() error { return e.Last }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry runs op until it succeeds or the policy is exhausted.
//
// After a failure the session is escalated, the loop sleeps for the
// backoff, then rotates identity; once more than half the budget is spent
// it also clears session state. No sleep follows the final attempt.
func Retry[T any](ctx context.Context, r Retrier, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	p := r.Policy.withDefaults()
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stats := r.Stats
	if stats == nil {
		stats = &Stats{}
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, &RetryError{Attempts: attempt, Last: err}
		}

		start := time.Now()
		result, err := op(ctx, attempt)
		if err == nil {
			stats.RecordSuccess(time.Since(start))
			return result, nil
		}
		stats.RecordFailure()
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, &RetryError{Attempts: attempt + 1, Last: perm.err}
		}
		if r.Session != nil {
			r.Session.Escalate(err)
		}
		if attempt == p.MaxRetries-1 {
			break
		}

		wait := p.Backoff(attempt)
		logger.Warn("attempt failed, backing off",
			"attempt", attempt+1,
			"max", p.MaxRetries,
			"wait", wait,
			"error", err,
		)
		if err := p.Sleep(ctx, wait); err != nil {
			return zero, &RetryError{Attempts: attempt + 1, Last: err}
		}

		if r.Session != nil {
			r.Session.RotateIdentity()
			if attempt+1 > p.MaxRetries/2 {
				logger.Info("clearing session state for a fresh identity", "attempt", attempt+1)
				r.Session.ClearState()
			}
		}
	}
	return zero, &RetryError{Attempts: p.MaxRetries, Last: lastErr}
}

// sleepCtx waits d or returns ctx's error if it ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// uniform returns a random duration in [lo, hi].
func uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
