package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSession struct {
	rotations   int
	clears      int
	escalations []error
}

func (s *recordingSession) RotateIdentity()    { s.rotations++ }
func (s *recordingSession) ClearState()        { s.clears++ }
func (s *recordingSession) Escalate(err error) { s.escalations = append(s.escalations, err) }

type recordingSleeper struct {
	waits []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return ctx.Err()
}

func testRetrier(max int) (Retrier, *recordingSession, *recordingSleeper) {
	sess := &recordingSession{}
	sl := &recordingSleeper{}
	return Retrier{
		Policy: Policy{
			MaxRetries: max,
			RetryDelay: 2 * time.Second,
			Jitter:     func() time.Duration { return 250 * time.Millisecond },
			Sleep:      sl.Sleep,
		},
		Stats:   &Stats{},
		Session: sess,
	}, sess, sl
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	r, sess, sl := testRetrier(5)
	boom := errors.New("boom")
	calls := 0

	got, err := Retry(context.Background(), r, func(ctx context.Context, attempt int) (string, error) {
		assert.Equal(t, calls, attempt)
		calls++
		if calls <= 2 {
			return "", boom
		}
		return "content", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "content", got)
	assert.Equal(t, 3, calls)

	s := r.Stats.Snapshot()
	assert.Equal(t, int64(1), s.Successes)
	assert.Equal(t, int64(2), s.Retries)
	assert.Equal(t, int64(2), s.Failures)
	assert.Equal(t, int64(3), s.Requests)
	assert.InDelta(t, 1.0/3.0, s.SuccessRate, 1e-9)

	assert.Equal(t, []time.Duration{
		2*time.Second + 250*time.Millisecond,
		4*time.Second + 250*time.Millisecond,
	}, sl.waits)
	assert.Equal(t, 2, sess.rotations)
	assert.Zero(t, sess.clears, "budget not half spent")
	assert.Len(t, sess.escalations, 2)
}

func TestRetryExhausted(t *testing.T) {
	r, sess, sl := testRetrier(5)
	boom := errors.New("still broken")
	calls := 0

	_, err := Retry(context.Background(), r, func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, boom
	})

	var re *RetryError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 5, re.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "5 attempts")
	assert.Equal(t, 5, calls)

	s := r.Stats.Snapshot()
	assert.Equal(t, int64(5), s.Failures)
	assert.Zero(t, s.Successes)
	assert.Zero(t, s.SuccessRate)

	assert.Len(t, sl.waits, 4, "no sleep after the final attempt")
	assert.Equal(t, 4, sess.rotations)
	assert.Equal(t, 2, sess.clears, "cleared after attempts 3 and 4")
	assert.Len(t, sess.escalations, 5)
}

func TestRetryPermanentStopsEarly(t *testing.T) {
	r, _, sl := testRetrier(5)
	bad := errors.New("bad url")
	calls := 0
	_, err := Retry(context.Background(), r, func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, Permanent(bad)
	})
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sl.waits)
}

func TestRetryStopsOnCancel(t *testing.T) {
	r, _, _ := testRetrier(5)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Retry(ctx, r, func(ctx context.Context, attempt int) (int, error) {
		calls++
		cancel()
		return 0, errors.New("flaky")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryEscalatesChallenge(t *testing.T) {
	r, sess, _ := testRetrier(2)
	_, _ = Retry(context.Background(), r, func(ctx context.Context, attempt int) (int, error) {
		return 0, &StatusError{Code: 503, CFRay: "abc"}
	})
	require.Len(t, sess.escalations, 2)
	assert.ErrorIs(t, sess.escalations[0], ErrBadStatus)
}

func TestBackoffGrowsExponentially(t *testing.T) {
	p := Policy{RetryDelay: time.Second, Jitter: func() time.Duration { return 0 }}
	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 8*time.Second, p.Backoff(3))
}

func TestBackoffIsCapped(t *testing.T) {
	p := Policy{RetryDelay: 2 * time.Second, Jitter: func() time.Duration { return 0 }}
	assert.Equal(t, maxBackoff, p.Backoff(8))
	for _, attempt := range []int{33, 63, 64, 100} {
		assert.Equal(t, maxBackoff, p.Backoff(attempt), "attempt %d", attempt)
	}
	p.RetryDelay = time.Hour
	assert.Equal(t, maxBackoff, p.Backoff(0))
}

func TestUniformBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := uniform(time.Second, 3*time.Second)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
	assert.Equal(t, time.Second, uniform(time.Second, time.Second))
}
