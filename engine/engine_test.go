package engine

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	tests := map[string]Kind{
		"http":         KindHTTP,
		"requests":     KindHTTP,
		"Solver":       KindSolver,
		"cloudscraper": KindSolver,
		" browser ":    KindBrowser,
		"playwright":   KindBrowser,
		"rod":          KindBrowser,
	}
	for in, want := range tests {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseKind("selenium")
	assert.Error(t, err)
}

func TestParseKinds(t *testing.T) {
	got, err := ParseKinds([]string{"cloudscraper", "requests", "playwright"})
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindSolver, KindHTTP, KindBrowser}, got)

	_, err = ParseKinds([]string{"http", "curl"})
	assert.Error(t, err)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "http", KindHTTP.String())
	assert.Equal(t, "solver", KindSolver.String())
	assert.Equal(t, "browser", KindBrowser.String())
	assert.Equal(t, "kind(7)", Kind(7).String())
}

func TestStatsSnapshot(t *testing.T) {
	var s Stats
	assert.Equal(t, EngineStats{}, s.Snapshot())

	s.RecordFailure()
	s.RecordSuccess(2 * time.Second)
	s.RecordSuccess(4 * time.Second)

	got := s.Snapshot()
	assert.Equal(t, int64(3), got.Requests)
	assert.Equal(t, int64(2), got.Successes)
	assert.Equal(t, int64(1), got.Failures)
	assert.Equal(t, int64(1), got.Retries)
	assert.Equal(t, 6*time.Second, got.TotalTime)
	assert.Equal(t, 3*time.Second, got.AvgResponseTime)
	assert.InDelta(t, 2.0/3.0, got.SuccessRate, 1e-9)
}

func TestIdentityRotatorAlwaysChanges(t *testing.T) {
	r := NewIdentityRotator()
	prev := r.Current()
	for range 50 {
		next := r.Rotate()
		assert.NotEqual(t, prev.UserAgent+prev.Hello.Str(), next.UserAgent+next.Hello.Str())
		assert.Equal(t, next, r.Current())
		prev = next
	}
}

func TestIdentityApply(t *testing.T) {
	h := http.Header{}
	id := identities[0]
	id.Apply(h)
	assert.Equal(t, id.UserAgent, h.Get("User-Agent"))
	assert.Equal(t, "identity", h.Get("Accept-Encoding"))
	assert.Equal(t, `"Windows"`, h.Get("sec-ch-ua-platform"))
}

func TestStatusErrorIs(t *testing.T) {
	err := error(&StatusError{Code: 502})
	assert.ErrorIs(t, err, ErrBadStatus)
	assert.NotErrorIs(t, err, ErrChallenge)
	assert.Equal(t, "engine: status 502", err.Error())
}
