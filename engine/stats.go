package engine

import (
	"sync"
	"time"
)

// EngineStats is a point-in-time copy of an engine's counters.
type EngineStats struct {
	Requests        int64         `json:"requests"`
	Successes       int64         `json:"successes"`
	Failures        int64         `json:"failures"`
	Retries         int64         `json:"retries"`
	TotalTime       time.Duration `json:"total_time"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	SuccessRate     float64       `json:"success_rate"`
}

// Stats accumulates per-attempt outcomes. The zero value is ready to use.
type Stats struct {
	mu        sync.Mutex
	requests  int64
	successes int64
	failures  int64
	retries   int64
	totalTime time.Duration
}

// RecordSuccess counts one successful attempt that took elapsed.
func (s *Stats) RecordSuccess(elapsed time.Duration) {
	s.mu.Lock()
	s.requests++
	s.successes++
	s.totalTime += elapsed
	s.mu.Unlock()
}

// RecordFailure counts one failed attempt and the retry it consumes.
func (s *Stats) RecordFailure() {
	s.mu.Lock()
	s.requests++
	s.failures++
	s.retries++
	s.mu.Unlock()
}

// Snapshot returns the counters with derived averages.
func (s *Stats) Snapshot() EngineStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := EngineStats{
		Requests:  s.requests,
		Successes: s.successes,
		Failures:  s.failures,
		Retries:   s.retries,
		TotalTime: s.totalTime,
	}
	if s.successes > 0 {
		out.AvgResponseTime = s.totalTime / time.Duration(s.successes)
	}
	if s.requests > 0 {
		out.SuccessRate = float64(s.successes) / float64(s.requests)
	}
	return out
}
