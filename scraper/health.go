package scraper

import (
	"math"
	"time"
)

// Page retirement thresholds.
const (
	maxErrScore = 3.0
	maxPageUses = 50
	maxPageAge  = 50 * time.Minute
)

// pageHealth scores the worker's page. Failures add 1, successes take
// 0.5 off; a page is retired once the score, its use count or its age
// crosses a threshold. Only the worker goroutine touches it.
type pageHealth struct {
	errScore float64
	uses     int
	created  time.Time
}

func newPageHealth(now time.Time) *pageHealth {
	return &pageHealth{created: now}
}

func (h *pageHealth) recordSuccess() {
	h.uses++
	h.errScore = math.Max(0, h.errScore-0.5)
}

func (h *pageHealth) recordFailure() {
	h.uses++
	h.errScore++
}

func (h *pageHealth) shouldRetire(now time.Time) bool {
	return h.errScore >= maxErrScore ||
		h.uses >= maxPageUses ||
		now.Sub(h.created) >= maxPageAge
}
