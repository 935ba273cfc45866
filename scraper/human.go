package scraper

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

type scrollStep struct {
	dy    float64
	pause time.Duration
}

type moveStep struct {
	to    proto.Point
	pause time.Duration
}

// humanPlan is a randomized sequence of page interactions.
type humanPlan struct {
	scrolls    []scrollStep
	moves      []moveStep
	hover      bool
	finalPause time.Duration
}

// newHumanPlan draws 1-3 scrolls of 300-700px, 2-5 mouse moves inside
// (100-800, 100-600), a hover on a link with 30% chance and a closing
// pause of 1-3s.
func newHumanPlan() humanPlan {
	var h humanPlan
	for range 1 + rand.IntN(3) {
		h.scrolls = append(h.scrolls, scrollStep{
			dy:    float64(300 + rand.IntN(401)),
			pause: between(500*time.Millisecond, 2*time.Second),
		})
	}
	for range 2 + rand.IntN(4) {
		h.moves = append(h.moves, moveStep{
			to:    proto.Point{X: float64(100 + rand.IntN(701)), Y: float64(100 + rand.IntN(501))},
			pause: between(100*time.Millisecond, 500*time.Millisecond),
		})
	}
	h.hover = rand.Float64() < 0.3
	h.finalPause = between(time.Second, 3*time.Second)
	return h
}

func between(lo, hi time.Duration) time.Duration {
	return lo + rand.N(hi-lo+1)
}

// simulateHuman plays plan on p. Interaction errors are ignored; only a
// cancelled context stops it early.
func simulateHuman(ctx context.Context, p *rod.Page, plan humanPlan) error {
	for _, s := range plan.scrolls {
		_ = p.Mouse.Scroll(0, s.dy, 1)
		if err := pause(ctx, s.pause); err != nil {
			return err
		}
	}
	for _, m := range plan.moves {
		_ = p.Mouse.MoveTo(m.to)
		if err := pause(ctx, m.pause); err != nil {
			return err
		}
	}
	if plan.hover {
		if els, err := p.Elements("a, button, input, select"); err == nil && len(els) > 0 {
			_ = els[rand.IntN(min(6, len(els)))].Hover()
		}
	}
	return pause(ctx, plan.finalPause)
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
