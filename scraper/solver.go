package scraper

import (
	"context"
	"fmt"
	"net/http"

	"github.com/use-agent/reelfetch/engine"
)

var _ engine.Solver = (*Browser)(nil)

// Solve loads pageURL in the browser, lets the challenge run and returns
// the cookies the site granted. It implements engine.Solver.
func (b *Browser) Solve(ctx context.Context, pageURL, _ string) ([]*http.Cookie, error) {
	res, err := b.Navigate(ctx, &engine.FetchRequest{URL: pageURL})
	if err != nil {
		return nil, fmt.Errorf("scraper: solve %s: %w", pageURL, err)
	}
	if engine.IsChallengePage(res.HTML) {
		return nil, fmt.Errorf("scraper: solve %s: %w", pageURL, engine.ErrChallenge)
	}
	if len(res.Cookies) == 0 {
		return nil, fmt.Errorf("scraper: solve %s: no cookies granted", pageURL)
	}
	b.logger.Info("challenge cleared in browser", "url", pageURL, "cookies", len(res.Cookies))
	return res.Cookies, nil
}
