package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"

	"github.com/use-agent/reelfetch/engine"
	"github.com/use-agent/reelfetch/models"
)

const (
	// smallPage is the size under which a page is re-checked for a block.
	smallPage = 1000

	// blockedRecheckDelay is how long a suspected block page gets to clear.
	blockedRecheckDelay = 10 * time.Second

	contentWait  = 10 * time.Second
	fallbackWait = 5 * time.Second
)

var challengeQuery = strings.Join(engine.ChallengeSelectors, ", ")

// navigate drives one page load on the worker's page.
//
//  1. Extra headers and cookies      – must be in place before navigation
//  2. Hijack mount                   – blocks heavy resources
//  3. Navigate + DOM stable          – bounded by NavigationTimeout
//  4. Challenge wait                 – until the interstitial detaches
//  5. Human simulation               – scrolls and mouse moves
//  6. Content selectors              – festival markup, then generic
//  7. Extract                        – HTML, re-read once if it looks blocked
func (b *Browser) navigate(ctx context.Context, page *rod.Page, req *engine.FetchRequest) (*engine.FetchResult, error) {
	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, models.NewFetchError(models.ErrCodeInvalidInput, "invalid url", err)
	}

	// ── 1. Headers and cookies ───────────────────────────────────────
	headers := make(map[string]string, len(req.Headers)+4)
	if b.identity != nil {
		for k, v := range b.identity.Headers {
			headers[k] = v
		}
	}
	if _, ok := req.Headers["Referer"]; !ok {
		headers["Referer"] = "https://www.google.com/search?q=" + url.QueryEscape(target.Hostname())
	}
	for k, v := range req.Headers {
		headers[k] = v
	}
	if err := (proto.NetworkSetExtraHTTPHeaders{Headers: toHeadersMap(headers)}).Call(page); err != nil {
		b.logger.Debug("failed to set extra headers", "error", err)
	}
	if params := toCookieParams(target, req.Cookies); len(params) > 0 {
		if err := page.SetCookies(params); err != nil {
			b.logger.Debug("failed to set cookies", "error", err)
		}
	}

	// ── 2. Hijack ─────────────────────────────────────────────────────
	if router := setupHijack(page, b.cfg.BlockedResourceTypes); router != nil {
		defer func() { _ = router.Stop() }()
	}

	// ── 3. Navigate ───────────────────────────────────────────────────
	navTimeout := b.cfg.NavigationTimeout
	if navTimeout <= 0 {
		navTimeout = 30 * time.Second
	}
	nav := page.Context(ctx).Timeout(navTimeout)
	if err := nav.Navigate(req.URL); err != nil {
		return nil, categorizeError(err, "navigation to target URL failed")
	}
	if err := nav.WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
		b.logger.Debug("WaitDOMStable did not converge, proceeding with current DOM", "error", err)
	}

	p := page.Context(ctx)

	// ── 4. Challenge ──────────────────────────────────────────────────
	if b.hasChallenge(p) {
		b.waitChallenge(ctx, p)
	}

	// ── 5. Human simulation ───────────────────────────────────────────
	if b.cfg.SimulateHuman {
		if err := simulateHuman(ctx, p, newHumanPlan()); err != nil && ctx.Err() != nil {
			return nil, categorizeError(ctx.Err(), "human simulation interrupted")
		}
	}

	// ── 6. Content selectors ──────────────────────────────────────────
	b.waitContent(p)

	// ── 7. Extract ────────────────────────────────────────────────────
	html, err := p.HTML()
	if err != nil {
		return nil, categorizeError(err, "failed to extract page HTML")
	}
	if len(html) < smallPage && looksBlocked(html) {
		b.logger.Warn("page looks blocked, waiting before re-reading", "size", len(html))
		select {
		case <-ctx.Done():
			return nil, categorizeError(ctx.Err(), "waiting on blocked page")
		case <-time.After(blockedRecheckDelay):
		}
		if again, err := p.HTML(); err == nil {
			html = again
		}
	}

	finalURL := evalStringOrEmpty(p, `() => window.location.href`)
	if finalURL == "" {
		finalURL = req.URL
	}
	res := &engine.FetchResult{
		HTML:       html,
		Title:      evalStringOrEmpty(p, `() => document.title`),
		StatusCode: navigationStatus(p),
		FinalURL:   finalURL,
	}
	if cookies, err := p.Cookies([]string{finalURL}); err == nil {
		res.Cookies = toHTTPCookies(cookies)
	}
	return res, nil
}

func (b *Browser) hasChallenge(p *rod.Page) bool {
	has, _, err := p.Has(challengeQuery)
	return err == nil && has
}

// waitChallenge polls until the interstitial is gone or ChallengeTimeout
// passes. A timeout is logged, not returned: the engine judges the page.
func (b *Browser) waitChallenge(ctx context.Context, p *rod.Page) {
	timeout := b.cfg.ChallengeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b.logger.Warn("challenge detected, waiting for it to clear", "timeout", timeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			b.logger.Warn("timed out waiting for challenge to clear")
			return
		case <-tick.C:
			if !b.hasChallenge(p.Context(ctx)) {
				b.logger.Info("challenge cleared")
				return
			}
		}
	}
}

// waitContent waits for site markup, then for any generic container.
func (b *Browser) waitContent(p *rod.Page) {
	if len(b.cfg.WaitSelectors) > 0 {
		if _, err := p.Timeout(contentWait).Element(strings.Join(b.cfg.WaitSelectors, ", ")); err == nil {
			b.logger.Debug("found festival content")
			return
		}
		b.logger.Warn("timed out waiting for festival selectors")
	}
	if len(b.cfg.FallbackSelectors) > 0 {
		if _, err := p.Timeout(fallbackWait).Element(strings.Join(b.cfg.FallbackSelectors, ", ")); err != nil {
			b.logger.Warn("timed out waiting for general content selectors")
		}
	}
}

// looksBlocked reports a small page that mentions the bot defense.
func looksBlocked(html string) bool {
	lower := strings.ToLower(html)
	return strings.Contains(lower, "cloudflare") ||
		strings.Contains(lower, "challenge") ||
		strings.Contains(lower, "checking your browser")
}

// navigationStatus reads the document's HTTP status from the Navigation
// Timing API, or 0 when it is unavailable.
func navigationStatus(p *rod.Page) int {
	res, err := p.Eval(`() => {
		try {
			const entries = performance.getEntriesByType("navigation");
			if (entries.length > 0) return entries[0].responseStatus || 0;
		} catch(e) {}
		return 0;
	}`)
	if err != nil {
		return 0
	}
	return res.Value.Int()
}

// evalStringOrEmpty evaluates a JS expression and returns the string result,
// swallowing any errors (useful for optional metadata extraction).
func evalStringOrEmpty(page *rod.Page, js string) string {
	res, err := page.Eval(js)
	if err != nil {
		return ""
	}
	return res.Value.Str()
}

// toHeadersMap converts a plain string map to the proto.NetworkHeaders type
// (map[string]gson.JSON) required by NetworkSetExtraHTTPHeaders.
func toHeadersMap(headers map[string]string) proto.NetworkHeaders {
	m := make(proto.NetworkHeaders, len(headers))
	for k, v := range headers {
		m[k] = gson.New(v)
	}
	return m
}

func toCookieParams(target *url.URL, cookies []http.Cookie) []*proto.NetworkCookieParam {
	out := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		domain := c.Domain
		if domain == "" {
			domain = target.Hostname()
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		out = append(out, &proto.NetworkCookieParam{
			Name:   c.Name,
			Value:  c.Value,
			Domain: domain,
			Path:   path,
		})
	}
	return out
}

func toHTTPCookies(cookies []*proto.NetworkCookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0)
		}
		out = append(out, hc)
	}
	return out
}

// categorizeError wraps raw errors into typed FetchErrors so the API layer
// can map them to appropriate HTTP status codes.
func categorizeError(err error, msg string) *models.FetchError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewFetchError(models.ErrCodeTimeout, msg, err)
	case errors.Is(err, context.Canceled):
		return models.NewFetchError(models.ErrCodeTimeout, "request canceled", err)
	default:
		return models.NewFetchError(models.ErrCodeNavigation, msg, err)
	}
}
