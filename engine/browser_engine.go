package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Navigator drives one real browser page. scraper.Browser implements it;
// the engine package only depends on this interface to avoid importing rod.
type Navigator interface {
	// Navigate loads req.URL and returns the rendered document.
	Navigate(ctx context.Context, req *FetchRequest) (*FetchResult, error)

	// SetIdentity applies the user agent of id to subsequent navigations.
	SetIdentity(ctx context.Context, id Identity) error

	// ClearState drops cookies and storage.
	ClearState(ctx context.Context) error

	// Reset replaces the page with a fresh one.
	Reset(ctx context.Context) error

	Close() error
}

// BrowserOptions configures BrowserEngine.
type BrowserOptions struct {
	Timeout time.Duration // per attempt; default: 90s
	Policy  Policy

	// Proxy is the proxy the browser was launched with, reported in results.
	Proxy string
}

// BrowserEngine fetches pages through a Navigator and retries them with
// the shared policy.
type BrowserEngine struct {
	nav     Navigator
	opts    BrowserOptions
	session *browserSession
	stats   Stats
	logger  *slog.Logger
	closed  atomic.Bool
}

// NewBrowserEngine wraps nav.
func NewBrowserEngine(nav Navigator, opts BrowserOptions, logger *slog.Logger) *BrowserEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	logger = logger.With("engine", "browser")
	return &BrowserEngine{
		nav:     nav,
		opts:    opts,
		session: &browserSession{nav: nav, identity: NewIdentityRotator(), logger: logger},
		logger:  logger,
	}
}

func (e *BrowserEngine) Kind() Kind         { return KindBrowser }
func (e *BrowserEngine) Name() string       { return KindBrowser.String() }
func (e *BrowserEngine) Stats() EngineStats { return e.stats.Snapshot() }

func (e *BrowserEngine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.nav.Close()
}

func (e *BrowserEngine) Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if _, err := parseTarget(req.URL); err != nil {
		return nil, fmt.Errorf("browser_engine: %w", err)
	}

	r := Retrier{Policy: e.opts.Policy, Stats: &e.stats, Session: e.session, Logger: e.logger}
	res, err := Retry(ctx, r, func(ctx context.Context, attempt int) (*FetchResult, error) {
		timeout := req.Timeout
		if timeout <= 0 {
			timeout = e.opts.Timeout
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		res, err := e.nav.Navigate(ctx, req)
		if err != nil {
			return nil, err
		}
		if IsChallengePage(res.HTML) {
			return nil, &ChallengeError{Status: res.StatusCode, Body: res.HTML}
		}
		if res.StatusCode >= 400 {
			return nil, &StatusError{Code: res.StatusCode}
		}
		return res, nil
	})
	if err != nil {
		return nil, fmt.Errorf("browser_engine: %w", err)
	}
	res.EngineName = e.Name()
	res.Proxy = e.opts.Proxy
	return res, nil
}

// browserSession maps the retry hooks onto the navigator.
type browserSession struct {
	nav      Navigator
	identity *IdentityRotator
	logger   *slog.Logger
}

func (s *browserSession) RotateIdentity() {
	id := s.identity.Rotate()
	if err := s.nav.SetIdentity(context.Background(), id); err != nil {
		s.logger.Warn("failed to rotate browser identity", "error", err)
		return
	}
	s.logger.Debug("rotated identity", "user_agent", id.UserAgent)
}

func (s *browserSession) ClearState() {
	if err := s.nav.ClearState(context.Background()); err != nil {
		s.logger.Warn("failed to clear browser state", "error", err)
	}
}

func (s *browserSession) Escalate(err error) {
	if !errors.Is(err, ErrChallenge) {
		return
	}
	s.logger.Info("challenge detected, resetting browser page")
	if rerr := s.nav.Reset(context.Background()); rerr != nil {
		s.logger.Warn("failed to reset browser page", "error", rerr)
	}
}
