package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/use-agent/reelfetch/proxypool"
)

// Solver obtains clearance cookies for a challenge page. Implementations
// live outside this module; the engine only hands over the challenge.
type Solver interface {
	Solve(ctx context.Context, pageURL, challengeHTML string) ([]*http.Cookie, error)
}

// SolverOptions configures SolverEngine.
type SolverOptions struct {
	Timeout    time.Duration // per attempt; default: 30s
	UseProxies bool
	Policy     Policy

	// Referers is the pool of Referer values; one is picked per request.
	Referers []string

	// HumanDelayMin and HumanDelayMax bound the pause after a success.
	HumanDelayMin time.Duration
	HumanDelayMax time.Duration

	// Solver, when set, is asked for clearance cookies on a challenge.
	Solver Solver
}

// SolverEngine keeps a long-lived cookie session against the defended
// site. Clearance cookies survive across fetches; a CDN block resets the
// session before the next attempt.
type SolverEngine struct {
	pool    *proxypool.Pool
	opts    SolverOptions
	session *session
	stats   Stats
	logger  *slog.Logger
	closed  atomic.Bool
	solved  atomic.Int64
}

// NewSolverEngine creates a SolverEngine. pool may be nil.
func NewSolverEngine(pool *proxypool.Pool, opts SolverOptions, logger *slog.Logger) *SolverEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	logger = logger.With("engine", "solver")
	return &SolverEngine{
		pool:    pool,
		opts:    opts,
		session: newSession(logger),
		logger:  logger,
	}
}

func (e *SolverEngine) Kind() Kind         { return KindSolver }
func (e *SolverEngine) Name() string       { return KindSolver.String() }
func (e *SolverEngine) Stats() EngineStats { return e.stats.Snapshot() }

func (e *SolverEngine) Close() error {
	e.closed.Store(true)
	e.session.ClearState()
	return nil
}

// Solved reports how many challenges the external solver cleared.
func (e *SolverEngine) Solved() int64 { return e.solved.Load() }

func (e *SolverEngine) Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	target, err := parseTarget(req.URL)
	if err != nil {
		return nil, fmt.Errorf("solver_engine: %w", err)
	}
	e.session.setCookies(target, req.Cookies)

	r := Retrier{Policy: e.opts.Policy, Stats: &e.stats, Session: e.session, Logger: e.logger}
	res, err := Retry(ctx, r, func(ctx context.Context, attempt int) (*FetchResult, error) {
		return e.attempt(ctx, target, req)
	})
	if err != nil {
		return nil, fmt.Errorf("solver_engine: %w", err)
	}
	res.EngineName = e.Name()

	if d := e.humanDelay(); d > 0 {
		e.logger.Debug("pausing after fetch", "delay", d)
		_ = e.sleep(ctx, d)
	}
	return res, nil
}

func (e *SolverEngine) attempt(ctx context.Context, target *url.URL, req *FetchRequest) (*FetchResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := e.session.identity.Current()
	px := acquireProxy(e.pool, e.opts.UseProxies, req.Country, e.logger)
	t := newTransport(px, id.Hello)
	defer t.CloseIdleConnections()
	client := e.session.client(t)

	pr := pageRequest{
		url:      withCacheBuster(target),
		identity: id,
		referer:  e.referer(),
		headers:  req.Headers,
	}
	res, err := doPage(ctx, client, pr)

	var ce *ChallengeError
	if errors.As(err, &ce) && e.opts.Solver != nil {
		res, err = e.solve(ctx, client, pr, ce)
	}
	releaseProxy(e.pool, px, err, e.logger)
	if res != nil && px != nil {
		res.Proxy = px.Key()
	}
	return res, err
}

// solve asks the external solver for clearance and replays the request once.
func (e *SolverEngine) solve(ctx context.Context, client *http.Client, pr pageRequest, ce *ChallengeError) (*FetchResult, error) {
	e.logger.Info("challenge detected, invoking solver", "status", ce.Status, "cf_ray", ce.CFRay)
	cookies, err := e.opts.Solver.Solve(ctx, pr.url.String(), ce.Body)
	if err != nil {
		return nil, fmt.Errorf("solve challenge: %w (%w)", err, ce)
	}
	client.Jar.SetCookies(pr.url, cookies)
	e.solved.Add(1)

	pr.url = withCacheBuster(pr.url)
	return doPage(ctx, client, pr)
}

func (e *SolverEngine) referer() string {
	if len(e.opts.Referers) == 0 {
		return ""
	}
	return e.opts.Referers[rand.IntN(len(e.opts.Referers))]
}

// humanDelay picks a pause in [min, max] biased towards min.
func (e *SolverEngine) humanDelay() time.Duration {
	lo, hi := e.opts.HumanDelayMin, e.opts.HumanDelayMax
	if hi <= 0 || hi < lo {
		return lo
	}
	r := rand.Float64()
	return lo + time.Duration(float64(hi-lo)*r*r)
}

func (e *SolverEngine) sleep(ctx context.Context, d time.Duration) error {
	if e.opts.Policy.Sleep != nil {
		return e.opts.Policy.Sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}
