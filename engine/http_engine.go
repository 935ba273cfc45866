package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/use-agent/reelfetch/proxypool"
)

// maxBody caps the bytes read from a single response.
const maxBody = 10 << 20

// ChallengeError is a response the bot defense answered instead of the page.
type ChallengeError struct {
	Status int
	CFRay  string
	Body   string
}

func (e *ChallengeError) Error() string {
	if e.CFRay != "" {
		return fmt.Sprintf("engine: challenge page (status %d, cf-ray %s)", e.Status, e.CFRay)
	}
	return fmt.Sprintf("engine: challenge page (status %d)", e.Status)
}

func (e *ChallengeError) Is(target error) bool { return target == ErrChallenge }

// HTTPOptions configures HTTPEngine.
type HTTPOptions struct {
	Timeout    time.Duration // per attempt; default: 30s
	UseProxies bool
	Policy     Policy
}

// HTTPEngine fetches pages over plain HTTP/1.1 with a rotating browser TLS
// fingerprint. Each attempt borrows a proxy from the pool when one is
// available and goes direct otherwise.
type HTTPEngine struct {
	pool    *proxypool.Pool
	opts    HTTPOptions
	session *session
	stats   Stats
	logger  *slog.Logger
	closed  atomic.Bool
}

// NewHTTPEngine creates an HTTPEngine. pool may be nil.
func NewHTTPEngine(pool *proxypool.Pool, opts HTTPOptions, logger *slog.Logger) *HTTPEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	logger = logger.With("engine", "http")
	return &HTTPEngine{
		pool:    pool,
		opts:    opts,
		session: newSession(logger),
		logger:  logger,
	}
}

func (e *HTTPEngine) Kind() Kind         { return KindHTTP }
func (e *HTTPEngine) Name() string       { return KindHTTP.String() }
func (e *HTTPEngine) Stats() EngineStats { return e.stats.Snapshot() }

func (e *HTTPEngine) Close() error {
	e.closed.Store(true)
	return nil
}

func (e *HTTPEngine) Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	target, err := parseTarget(req.URL)
	if err != nil {
		return nil, fmt.Errorf("http_engine: %w", err)
	}
	e.session.setCookies(target, req.Cookies)

	r := Retrier{Policy: e.opts.Policy, Stats: &e.stats, Session: e.session, Logger: e.logger}
	res, err := Retry(ctx, r, func(ctx context.Context, attempt int) (*FetchResult, error) {
		return e.attempt(ctx, target, req)
	})
	if err != nil {
		return nil, fmt.Errorf("http_engine: %w", err)
	}
	res.EngineName = e.Name()
	return res, nil
}

func (e *HTTPEngine) attempt(ctx context.Context, target *url.URL, req *FetchRequest) (*FetchResult, error) {
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

	res, err := doPage(ctx, e.session.client(t), pageRequest{
		url:      target,
		identity: id,
		referer:  "https://www.google.com/search?q=" + url.QueryEscape(target.Hostname()),
		headers:  req.Headers,
	})
	releaseProxy(e.pool, px, err, e.logger)
	if res != nil && px != nil {
		res.Proxy = px.Key()
	}
	return res, err
}

type pageRequest struct {
	url      *url.URL
	identity Identity
	referer  string
	headers  map[string]string
}

// doPage issues one GET and turns blocked, failed or non-HTML responses
// into errors.
func doPage(ctx context.Context, client *http.Client, pr pageRequest) (*FetchResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pr.url.String(), nil)
	if err != nil {
		return nil, Permanent(fmt.Errorf("build request: %w", err))
	}
	pr.identity.Apply(httpReq.Header)
	if pr.referer != "" {
		httpReq.Header.Set("Referer", pr.referer)
		httpReq.Header.Set("Sec-Fetch-Site", "cross-site")
	}
	for k, v := range pr.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	bodyStr := string(body)

	if IsChallengeResponse(resp.StatusCode, resp.Header) {
		return nil, &ChallengeError{Status: resp.StatusCode, CFRay: resp.Header.Get("cf-ray"), Body: bodyStr}
	}
	if resp.StatusCode >= 400 {
		return nil, &StatusError{Code: resp.StatusCode, CFRay: resp.Header.Get("cf-ray")}
	}
	if IsChallengePage(bodyStr) {
		return nil, &ChallengeError{Status: resp.StatusCode, CFRay: resp.Header.Get("cf-ray"), Body: bodyStr}
	}
	if ct := resp.Header.Get("Content-Type"); !isHTMLContentType(ct) {
		return nil, fmt.Errorf("non-html response (content-type: %s)", ct)
	}

	res := &FetchResult{
		HTML:       bodyStr,
		Title:      extractTitle(bodyStr),
		StatusCode: resp.StatusCode,
		FinalURL:   resp.Request.URL.String(),
	}
	if client.Jar != nil {
		res.Cookies = client.Jar.Cookies(resp.Request.URL)
	}
	return res, nil
}

func parseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q: need an absolute http(s) url", raw)
	}
	return u, nil
}

// acquireProxy borrows a proxy, or returns nil to go direct.
func acquireProxy(pool *proxypool.Pool, enabled bool, country string, logger *slog.Logger) *proxypool.Proxy {
	if pool == nil || !enabled {
		return nil
	}
	px, ok := pool.Acquire(country)
	if !ok {
		logger.Debug("no proxy available, going direct", "country", country)
		return nil
	}
	return &px
}

// releaseProxy returns px with the attempt's outcome. A cancelled caller
// says nothing about the proxy, so that case records no outcome.
func releaseProxy(pool *proxypool.Pool, px *proxypool.Proxy, err error, logger *slog.Logger) {
	if px == nil {
		return
	}
	var rerr error
	if errors.Is(err, context.Canceled) {
		rerr = pool.Return(*px)
	} else {
		rerr = pool.Release(*px, err == nil)
	}
	if rerr != nil {
		logger.Debug("proxy release failed", "proxy", px.Key(), "error", rerr)
	}
}
