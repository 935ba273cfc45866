package proxypool

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// Transport returns an http.Transport that sends traffic through px.
// HTTP(S) proxies use the standard CONNECT/forward path; SOCKS5 proxies
// dial through golang.org/x/net/proxy.
func Transport(px Proxy) (*http.Transport, error) {
	u, err := url.Parse(px.URL())
	if err != nil {
		return nil, fmt.Errorf("proxypool: proxy url: %w", err)
	}
	t := &http.Transport{
		TLSHandshakeTimeout: 10 * time.Second,
		DisableKeepAlives:   true,
	}
	switch px.protocol() {
	case ProtocolSOCKS5, ProtocolSOCKS5H:
		d, err := proxy.FromURL(u, &net.Dialer{Timeout: 10 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("proxypool: socks5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("proxypool: socks5 dialer does not support contexts")
		}
		t.DialContext = cd.DialContext
	default:
		t.Proxy = http.ProxyURL(u)
	}
	return t, nil
}

// Probe fetches the probe URL through px. A 200 response records the
// round-trip time and reports true. Probe never bans; callers decide.
func (p *Pool) Probe(ctx context.Context, px Proxy) bool {
	l := p.logger.With("proxy", px.Key())

	t, err := Transport(px)
	if err != nil {
		l.Warn("probe setup failed", "error", err)
		return false
	}
	defer t.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.ProbeURL, nil)
	if err != nil {
		l.Warn("probe request invalid", "error", err)
		return false
	}

	start := time.Now()
	resp, err := (&http.Client{Transport: t}).Do(req)
	if err != nil {
		l.Warn("probe failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	elapsed := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		l.Warn("probe returned non-200", "status", resp.StatusCode)
		return false
	}
	p.recordResponseTime(px.Key(), elapsed)
	l.Debug("probe ok", "elapsed", elapsed)
	return true
}

// ProbeAll probes every proxy with at most concurrency probes in flight
// and returns the outcome per key. With banFailed set, failing proxies
// are banned for BanTime.
func (p *Pool) ProbeAll(ctx context.Context, concurrency int, banFailed bool) map[string]bool {
	if concurrency <= 0 {
		concurrency = 5
	}
	proxies := p.List()
	p.logger.Info("probing proxies", "count", len(proxies), "concurrency", concurrency)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]bool, len(proxies))
		sem     = make(chan struct{}, concurrency)
	)
	for _, px := range proxies {
		wg.Add(1)
		sem <- struct{}{}
		go func(px Proxy) {
			defer wg.Done()
			defer func() { <-sem }()

			ok := p.Probe(ctx, px)
			mu.Lock()
			results[px.Key()] = ok
			mu.Unlock()
			if !ok && banFailed {
				_ = p.Ban(px.Key(), 0)
			}
		}(px)
	}
	wg.Wait()

	working := 0
	for _, ok := range results {
		if ok {
			working++
		}
	}
	p.logger.Info("probe finished", "working", working, "total", len(results))
	return results
}
