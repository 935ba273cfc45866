package proxypool

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when no proxy has the given key.
	ErrNotFound = errors.New("proxypool: proxy not found")

	// ErrPoolFull is returned by Add when the pool holds MaxProxies.
	ErrPoolFull = errors.New("proxypool: pool is full")
)

// Options tunes pool behaviour. Zero values fall back to the defaults.
type Options struct {
	BanThreshold int           // default: 3
	BanTime      time.Duration // default: 1h
	MinProxies   int           // default: 5
	MaxProxies   int           // default: 100
	ProbeURL     string        // default: "https://httpbin.org/ip"
	ProbeTimeout time.Duration // default: 10s

	// Now overrides the clock.
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.BanThreshold <= 0 {
		o.BanThreshold = 3
	}
	if o.BanTime <= 0 {
		o.BanTime = time.Hour
	}
	// A negative MinProxies disables the low-pool warning.
	if o.MinProxies == 0 {
		o.MinProxies = 5
	}
	if o.MaxProxies <= 0 {
		o.MaxProxies = 100
	}
	if o.ProbeURL == "" {
		o.ProbeURL = "https://httpbin.org/ip"
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Stats is a point-in-time summary of the pool.
type Stats struct {
	Total     int `json:"total"`
	Banned    int `json:"banned"`
	InUse     int `json:"in_use"`
	Available int `json:"available"`

	// AvgSuccessRate averages proxies with at least one attempt.
	AvgSuccessRate float64 `json:"avg_success_rate"`

	// AvgResponseTime averages proxies with a successful probe.
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// Pool hands out proxies one holder at a time and bans the ones that keep
// failing. Every mutation is persisted through the Store before the lock
// is released. It is safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	proxies map[string]*Proxy
	store   Store
	opts    Options
	logger  *slog.Logger
}

// New loads the registry from store and returns a ready pool.
func New(store Store, opts Options, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	p := &Pool{
		proxies: make(map[string]*Proxy),
		store:   store,
		opts:    opts,
		logger:  logger.With("component", "proxypool"),
	}
	loaded, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("proxypool: load: %w", err)
	}
	for i := range loaded {
		rec := loaded[i]
		rec.InUse = false
		p.proxies[rec.Key()] = &rec
	}
	return p, nil
}

// Acquire reserves the least recently used eligible proxy, breaking ties
// by the higher success rate. An empty country matches any proxy.
// It never blocks; ok is false when nothing is eligible.
func (p *Pool) Acquire(country string) (Proxy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.opts.Now()
	var candidates []*Proxy
	for _, rec := range p.proxies {
		if rec.InUse || rec.IsBanned(now) {
			continue
		}
		if country != "" && rec.Country != country {
			continue
		}
		candidates = append(candidates, rec)
	}
	if len(candidates) == 0 {
		p.logger.Warn("no proxy available", "country", country, "total", len(p.proxies))
		return Proxy{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.LastUsed.Equal(b.LastUsed) {
			return a.LastUsed.Before(b.LastUsed)
		}
		if ra, rb := a.SuccessRate(), b.SuccessRate(); ra != rb {
			return ra > rb
		}
		return a.Key() < b.Key()
	})

	chosen := candidates[0]
	chosen.InUse = true
	chosen.LastUsed = now
	p.persistLocked()

	if avail := p.availableLocked(now); avail < p.opts.MinProxies {
		p.logger.Warn("proxy pool running low", "available", avail, "min", p.opts.MinProxies)
	}
	return *chosen, true
}

// Release returns a proxy acquired with Acquire and records the outcome.
// Reaching BanThreshold failures bans the proxy for BanTime; the ban end
// never moves backwards.
func (p *Pool) Release(px Proxy, success bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.proxies[px.Key()]
	if !ok {
		return fmt.Errorf("release %s: %w", px.Key(), ErrNotFound)
	}
	rec.InUse = false
	if success {
		rec.SuccessCount++
	} else {
		rec.FailCount++
		if rec.FailCount >= p.opts.BanThreshold {
			until := p.opts.Now().Add(p.opts.BanTime)
			if until.After(rec.BannedUntil) {
				rec.BannedUntil = until
			}
			p.logger.Info("proxy banned", "proxy", rec.Key(), "fail_count", rec.FailCount, "until", rec.BannedUntil)
		}
	}
	p.persistLocked()
	return nil
}

// Return gives back an acquired proxy without recording an outcome.
func (p *Pool) Return(px Proxy) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.proxies[px.Key()]
	if !ok {
		return fmt.Errorf("return %s: %w", px.Key(), ErrNotFound)
	}
	rec.InUse = false
	p.persistLocked()
	return nil
}

// Ban bans the proxy for d, or BanTime when d <= 0.
func (p *Pool) Ban(key string, d time.Duration) error {
	if d <= 0 {
		d = p.opts.BanTime
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.proxies[key]
	if !ok {
		return fmt.Errorf("ban %s: %w", key, ErrNotFound)
	}
	rec.BannedUntil = p.opts.Now().Add(d)
	p.logger.Info("proxy banned manually", "proxy", key, "duration", d)
	p.persistLocked()
	return nil
}

// Unban lifts a ban and clears the failure count so the proxy gets a
// fresh BanThreshold budget.
func (p *Pool) Unban(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.proxies[key]
	if !ok {
		return fmt.Errorf("unban %s: %w", key, ErrNotFound)
	}
	rec.BannedUntil = time.Time{}
	rec.FailCount = 0
	p.logger.Info("proxy unbanned", "proxy", key)
	p.persistLocked()
	return nil
}

// Add registers px. It reports false when a proxy with the same host and
// port is already present.
func (p *Pool) Add(px Proxy) (bool, error) {
	if px.Host == "" || px.Port <= 0 || px.Port > 65535 {
		return false, fmt.Errorf("proxypool: invalid proxy %q", px.Key())
	}
	if px.Protocol == "" {
		px.Protocol = ProtocolHTTP
	}
	px.InUse = false

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addLocked(px)
}

func (p *Pool) addLocked(px Proxy) (bool, error) {
	key := px.Key()
	if _, exists := p.proxies[key]; exists {
		p.logger.Debug("proxy already registered", "proxy", key)
		return false, nil
	}
	if len(p.proxies) >= p.opts.MaxProxies {
		return false, ErrPoolFull
	}
	p.proxies[key] = &px
	p.logger.Info("proxy added", "proxy", key, "protocol", px.Protocol)
	p.persistLocked()
	return true, nil
}

// Remove drops the proxy with the given key.
func (p *Pool) Remove(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.proxies[key]; !ok {
		return fmt.Errorf("remove %s: %w", key, ErrNotFound)
	}
	delete(p.proxies, key)
	p.logger.Info("proxy removed", "proxy", key)
	p.persistLocked()
	return nil
}

// Get returns a copy of the proxy with the given key.
func (p *Pool) Get(key string) (Proxy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.proxies[key]
	if !ok {
		return Proxy{}, false
	}
	return *rec, true
}

// List returns copies of every proxy ordered by key.
func (p *Pool) List() []Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Len returns the number of registered proxies.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.proxies)
}

// Stats summarises the pool without mutating it.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.opts.Now()
	s := Stats{Total: len(p.proxies)}
	var rateSum float64
	var rated int
	var rtSum time.Duration
	var timed int
	for _, rec := range p.proxies {
		banned := rec.IsBanned(now)
		if banned {
			s.Banned++
		}
		if rec.InUse {
			s.InUse++
		}
		if !banned && !rec.InUse {
			s.Available++
		}
		if rec.SuccessCount+rec.FailCount > 0 {
			rateSum += rec.SuccessRate()
			rated++
		}
		if rec.LastResponseTime > 0 {
			rtSum += rec.LastResponseTime
			timed++
		}
	}
	if rated > 0 {
		s.AvgSuccessRate = rateSum / float64(rated)
	}
	if timed > 0 {
		s.AvgResponseTime = rtSum / time.Duration(timed)
	}
	return s
}

// Close persists the registry one last time.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.store.Save(p.snapshotLocked()); err != nil {
		return fmt.Errorf("proxypool: close: %w", err)
	}
	return nil
}

func (p *Pool) recordResponseTime(key string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.proxies[key]; ok {
		rec.LastResponseTime = d
	}
}

func (p *Pool) availableLocked(now time.Time) int {
	n := 0
	for _, rec := range p.proxies {
		if !rec.InUse && !rec.IsBanned(now) {
			n++
		}
	}
	return n
}

func (p *Pool) snapshotLocked() []Proxy {
	out := make([]Proxy, 0, len(p.proxies))
	for _, rec := range p.proxies {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// persistLocked writes the registry. A failed write is logged and the
// in-memory state stays authoritative.
func (p *Pool) persistLocked() {
	if err := p.store.Save(p.snapshotLocked()); err != nil {
		p.logger.Error("failed to persist proxies", "error", err)
	}
}
