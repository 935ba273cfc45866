package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/use-agent/reelfetch/proxypool"
)

// Engines holds at most one engine per Kind. Nil slots are engines that
// were not constructed; the dispatcher skips them.
type Engines struct {
	HTTP    Engine
	Solver  Engine
	Browser Engine
}

func (e Engines) get(k Kind) Engine {
	switch k {
	case KindHTTP:
		return e.HTTP
	case KindSolver:
		return e.Solver
	case KindBrowser:
		return e.Browser
	default:
		return nil
	}
}

// constructed returns the non-nil engines in construction order.
func (e Engines) constructed() []Engine {
	var out []Engine
	for _, k := range Kinds {
		if eng := e.get(k); eng != nil {
			out = append(out, eng)
		}
	}
	return out
}

// DispatchOptions configures the fallback behaviour.
type DispatchOptions struct {
	// DefaultEngine leads the order when no engine has earned a success
	// rate of SuccessThreshold.
	DefaultEngine Kind

	// FallbackOrder is tried after the leading engine. Default: Kinds.
	FallbackOrder []Kind

	SuccessThreshold float64 // default: 0.7
	MinContentLength int     // default: 100

	// FallbackDelayMin and FallbackDelayMax bound the pause between
	// engines. Defaults: 1s and 3s.
	FallbackDelayMin time.Duration
	FallbackDelayMax time.Duration

	// Sleep blocks for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o *DispatchOptions) applyDefaults() {
	if len(o.FallbackOrder) == 0 {
		o.FallbackOrder = append([]Kind(nil), Kinds...)
	}
	if o.SuccessThreshold <= 0 {
		o.SuccessThreshold = 0.7
	}
	if o.MinContentLength <= 0 {
		o.MinContentLength = 100
	}
	if o.FallbackDelayMin <= 0 && o.FallbackDelayMax <= 0 {
		o.FallbackDelayMin, o.FallbackDelayMax = time.Second, 3*time.Second
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
}

// AttemptStats counts how often the dispatcher tried an engine.
type AttemptStats struct {
	Attempts  int64  `json:"attempts"`
	Successes int64  `json:"successes"`
	Failures  int64  `json:"failures"`
	LastError string `json:"last_error,omitempty"`
}

// Snapshot is the aggregated view returned by Dispatcher.Stats.
type Snapshot struct {
	Engines  map[string]EngineStats  `json:"engines"`
	Attempts map[string]AttemptStats `json:"attempts"`
	Pool     *proxypool.Stats        `json:"pool,omitempty"`
}

// FallbackError is returned when every engine in the order failed.
type FallbackError struct {
	URL   string
	Tried []string
	Last  error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("engine: all engines failed for %s (tried %s): %v",
		e.URL, strings.Join(e.Tried, ", "), e.Last)
}

func (e *FallbackError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrAllEnginesFailed}
	}
	return []error{ErrAllEnginesFailed, e.Last}
}

// Dispatcher tries engines one after another until one returns usable
// content. Engine order is re-ranked on every call from live success rates.
type Dispatcher struct {
	engines Engines
	pool    *proxypool.Pool
	opts    DispatchOptions
	logger  *slog.Logger

	mu       sync.Mutex
	attempts map[Kind]*AttemptStats
}

// NewDispatcher creates a Dispatcher. pool may be nil.
func NewDispatcher(engines Engines, pool *proxypool.Pool, opts DispatchOptions, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	return &Dispatcher{
		engines:  engines,
		pool:     pool,
		opts:     opts,
		logger:   logger.With("component", "dispatcher"),
		attempts: make(map[Kind]*AttemptStats),
	}
}

// Fetch fetches req with the best-ranked engine first.
func (d *Dispatcher) Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	return d.fetch(ctx, req, d.resolveOrder(nil))
}

// FetchWith fetches req starting with prefer, then the fallback order.
func (d *Dispatcher) FetchWith(ctx context.Context, req *FetchRequest, prefer Kind) (*FetchResult, error) {
	return d.fetch(ctx, req, d.resolveOrder(&prefer))
}

func (d *Dispatcher) fetch(ctx context.Context, req *FetchRequest, order []Kind) (*FetchResult, error) {
	plan := d.plan(order)
	if len(plan) == 0 {
		return nil, &FallbackError{URL: req.URL, Last: errors.New("no engine configured")}
	}

	var tried []string
	var lastErr error
	for i, eng := range plan {
		if err := ctx.Err(); err != nil {
			return nil, &FallbackError{URL: req.URL, Tried: tried, Last: err}
		}
		tried = append(tried, eng.Name())
		d.logger.Info("trying engine", "engine", eng.Name(), "url", req.URL, "position", i+1, "of", len(plan))

		res, err := eng.Fetch(ctx, req)
		if err == nil {
			err = d.validate(res)
		}
		if err == nil {
			d.record(eng.Kind(), nil)
			d.logger.Info("engine succeeded", "engine", eng.Name(), "url", req.URL, "length", len(res.HTML))
			return res, nil
		}

		d.record(eng.Kind(), err)
		lastErr = err
		d.logger.Warn("engine failed", "engine", eng.Name(), "url", req.URL, "error", err)

		if i < len(plan)-1 {
			wait := uniform(d.opts.FallbackDelayMin, d.opts.FallbackDelayMax)
			d.logger.Debug("waiting before next engine", "wait", wait)
			if serr := d.opts.Sleep(ctx, wait); serr != nil {
				return nil, &FallbackError{URL: req.URL, Tried: tried, Last: serr}
			}
		}
	}

	d.logger.Error("all engines failed", "url", req.URL, "tried", tried)
	return nil, &FallbackError{URL: req.URL, Tried: tried, Last: lastErr}
}

func (d *Dispatcher) validate(res *FetchResult) error {
	if res == nil {
		return ErrContentTooShort
	}
	if n := utf8.RuneCountInString(res.HTML); n <= d.opts.MinContentLength {
		return fmt.Errorf("%w: %d chars, need more than %d", ErrContentTooShort, n, d.opts.MinContentLength)
	}
	return nil
}

// resolveOrder puts the preferred engine, or else the best-ranked one,
// ahead of the fallback order. The result has no duplicates.
func (d *Dispatcher) resolveOrder(prefer *Kind) []Kind {
	var lead Kind
	if prefer != nil {
		lead = *prefer
	} else {
		lead = d.opts.DefaultEngine
		if best, rate, ok := d.best(); ok && rate >= d.opts.SuccessThreshold {
			lead = best
		}
	}

	order := make([]Kind, 0, 1+len(d.opts.FallbackOrder))
	seen := make(map[Kind]bool, len(Kinds))
	for _, k := range append([]Kind{lead}, d.opts.FallbackOrder...) {
		if seen[k] {
			continue
		}
		seen[k] = true
		order = append(order, k)
	}
	return order
}

// best returns the constructed engine with the highest success rate.
// Ties keep construction order.
func (d *Dispatcher) best() (Kind, float64, bool) {
	var (
		bestKind Kind
		bestRate = -1.0
		found    bool
	)
	for _, eng := range d.engines.constructed() {
		if rate := eng.Stats().SuccessRate; rate > bestRate {
			bestKind, bestRate, found = eng.Kind(), rate, true
		}
	}
	return bestKind, bestRate, found
}

// plan maps kinds to constructed engines, dropping the missing ones.
func (d *Dispatcher) plan(order []Kind) []Engine {
	out := make([]Engine, 0, len(order))
	for _, k := range order {
		if eng := d.engines.get(k); eng != nil {
			out = append(out, eng)
		}
	}
	return out
}

func (d *Dispatcher) record(k Kind, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.attempts[k]
	if !ok {
		a = &AttemptStats{}
		d.attempts[k] = a
	}
	a.Attempts++
	if err == nil {
		a.Successes++
		return
	}
	a.Failures++
	a.LastError = err.Error()
}

// Stats returns per-engine counters, dispatcher attempts and pool stats.
func (d *Dispatcher) Stats() Snapshot {
	s := Snapshot{
		Engines:  make(map[string]EngineStats),
		Attempts: make(map[string]AttemptStats),
	}
	for _, eng := range d.engines.constructed() {
		s.Engines[eng.Name()] = eng.Stats()
	}
	d.mu.Lock()
	for k, a := range d.attempts {
		s.Attempts[k.String()] = *a
	}
	d.mu.Unlock()
	if d.pool != nil {
		ps := d.pool.Stats()
		s.Pool = &ps
	}
	return s
}

// Order returns the engine order the next Fetch would use.
func (d *Dispatcher) Order() []Kind {
	return d.resolveOrder(nil)
}

// Pool returns the proxy pool, or nil.
func (d *Dispatcher) Pool() *proxypool.Pool { return d.pool }

// Close closes every engine and persists the proxy pool.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, eng := range d.engines.constructed() {
		if err := eng.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", eng.Name(), err))
		}
	}
	if d.pool != nil {
		if err := d.pool.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
