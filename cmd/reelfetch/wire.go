package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/use-agent/reelfetch/config"
	"github.com/use-agent/reelfetch/engine"
	"github.com/use-agent/reelfetch/proxypool"
	"github.com/use-agent/reelfetch/scraper"
)

// launchBrowser is swapped out in tests.
var launchBrowser = scraper.Launch

// services is everything a fetch needs, built from the configuration.
type services struct {
	pool       *proxypool.Pool
	browser    *scraper.Browser
	dispatcher *engine.Dispatcher
}

func (c *cli) openPool() (*proxypool.Pool, error) {
	pc := c.cfg.Pool
	return proxypool.New(proxypool.NewFileStore(pc.File, c.logger), proxypool.Options{
		BanThreshold: pc.BanThreshold,
		BanTime:      pc.BanTime,
		MinProxies:   pc.MinProxies,
		MaxProxies:   pc.MaxProxies,
		ProbeURL:     pc.ProbeURL,
		ProbeTimeout: pc.ProbeTimeout,
	}, c.logger)
}

func policyFrom(rc config.RetryConfig) engine.Policy {
	return engine.Policy{MaxRetries: rc.MaxRetries, RetryDelay: rc.RetryDelay}
}

// buildServices opens the pool and constructs the configured engines.
// A browser that fails to launch is logged and left out; the remaining
// engines still serve.
func (c *cli) buildServices() (*services, error) {
	cfg := c.cfg
	kinds, err := engine.ParseKinds(cfg.Dispatch.Engines)
	if err != nil {
		return nil, fmt.Errorf("dispatch.engines: %w", err)
	}
	order, err := engine.ParseKinds(cfg.Dispatch.FallbackOrder)
	if err != nil {
		return nil, fmt.Errorf("dispatch.fallback_order: %w", err)
	}
	def, err := engine.ParseKind(cfg.Dispatch.DefaultEngine)
	if err != nil {
		return nil, fmt.Errorf("dispatch.default_engine: %w", err)
	}

	enabled := make(map[engine.Kind]bool, len(kinds))
	for _, k := range kinds {
		enabled[k] = true
	}

	pool, err := c.openPool()
	if err != nil {
		return nil, err
	}
	s := &services{pool: pool}

	if enabled[engine.KindBrowser] || (enabled[engine.KindSolver] && cfg.Solver.UseBrowser) {
		b, err := launchBrowser(cfg.Browser, c.logger)
		if err != nil {
			c.logger.Warn("browser unavailable, continuing without it", "error", err)
		} else {
			s.browser = b
		}
	}

	policy := policyFrom(cfg.Retry)
	var engines engine.Engines
	if enabled[engine.KindHTTP] {
		engines.HTTP = engine.NewHTTPEngine(pool, engine.HTTPOptions{
			Timeout:    cfg.HTTP.Timeout,
			UseProxies: cfg.HTTP.UseProxies,
			Policy:     policy,
		}, c.logger)
	}
	if enabled[engine.KindSolver] {
		opts := engine.SolverOptions{
			Timeout:       cfg.Solver.Timeout,
			UseProxies:    cfg.Solver.UseProxies,
			Policy:        policy,
			Referers:      cfg.Solver.Referers,
			HumanDelayMin: cfg.Solver.HumanDelayMin,
			HumanDelayMax: cfg.Solver.HumanDelayMax,
		}
		if s.browser != nil && cfg.Solver.UseBrowser {
			opts.Solver = s.browser
		}
		engines.Solver = engine.NewSolverEngine(pool, opts, c.logger)
	}
	if enabled[engine.KindBrowser] && s.browser != nil {
		engines.Browser = engine.NewBrowserEngine(s.browser, engine.BrowserOptions{
			Policy: policy,
			Proxy:  cfg.Browser.Proxy,
		}, c.logger)
	}

	s.dispatcher = engine.NewDispatcher(engines, pool, engine.DispatchOptions{
		DefaultEngine:    def,
		FallbackOrder:    order,
		SuccessThreshold: cfg.Dispatch.SuccessThreshold,
		MinContentLength: cfg.Dispatch.MinContentLength,
		FallbackDelayMin: cfg.Dispatch.FallbackDelayMin,
		FallbackDelayMax: cfg.Dispatch.FallbackDelayMax,
	}, c.logger)

	c.logger.Info("engines ready", "engines", engineNames(engines), "browser", s.browser != nil)
	return s, nil
}

func engineNames(e engine.Engines) []string {
	var names []string
	for _, k := range engine.Kinds {
		switch {
		case k == engine.KindHTTP && e.HTTP != nil,
			k == engine.KindSolver && e.Solver != nil,
			k == engine.KindBrowser && e.Browser != nil:
			names = append(names, k.String())
		}
	}
	return names
}

// Close shuts the engines down and persists the pool. The browser is
// closed last since the solver may still hold it.
func (s *services) Close(logger *slog.Logger) error {
	err := s.dispatcher.Close()
	if s.browser != nil {
		err = errors.Join(err, s.browser.Close())
	}
	if err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	return err
}
