package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/use-agent/reelfetch/config"
	"github.com/use-agent/reelfetch/engine"
	"github.com/use-agent/reelfetch/models"
)

// ErrClosed is returned for tasks submitted after Close.
var ErrClosed = errors.New("scraper: browser closed")

type task struct {
	name string
	run  func(page *rod.Page) error
	done chan error
}

// Browser owns one Chromium process and a single page. All page work runs
// on one worker goroutine; callers submit tasks and wait for the result or
// their context. It implements engine.Navigator.
type Browser struct {
	cfg    config.BrowserConfig
	logger *slog.Logger

	tasks     chan task
	quit      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once

	// Owned by the worker goroutine.
	page     *rod.Page
	health   *pageHealth
	identity *engine.Identity

	browser  *rod.Browser
	launcher *launcher.Launcher

	// openPage and closePage are swapped out in tests.
	openPage  func() (*rod.Page, error)
	closePage func(*rod.Page)
}

// Launch starts a browser with the stealth flags and the worker goroutine.
func Launch(cfg config.BrowserConfig, logger *slog.Logger) (*Browser, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "browser")

	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox)
	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}
	if cfg.Proxy != "" {
		l = l.Proxy(cfg.Proxy)
	}

	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-ipc-flooding-protection"))
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))
	l.Set(flags.Flag("lang"), "en-US")

	controlURL, err := l.Launch()
	if err != nil {
		return nil, models.NewFetchError(models.ErrCodeBrowserCrash, "failed to launch browser", err)
	}
	logger.Info("browser launched", "controlURL", controlURL)

	rb := rod.New().ControlURL(controlURL)
	if err := rb.Connect(); err != nil {
		l.Kill()
		return nil, models.NewFetchError(models.ErrCodeBrowserCrash, "failed to connect to browser", err)
	}

	b := newBrowser(cfg, logger)
	b.browser = rb
	b.launcher = l
	b.openPage = b.newStealthPage
	b.closePage = func(p *rod.Page) { _ = p.Close() }
	go b.loop()
	return b, nil
}

func newBrowser(cfg config.BrowserConfig, logger *slog.Logger) *Browser {
	return &Browser{
		cfg:    cfg,
		logger: logger,
		tasks:  make(chan task),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// newStealthPage opens a page with the stealth script, a randomized
// viewport and the current identity.
func (b *Browser) newStealthPage() (*rod.Page, error) {
	page, err := stealth.Page(b.browser)
	if err != nil {
		return nil, err
	}
	vw, vh := randomViewport()
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             vw,
		Height:            vh,
		DeviceScaleFactor: 1,
	}); err != nil {
		b.logger.Debug("failed to set viewport", "error", err)
	}
	if b.identity != nil {
		if err := applyIdentity(page, *b.identity); err != nil {
			b.logger.Debug("failed to apply identity to new page", "error", err)
		}
	}
	return page, nil
}

// randomViewport returns a desktop-sized viewport.
func randomViewport() (int, int) {
	return 1050 + rand.IntN(1920-1050+1), 800 + rand.IntN(1080-800+1)
}

func applyIdentity(page *rod.Page, id engine.Identity) error {
	return page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      id.UserAgent,
		AcceptLanguage: "en-US,en;q=0.9",
	})
}

func (b *Browser) loop() {
	defer close(b.exited)
	for {
		select {
		case <-b.quit:
			if b.page != nil {
				b.closePage(b.page)
				b.page = nil
			}
			return
		case t := <-b.tasks:
			t.done <- b.exec(t)
		}
	}
}

// exec runs one task, replacing the page first when it is missing or
// worn out.
func (b *Browser) exec(t task) error {
	if b.page == nil || b.health.shouldRetire(time.Now()) {
		if err := b.replacePage(); err != nil {
			return err
		}
	}
	err := t.run(b.page)
	if err != nil {
		b.logger.Debug("browser task failed", "task", t.name, "error", err)
		b.health.recordFailure()
	} else {
		b.health.recordSuccess()
	}
	return err
}

func (b *Browser) replacePage() error {
	if b.page != nil {
		b.logger.Debug("retiring page", "uses", b.health.uses, "err_score", b.health.errScore)
		b.closePage(b.page)
		b.page = nil
	}
	page, err := b.openPage()
	if err != nil {
		return models.NewFetchError(models.ErrCodeBrowserCrash, "failed to open page", err)
	}
	b.page = page
	b.health = newPageHealth(time.Now())
	return nil
}

// submit hands fn to the worker and waits for it to finish.
func (b *Browser) submit(ctx context.Context, name string, fn func(page *rod.Page) error) error {
	t := task{name: name, run: fn, done: make(chan error, 1)}
	select {
	case b.tasks <- t:
	case <-b.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Navigate loads req.URL on the worker's page.
func (b *Browser) Navigate(ctx context.Context, req *engine.FetchRequest) (*engine.FetchResult, error) {
	var res *engine.FetchResult
	err := b.submit(ctx, "navigate", func(page *rod.Page) error {
		var nerr error
		res, nerr = b.navigate(ctx, page, req)
		return nerr
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SetIdentity switches the user agent of the current and future pages.
func (b *Browser) SetIdentity(ctx context.Context, id engine.Identity) error {
	return b.submit(ctx, "set_identity", func(page *rod.Page) error {
		b.identity = &id
		return applyIdentity(page, id)
	})
}

// ClearState drops every cookie and the page's web storage.
func (b *Browser) ClearState(ctx context.Context) error {
	return b.submit(ctx, "clear_state", func(page *rod.Page) error {
		if err := (proto.NetworkClearBrowserCookies{}).Call(page); err != nil {
			return fmt.Errorf("clear cookies: %w", err)
		}
		_, _ = page.Eval(`() => { try { localStorage.clear(); sessionStorage.clear(); } catch (e) {} }`)
		return nil
	})
}

// Reset replaces the page with a fresh stealth page.
func (b *Browser) Reset(ctx context.Context) error {
	return b.submit(ctx, "reset", func(*rod.Page) error {
		return b.replacePage()
	})
}

// Close stops the worker, closes the page and kills the browser.
// Call this on graceful shutdown to prevent zombie Chrome processes.
func (b *Browser) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.quit)
		<-b.exited
		if b.browser == nil {
			return
		}
		b.logger.Info("closing browser")
		err = b.browser.Close()
		if b.launcher != nil {
			b.launcher.Cleanup()
		}
	})
	return err
}
