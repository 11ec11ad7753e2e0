package engine

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/use-agent/hoptrace/config"
	"github.com/use-agent/hoptrace/models"
)

// Browser manages the headless Chromium process and the page pool that rod
// sessions borrow from. It is safe for concurrent use.
type Browser struct {
	browser     *rod.Browser
	pagePool    rod.Pool[pooledPage]
	cfg         config.BrowserConfig
	activePages atomic.Int32
}

// LaunchBrowser starts a headless browser and initialises the page pool.
func LaunchBrowser(cfg config.BrowserConfig) (*Browser, error) {
	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox)

	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}
	if cfg.DefaultProxy != "" {
		l = l.Proxy(cfg.DefaultProxy)
	}

	// ── Stealth flags ────────────────────────────────────────────────
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, models.NewResolveError(
			models.ErrCodeBrowserCrash,
			"failed to launch browser",
			err,
		)
	}
	slog.Info("browser launched", "controlURL", controlURL)

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, models.NewResolveError(
			models.ErrCodeBrowserCrash,
			"failed to connect to browser",
			err,
		)
	}

	pool := rod.NewPool[pooledPage](cfg.MaxPages)
	slog.Info("page pool created", "maxPages", cfg.MaxPages)

	return &Browser{
		browser:  browser,
		pagePool: pool,
		cfg:      cfg,
	}, nil
}

// acquire borrows a tab from the pool, creating one if the pool has room.
func (b *Browser) acquire() (*pooledPage, error) {
	page, err := b.pagePool.Get(func() (*pooledPage, error) {
		p, err := b.browser.Page(proto.TargetCreateTarget{})
		if err != nil {
			return nil, err
		}
		return newPooledPage(p, time.Now()), nil
	})
	if err != nil {
		// Get does not give the slot back when create fails.
		select {
		case b.pagePool <- nil:
		default:
		}
		return nil, models.NewResolveError(
			models.ErrCodeBrowserCrash,
			"failed to acquire page from pool",
			err,
		)
	}
	b.activePages.Add(1)
	return page, nil
}

// release scores the session's result and either blanks the page and
// returns it to the pool or, when it is due for retirement, closes it and
// frees its slot. It uses the page without any request context, so it
// works even after the session's context has ended.
func (b *Browser) release(pp *pooledPage, success bool) {
	defer b.activePages.Add(-1)

	pp.record(success)
	if pp.shouldRetire(time.Now()) {
		slog.Debug("retiring page", "errScore", pp.errScore, "uses", pp.useCount)
		if err := pp.page.Close(); err != nil {
			slog.Warn("cleanup: failed to close retired page", "error", err)
		}
		b.pagePool.Put(nil)
		return
	}

	if err := pp.page.Navigate("about:blank"); err != nil {
		slog.Warn("cleanup: failed to navigate to about:blank", "error", err)
		_ = pp.page.Close()
		b.pagePool.Put(nil)
		return
	}
	b.pagePool.Put(pp)
}

// Stats returns a snapshot of the pool's current state.
func (b *Browser) Stats() models.PoolStats {
	return models.PoolStats{
		MaxPages:    b.cfg.MaxPages,
		ActivePages: int(b.activePages.Load()),
	}
}

// Close drains the page pool and kills the browser process.
// Call this on shutdown to prevent zombie Chrome processes.
func (b *Browser) Close() {
	slog.Info("browser shutting down: draining page pool")
	b.pagePool.Cleanup(func(pp *pooledPage) {
		_ = pp.page.Close()
	})
	if err := b.browser.Close(); err != nil {
		slog.Warn("browser close failed", "error", err)
	}
	slog.Info("browser shutdown complete")
}
