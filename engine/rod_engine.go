package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/use-agent/hoptrace/config"
	"github.com/use-agent/hoptrace/resolver"
	"github.com/ysmood/gson"
)

// RodEngine renders pages in headless Chrome and translates CDP events into
// resolver events, so script and meta-refresh redirects are observed
// alongside HTTP redirects.
type RodEngine struct {
	browser   *Browser
	userAgent string
	stealth   bool
}

// NewRodEngine creates a RodEngine that borrows pages from b.
func NewRodEngine(b *Browser, cfg config.ResolverConfig) *RodEngine {
	return &RodEngine{
		browser:   b,
		userAgent: cfg.UserAgent,
		stealth:   cfg.Stealth,
	}
}

func (e *RodEngine) Name() string { return NameRod }

// Open drives one page through the session.
//
// Lifecycle (numbered steps match the inline comments):
//
//  1. Acquire page           – borrow a tab from the pool
//  2. DEFER: cleanup         – about:blank + return to pool
//  3. Stealth injection      – before navigation
//  4. Extra headers          – User-Agent override
//  5. Hijack mount           – every request is vetted by the handler
//  6. Context binding        – session end stops every Rod operation
//  7. Event subscription     – MUST be registered before Navigate
//  8. Navigate               – triggers the load
//  9. Wait                   – deliver events until the session ends
func (e *RodEngine) Open(ctx context.Context, rawURL string, h resolver.Handler) error {
	// ── 1. Acquire page from pool ─────────────────────────────────────
	pp, err := e.browser.acquire()
	if err != nil {
		return err
	}
	page := pp.page

	// ── 2. Cleanup: prevent DOM memory leak + guarantee pool return ───
	healthy := true
	defer func() { e.browser.release(pp, healthy) }()

	// ── 3. Stealth injection ──────────────────────────────────────────
	if e.stealth {
		if _, evalErr := page.EvalOnNewDocument(stealth.JS); evalErr != nil {
			slog.Warn("stealth injection failed, proceeding without stealth",
				"error", evalErr,
			)
		}
	}

	// ── 4. Extra headers ──────────────────────────────────────────────
	if e.userAgent != "" {
		_ = proto.NetworkSetExtraHTTPHeaders{
			Headers: toHeadersMap(map[string]string{"User-Agent": e.userAgent}),
		}.Call(page)
	}

	// ── 5. Mount hijack router ────────────────────────────────────────
	router := hijackResources(page, h)
	defer func() { _ = router.Stop() }()

	// ── 6. Bind session context to page ───────────────────────────────
	p := page.Context(ctx)

	// ── 7. Subscribe before navigation ────────────────────────────────
	doc := &mainDocument{frame: page.FrameID}
	responses := make(map[proto.NetworkRequestID]resolver.ResourceResponse)

	wait := p.EachEvent(
		func(ev *proto.NetworkRequestWillBeSent) {
			if ev.RedirectResponse != nil {
				h.ResourceReceived(resolver.ResourceResponse{
					URL:    ev.RedirectResponse.URL,
					Status: ev.RedirectResponse.Status,
					Stage:  resolver.StageEnd,
				})
			}
			if ev.Type != proto.NetworkResourceTypeDocument {
				return
			}
			h.NavigationRequested(resolver.NavigationRequest{
				URL:          ev.Request.URL,
				Type:         navigationType(ev),
				WillNavigate: true,
				TopFrame:     doc.observe(ev),
			})
		},
		func(ev *proto.NetworkResponseReceived) {
			resp := resolver.ResourceResponse{
				URL:    ev.Response.URL,
				Status: ev.Response.Status,
				Stage:  resolver.StageStart,
			}
			responses[ev.RequestID] = resp
			h.ResourceReceived(resp)
		},
		func(ev *proto.NetworkLoadingFinished) {
			resp, ok := responses[ev.RequestID]
			if !ok {
				return
			}
			delete(responses, ev.RequestID)
			resp.Stage = resolver.StageEnd
			h.ResourceReceived(resp)
		},
		func(ev *proto.NetworkLoadingFailed) {
			delete(responses, ev.RequestID)
			if doc.failed(ev) {
				h.Loaded(false)
			}
		},
		func(ev *proto.PageLoadEventFired) {
			h.Loaded(true)
		},
	)

	// ── 8. Navigate ───────────────────────────────────────────────────
	// A network failure (DNS, refused, download) is reported by the
	// Network.loadingFailed handler, after the events that preceded it.
	// Only a rejected Page.navigate call, which issues no request, is
	// reported here.
	if navErr := p.Navigate(rawURL); navErr != nil && ctx.Err() == nil {
		slog.Debug("rod: navigation failed", "url", rawURL, "error", navErr)
		if !errors.Is(navErr, &rod.NavigationError{}) {
			healthy = false
			h.Loaded(false)
		}
	}

	// ── 9. Deliver events until the session cancels ctx ───────────────
	wait()
	return nil
}

// mainDocument follows the top-frame document request currently in flight.
// A redirect keeps its request ID; a new navigation replaces it.
type mainDocument struct {
	frame proto.PageFrameID
	id    proto.NetworkRequestID
}

// observe reports whether ev is a top-frame document request and, if so,
// makes it the current one.
func (d *mainDocument) observe(ev *proto.NetworkRequestWillBeSent) bool {
	if ev.Type != proto.NetworkResourceTypeDocument || ev.FrameID != d.frame {
		return false
	}
	d.id = ev.RequestID
	return true
}

// failed reports whether ev is the failure of the current top-frame
// document. Failures of superseded navigations are ignored.
func (d *mainDocument) failed(ev *proto.NetworkLoadingFailed) bool {
	return d.id != "" && ev.RequestID == d.id
}

// navigationType classifies what started a document request.
func navigationType(ev *proto.NetworkRequestWillBeSent) resolver.NavigationType {
	if ev.RedirectResponse != nil {
		return resolver.NavigationRedirect
	}
	if ev.Initiator != nil {
		switch ev.Initiator.Type {
		case proto.NetworkInitiatorTypeScript:
			return resolver.NavigationScript
		case proto.NetworkInitiatorTypeParser:
			return resolver.NavigationParser
		}
	}
	return resolver.NavigationOther
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
