package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	tls "github.com/refraction-networking/utls"
	"github.com/use-agent/hoptrace/config"
	"github.com/use-agent/hoptrace/resolver"
	"golang.org/x/net/html/charset"
	"golang.org/x/net/proxy"
)

const (
	chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

	// maxBody caps how much of an HTML response is scanned for a meta refresh.
	maxBody = 2 << 20

	defaultMaxHops = 20
)

// HTTPEngine follows a redirect chain without rendering: 3xx Location
// headers, Refresh headers and <meta http-equiv="refresh"> tags. It is the
// fast path for chains that involve no script.
type HTTPEngine struct {
	client    *http.Client
	userAgent string
	maxHops   int
}

// chromeH1Spec is a Chrome-like TLS ClientHello with ALPN forced to http/1.1
// only. Computed once at init time and reused for every connection.
var chromeH1Spec tls.ClientHelloSpec

func init() {
	spec, err := tls.UTLSIdToSpec(tls.HelloChrome_Auto)
	if err != nil {
		return
	}
	// Replace h2 with http/1.1 only in the ALPN extension so the server
	// never negotiates HTTP/2 (which Go's http.Transport cannot handle
	// over a utls connection).
	for i, ext := range spec.Extensions {
		if alpn, ok := ext.(*tls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			spec.Extensions[i] = alpn
			break
		}
	}
	chromeH1Spec = spec
}

// NewHTTPEngine creates an HTTPEngine with a Chrome-like TLS fingerprint.
// The client never follows redirects itself; every hop is reported.
func NewHTTPEngine(cfg config.ResolverConfig) *HTTPEngine {
	dial := (&net.Dialer{Timeout: 10 * time.Second}).DialContext
	transport := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		ForceAttemptHTTP2: false,
	}

	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		switch {
		case err != nil:
			slog.Warn("http_engine: ignoring unparsable proxy", "proxy", cfg.Proxy, "error", err)
		case proxyURL.Scheme == "http" || proxyURL.Scheme == "https":
			transport.Proxy = http.ProxyURL(proxyURL)
		case proxyURL.Scheme == "socks5" || proxyURL.Scheme == "socks5h":
			if d, err := socksDialer(proxyURL); err == nil {
				transport.Proxy = nil
				dial = d.DialContext
				transport.DialContext = dial
			} else {
				slog.Warn("http_engine: socks5 proxy unusable", "proxy", cfg.Proxy, "error", err)
			}
		}
	}

	transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		host, _, _ := net.SplitHostPort(addr)
		tlsConn := tls.UClient(conn, &tls.Config{ServerName: host}, tls.HelloCustom)
		if err := tlsConn.ApplyPreset(&chromeH1Spec); err != nil {
			conn.Close()
			return nil, fmt.Errorf("http_engine: apply tls spec: %w", err)
		}
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return tlsConn, nil
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = chromeUA
	}
	maxHops := cfg.MaxHops
	if maxHops <= 0 {
		maxHops = defaultMaxHops
	}

	return &HTTPEngine{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent: ua,
		maxHops:   maxHops,
	}
}

func (e *HTTPEngine) Name() string { return NameHTTP }

// socksDialer builds a SOCKS5 dialer for u, with credentials when u has them.
func socksDialer(u *url.URL) (proxy.ContextDialer, error) {
	var auth *proxy.Auth
	if u.User != nil {
		pw, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: pw}
	}
	d, err := proxy.SOCKS5("tcp", u.Host, auth, &net.Dialer{Timeout: 10 * time.Second})
	if err != nil {
		return nil, err
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer does not support contexts")
	}
	return cd, nil
}

// Open follows the chain from rawURL, then idles until the session ends.
func (e *HTTPEngine) Open(ctx context.Context, rawURL string, h resolver.Handler) error {
	e.follow(ctx, rawURL, h)
	<-ctx.Done()
	return nil
}

// hopResult is what one fetch says about where the chain goes next.
type hopResult struct {
	status int
	next   string
	delay  time.Duration
	kind   resolver.NavigationType
}

func (e *HTTPEngine) follow(ctx context.Context, target string, h resolver.Handler) {
	kind := resolver.NavigationOther
	loaded := false

	for hop := 0; hop < e.maxHops; hop++ {
		h.NavigationRequested(resolver.NavigationRequest{
			URL:          target,
			Type:         kind,
			WillNavigate: true,
			TopFrame:     true,
		})

		ctl := &hijackControl{}
		h.ResourceRequested(resolver.ResourceRequest{URL: target, Document: true}, ctl)
		if ctl.aborted {
			h.Loaded(false)
			return
		}

		res, err := e.fetch(ctx, target)
		if err != nil {
			if ctx.Err() == nil {
				slog.Debug("http_engine: fetch failed", "url", target, "error", err)
				h.Loaded(false)
			}
			return
		}
		h.ResourceReceived(resolver.ResourceResponse{URL: target, Status: res.status, Stage: resolver.StageStart})
		h.ResourceReceived(resolver.ResourceResponse{URL: target, Status: res.status, Stage: resolver.StageEnd})

		if res.next == "" {
			h.Loaded(true)
			return
		}

		// A delayed refresh fires after the document has loaded, like a
		// browser would; the session may settle before it does.
		if res.delay > 0 {
			if !loaded {
				loaded = true
				h.Loaded(true)
			}
			t := time.NewTimer(res.delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		target, kind = res.next, res.kind
	}

	slog.Warn("http_engine: hop limit reached", "limit", e.maxHops, "url", target)
	h.Loaded(true)
}

// fetch performs one GET and works out the next hop, if any.
func (e *HTTPEngine) fetch(ctx context.Context, target string) (*hopResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("http_engine: build request: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http_engine: do request: %w", err)
	}
	defer resp.Body.Close()

	res := &hopResult{status: resp.StatusCode}
	base := resp.Request.URL

	if isRedirect(resp.StatusCode) {
		if loc := resp.Header.Get("Location"); loc != "" {
			if next, err := base.Parse(loc); err == nil {
				res.next = next.String()
				res.kind = resolver.NavigationRedirect
				return res, nil
			}
		}
	}

	if refresh := resp.Header.Get("Refresh"); refresh != "" {
		if delay, next, ok := parseRefresh(refresh, base); ok {
			res.next, res.delay, res.kind = next, delay, resolver.NavigationOther
			return res, nil
		}
	}

	if !isHTMLContentType(resp.Header.Get("Content-Type")) {
		return res, nil
	}
	// goquery expects UTF-8; legacy charsets are transcoded first.
	r, err := charset.NewReader(io.LimitReader(resp.Body, maxBody), resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("http_engine: detect charset: %w", err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("http_engine: read body: %w", err)
	}
	if delay, next, ok := metaRefresh(body, base); ok {
		res.next, res.delay, res.kind = next, delay, resolver.NavigationParser
	}
	return res, nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// isHTMLContentType returns true if the content-type header looks like HTML.
func isHTMLContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml+xml")
}

// metaRefresh finds the first <meta http-equiv="refresh"> in body and
// resolves its target against <base href> or the document URL.
func metaRefresh(body []byte, docURL *url.URL) (time.Duration, string, bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return 0, "", false
	}

	base := docURL
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if u, err := docURL.Parse(strings.TrimSpace(href)); err == nil {
			base = u
		}
	}

	var content string
	found := false
	doc.Find("meta[http-equiv]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.EqualFold(strings.TrimSpace(s.AttrOr("http-equiv", "")), "refresh") {
			content, found = s.AttrOr("content", ""), true
			return false
		}
		return true
	})
	if !found {
		return 0, "", false
	}
	return parseRefresh(content, base)
}

// parseRefresh parses a Refresh value such as `0; url=/next` or
// `5,URL='http://x/'`. A refresh without a target reloads the same
// document and is reported as not found.
func parseRefresh(content string, base *url.URL) (time.Duration, string, bool) {
	content = strings.TrimSpace(content)
	i := strings.IndexAny(content, ";,")
	if i < 0 {
		return 0, "", false
	}

	secs, err := strconv.ParseFloat(strings.TrimSpace(content[:i]), 64)
	if err != nil || secs < 0 {
		return 0, "", false
	}

	target := strings.TrimSpace(content[i+1:])
	if len(target) >= 3 && strings.EqualFold(target[:3], "url") {
		rest := strings.TrimSpace(target[3:])
		if strings.HasPrefix(rest, "=") {
			target = strings.TrimSpace(rest[1:])
		}
	}
	target = strings.Trim(target, `"'`)
	if target == "" {
		return 0, "", false
	}

	next, err := base.Parse(target)
	if err != nil {
		return 0, "", false
	}
	return time.Duration(secs * float64(time.Second)), next.String(), true
}
