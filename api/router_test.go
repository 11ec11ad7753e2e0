package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-agent/hoptrace/api/handler"
	"github.com/use-agent/hoptrace/cache"
	"github.com/use-agent/hoptrace/config"
	"github.com/use-agent/hoptrace/models"
	"github.com/use-agent/hoptrace/resolver"
	"github.com/use-agent/hoptrace/webhook"
)

const testKey = "test-key"

// scriptedEngine reports the opened URL followed by redirects as top-frame
// navigations, each with status 301 except the last (200), then loads.
// A hanging engine never reports anything.
type scriptedEngine struct {
	name      string
	redirects []string
	hang      bool

	mu     sync.Mutex
	opened []string
}

func (e *scriptedEngine) Name() string { return e.name }

func (e *scriptedEngine) Open(ctx context.Context, url string, h resolver.Handler) error {
	e.mu.Lock()
	e.opened = append(e.opened, url)
	e.mu.Unlock()

	if !e.hang {
		hops := append([]string{url}, e.redirects...)
		for i, u := range hops {
			h.NavigationRequested(resolver.NavigationRequest{URL: u, TopFrame: true, WillNavigate: true})
			status := http.StatusMovedPermanently
			if i == len(hops)-1 {
				status = http.StatusOK
			}
			h.ResourceReceived(resolver.ResourceResponse{URL: u, Status: status, Stage: resolver.StageEnd})
		}
		h.Loaded(true)
	}
	<-ctx.Done()
	return nil
}

func (e *scriptedEngine) openCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.opened)
}

func (e *scriptedEngine) lastOpened() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opened[len(e.opened)-1]
}

type testServer struct {
	router  *gin.Engine
	httpEng *scriptedEngine
	rodEng  *scriptedEngine
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Mode = gin.TestMode
	cfg.Auth.APIKeys = []string{testKey}
	cfg.RateLimit.RequestsPerSecond = 1000
	cfg.RateLimit.Burst = 1000
	if mutate != nil {
		mutate(cfg)
	}

	httpEng := &scriptedEngine{name: "http", redirects: []string{"https://publisher.example/article"}}
	rodEng := &scriptedEngine{name: "rod", hang: true}

	opts := resolver.DefaultOptions()
	opts.MasterTimeout = 2 * time.Second
	hangOpts := opts
	hangOpts.MasterTimeout = 50 * time.Millisecond

	rs := handler.NewResolvers("http",
		resolver.New(httpEng, opts),
		resolver.New(rodEng, hangOpts),
	)
	cc := cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	t.Cleanup(cc.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	d := NewDeps(ctx, cfg, rs, nil, cc)
	return &testServer{router: NewRouter(cfg, d), httpEng: httpEng, rodEng: rodEng}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, key string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decodeResolve(t *testing.T, w *httptest.ResponseRecorder) models.ResolveResponse {
	t.Helper()
	var resp models.ResolveResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealth_NoAuth(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodGet, "/api/v1/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var health models.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, []string{"http", "rod"}, health.Engines)
}

func TestResolve_RequiresKey(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/resolve", gin.H{"url": "https://a.example"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, models.ErrCodeUnauthorized, decodeResolve(t, w).Error.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/resolve", gin.H{"url": "https://a.example"}, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/resolve", bytes.NewReader([]byte(`{"url":"https://a.example"}`)))
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestResolve_Path(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/resolve", gin.H{"url": "https://doi.example/10.1/x"}, testKey)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decodeResolve(t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, []models.Hop{
		{URL: "https://doi.example/10.1/x", Status: 301},
		{URL: "https://publisher.example/article", Status: 200},
	}, resp.Path)
	assert.Equal(t, "https://publisher.example/article", resp.FinalURL)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "http", resp.EngineUsed)
	assert.Empty(t, resp.CacheStatus)
}

func TestResolve_BareDOI(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/resolve", gin.H{"url": "doi:10.1000/xyz"}, testKey)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://doi.org/10.1000/xyz", ts.httpEng.lastOpened())
}

func TestResolve_InvalidInput(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name string
		body any
	}{
		{"missing url", gin.H{}},
		{"not http", gin.H{"url": "ftp://files.example/x"}},
		{"relative", gin.H{"url": "just-words"}},
		{"unknown engine", gin.H{"url": "https://a.example", "engine": "lynx"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/v1/resolve", tt.body, testKey)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, models.ErrCodeInvalidInput, decodeResolve(t, w).Error.Code)
		})
	}
	assert.Zero(t, ts.httpEng.openCount())
}

func TestResolve_MasterTimeout(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/resolve", gin.H{"url": "https://a.example", "engine": "rod"}, testKey)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)

	resp := decodeResolve(t, w)
	assert.False(t, resp.Success)
	assert.Equal(t, models.ErrCodeMasterTimeout, resp.Error.Code)
	assert.Equal(t, "rod", resp.EngineUsed)
}

func TestResolve_Cache(t *testing.T) {
	ts := newTestServer(t, nil)
	body := gin.H{"url": "https://a.example", "max_age": 60000}

	first := decodeResolve(t, ts.do(t, http.MethodPost, "/api/v1/resolve", body, testKey))
	assert.Equal(t, "miss", first.CacheStatus)

	second := decodeResolve(t, ts.do(t, http.MethodPost, "/api/v1/resolve", body, testKey))
	assert.Equal(t, "hit", second.CacheStatus)
	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, 1, ts.httpEng.openCount())

	// Without max_age the cache is bypassed.
	decodeResolve(t, ts.do(t, http.MethodPost, "/api/v1/resolve", gin.H{"url": "https://a.example"}, testKey))
	assert.Equal(t, 2, ts.httpEng.openCount())
}

func TestResolve_CacheSharedAcrossDOISpellings(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, input := range []string{"10.1000/xyz", "doi:10.1000/xyz", "https://doi.org/10.1000/xyz"} {
		w := ts.do(t, http.MethodPost, "/api/v1/resolve", gin.H{"url": input, "max_age": 60000}, testKey)
		require.Equal(t, http.StatusOK, w.Code, input)
	}
	assert.Equal(t, 1, ts.httpEng.openCount())
}

func TestResolve_RateLimited(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.RequestsPerSecond = 0.001
		cfg.RateLimit.Burst = 1
	})
	body := gin.H{"url": "https://a.example"}

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/resolve", body, testKey).Code)
	w := ts.do(t, http.MethodPost, "/api/v1/resolve", body, testKey)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, models.ErrCodeRateLimited, decodeResolve(t, w).Error.Code)
}

func TestResolve_Webhook(t *testing.T) {
	type delivery struct {
		sig  string
		body []byte
	}
	got := make(chan delivery, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- delivery{sig: r.Header.Get(webhook.SignatureHeader), body: body}
	}))
	defer hook.Close()

	ts := newTestServer(t, nil)
	w := ts.do(t, http.MethodPost, "/api/v1/resolve", gin.H{
		"url":             "https://a.example",
		"callback_url":    hook.URL,
		"callback_secret": "shh",
	}, testKey)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case d := <-got:
		assert.Equal(t, webhook.Sign("shh", d.body), d.sig)
		var ev webhook.Event
		require.NoError(t, json.Unmarshal(d.body, &ev))
		assert.Equal(t, webhook.EventResolveCompleted, ev.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestBatch(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/batch/resolve", gin.H{
		"urls": []string{"https://a.example", "10.1000/xyz", "nope"},
	}, testKey)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var accepted models.BatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	assert.Equal(t, 3, accepted.Total)

	var status models.BatchStatusResponse
	require.Eventually(t, func() bool {
		w := ts.do(t, http.MethodGet, "/api/v1/batch/"+accepted.ID, nil, testKey)
		if w.Code != http.StatusOK {
			return false
		}
		status = models.BatchStatusResponse{}
		_ = json.Unmarshal(w.Body.Bytes(), &status)
		return status.Status != models.BatchProcessing
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, models.BatchPartial, status.Status)
	assert.Equal(t, 3, status.Completed)
	require.Len(t, status.Results, 3)
	assert.True(t, status.Results[0].Success)
	assert.Equal(t, "https://doi.org/10.1000/xyz", status.Results[1].Path[0].URL)
	assert.Equal(t, models.ErrCodeInvalidInput, status.Results[2].Error.Code)
}

func TestBatch_NotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, http.MethodGet, "/api/v1/batch/batch-missing", nil, testKey)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBatch_Validation(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/batch/resolve", gin.H{"urls": []string{}}, testKey)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	urls := make([]string, 101)
	for i := range urls {
		urls[i] = "https://a.example"
	}
	w = ts.do(t, http.MethodPost, "/api/v1/batch/resolve", gin.H{"urls": urls}, testKey)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
