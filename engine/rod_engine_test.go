package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-agent/hoptrace/config"
	"github.com/use-agent/hoptrace/resolver"
)

// Browser tests need a local Chromium; opt in with HOPTRACE_BROWSER_TESTS=1.
func launchTestBrowser(t *testing.T) *Browser {
	t.Helper()
	if os.Getenv("HOPTRACE_BROWSER_TESTS") != "1" {
		t.Skip("set HOPTRACE_BROWSER_TESTS=1 to run browser tests")
	}
	cfg := config.Default().Browser
	cfg.MaxPages = 2
	cfg.NoSandbox = true
	b, err := LaunchBrowser(cfg)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestRodEngine_ScriptRedirect(t *testing.T) {
	b := launchTestBrowser(t)

	var pngHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/js", http.StatusFound)
	})
	mux.HandleFunc("/js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><img src="/pixel.png"><script>location.replace("/final")</script></body></html>`)
	})
	mux.HandleFunc("/pixel.png", func(w http.ResponseWriter, r *http.Request) {
		pngHits.Add(1)
		w.Header().Set("Content-Type", "image/png")
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>landed</body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := config.Default().Resolver
	opts := resolver.OptionsFromConfig(cfg)
	opts.HopTimeout = 500 * time.Millisecond
	r := resolver.New(NewRodEngine(b, cfg), opts)

	outcome, err := r.Navigate(context.Background(), srv.URL+"/start")
	require.NoError(t, err)

	path := outcome.Path()
	require.NotEmpty(t, path)
	assert.Equal(t, srv.URL+"/start", path[0])
	assert.Equal(t, srv.URL+"/final", outcome.Final())
	assert.Equal(t, http.StatusFound, outcome.Status(srv.URL+"/start"))
	assert.Zero(t, pngHits.Load(), "images are blocked before they are requested")
	assert.Zero(t, b.Stats().ActivePages, "page returned to the pool")
}

func TestRodEngine_ReleasesPageOnCancel(t *testing.T) {
	b := launchTestBrowser(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	cfg := config.Default().Resolver
	r := resolver.New(NewRodEngine(b, cfg), resolver.OptionsFromConfig(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := r.Navigate(ctx, srv.URL)
	require.Error(t, err)
	assert.Zero(t, b.Stats().ActivePages)
}

func TestRodEngine_UnreachableKeepsInitialHop(t *testing.T) {
	b := launchTestBrowser(t)

	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL + "/gone"
	srv.Close()

	cfg := config.Default().Resolver
	r := resolver.New(NewRodEngine(b, cfg), resolver.OptionsFromConfig(cfg))

	outcome, err := r.Navigate(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, []string{target}, outcome.Path())
	assert.Equal(t, cfg.FallbackStatus, outcome.Status(target))
	assert.Zero(t, b.Stats().ActivePages)
}

func TestMainDocument(t *testing.T) {
	doc := &mainDocument{frame: "main"}

	willSend := func(id proto.NetworkRequestID, frame proto.PageFrameID, typ proto.NetworkResourceType) *proto.NetworkRequestWillBeSent {
		return &proto.NetworkRequestWillBeSent{RequestID: id, FrameID: frame, Type: typ}
	}
	failed := func(id proto.NetworkRequestID) *proto.NetworkLoadingFailed {
		return &proto.NetworkLoadingFailed{RequestID: id, ErrorText: "net::ERR_CONNECTION_REFUSED"}
	}

	assert.False(t, doc.failed(failed("1")), "nothing in flight yet")

	assert.False(t, doc.observe(willSend("9", "main", proto.NetworkResourceTypeImage)))
	assert.False(t, doc.observe(willSend("8", "child", proto.NetworkResourceTypeDocument)))
	assert.True(t, doc.observe(willSend("1", "main", proto.NetworkResourceTypeDocument)))

	assert.False(t, doc.failed(failed("8")), "subframe failure")
	assert.False(t, doc.failed(failed("9")), "sub-resource failure")
	assert.True(t, doc.failed(failed("1")))

	require.True(t, doc.observe(willSend("2", "main", proto.NetworkResourceTypeDocument)))
	assert.False(t, doc.failed(failed("1")), "superseded navigation")
	assert.True(t, doc.failed(failed("2")))
}
