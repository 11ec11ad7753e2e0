package engine

import (
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/use-agent/hoptrace/resolver"
)

// hijackControl records whether the handler aborted a hijacked request.
type hijackControl struct {
	aborted bool
}

func (c *hijackControl) Abort() { c.aborted = true }

// hijackResources installs a request interceptor that hands every outgoing
// request to h before it is sent. Requests the handler aborts fail with
// BlockedByClient; the rest continue untouched.
//
// Returns the running HijackRouter so the caller can defer router.Stop().
func hijackResources(page *rod.Page, h resolver.Handler) *rod.HijackRouter {
	router := page.HijackRequests()

	// Pattern "*" + empty resourceType = intercept ALL requests, then
	// decide per-request whether to block or continue.
	_ = router.Add("*", "", func(ctx *rod.Hijack) {
		ctl := &hijackControl{}
		h.ResourceRequested(resolver.ResourceRequest{
			URL:      ctx.Request.URL().String(),
			Document: ctx.Request.Type() == proto.NetworkResourceTypeDocument,
		}, ctl)

		if ctl.aborted {
			ctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		ctx.ContinueRequest(&proto.FetchContinueRequest{})
	})

	// router.Run() blocks, so it must live in its own goroutine.
	// It will exit when router.Stop() is called.
	go router.Run()

	return router
}
