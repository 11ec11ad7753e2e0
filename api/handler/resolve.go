package handler

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/hoptrace/cache"
	"github.com/use-agent/hoptrace/models"
	"github.com/use-agent/hoptrace/webhook"
)

// Resolve returns a handler for POST /api/v1/resolve.
//
// Orchestration flow:
//  1. Parse & validate request, apply defaults.
//  2. Cache lookup when max_age is set.
//  3. Navigate in a fresh session    (records resolve_ms)
//  4. Cache store on success.
//  5. Fire the webhook, if any, and respond.
func Resolve(rs *Resolvers, cc *cache.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		totalStart := time.Now()

		// ── 1. Parse request ────────────────────────────────────────
		var req models.ResolveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		req.Defaults(rs.Default())

		// ── 2. Cache lookup ─────────────────────────────────────────
		// Keyed on the normalized target so DOI spellings share an entry.
		target := req.URL
		if t, err := validateTarget(req.URL); err == nil {
			target = t
		}
		cacheKey := cache.Key(target, req.Engine)
		if cc != nil && req.MaxAge > 0 {
			if cached, hit := cc.Get(cacheKey, req.MaxAge); hit {
				// Copy so concurrent hits never share the Timing field.
				resp := *cached
				resp.CacheStatus = "hit"
				resp.Timing = models.TimingInfo{
					TotalMs: time.Since(totalStart).Milliseconds(),
				}
				c.JSON(mapErrorToStatus(resp.Error), resp)
				return
			}
		}

		// ── 3. Resolve ──────────────────────────────────────────────
		resp := rs.resolveOne(c.Request.Context(), req.URL, req.Engine)
		resp.Timing.TotalMs = time.Since(totalStart).Milliseconds()

		// ── 4. Cache store ──────────────────────────────────────────
		if cc != nil && req.MaxAge > 0 && resp.Success {
			stored := *resp
			cc.Set(cacheKey, &stored)
			resp.CacheStatus = "miss"
		}

		// ── 5. Webhook + respond ────────────────────────────────────
		if req.CallbackURL != "" {
			eventType := webhook.EventResolveCompleted
			if !resp.Success {
				eventType = webhook.EventResolveFailed
			}
			webhook.DeliverAsync(req.CallbackURL, req.CallbackSecret, webhook.NewEvent(eventType, resp))
		}

		c.JSON(mapErrorToStatus(resp.Error), resp)
	}
}
