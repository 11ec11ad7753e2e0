package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/hoptrace/models"
	"github.com/use-agent/hoptrace/resolver"
)

// Resolvers holds one Resolver per available engine.
type Resolvers struct {
	byName        map[string]*resolver.Resolver
	defaultEngine string
}

// NewResolvers indexes rs by engine name. defaultEngine is used for
// requests that do not pick one.
func NewResolvers(defaultEngine string, rs ...*resolver.Resolver) *Resolvers {
	m := make(map[string]*resolver.Resolver, len(rs))
	for _, r := range rs {
		m[r.EngineName()] = r
	}
	return &Resolvers{byName: m, defaultEngine: defaultEngine}
}

// Default returns the default engine name.
func (rs *Resolvers) Default() string { return rs.defaultEngine }

// Get returns the resolver for engine, or an INVALID_INPUT error when that
// engine is not running.
func (rs *Resolvers) Get(engine string) (*resolver.Resolver, error) {
	r, ok := rs.byName[engine]
	if !ok {
		return nil, models.NewResolveError(models.ErrCodeInvalidInput,
			fmt.Sprintf("engine %q is not available", engine), nil)
	}
	return r, nil
}

// Engines lists the available engine names in sorted order.
func (rs *Resolvers) Engines() []string {
	names := make([]string, 0, len(rs.byName))
	for n := range rs.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// resolveOne runs a single session and shapes the result for the API.
// It never returns nil.
func (rs *Resolvers) resolveOne(ctx context.Context, rawURL, engine string) *models.ResolveResponse {
	start := time.Now()
	resp, err := rs.resolve(ctx, rawURL, engine)
	if err != nil {
		resp = &models.ResolveResponse{
			Success:    false,
			EngineUsed: engine,
			Error:      asResolveError(err).ToDetail(),
		}
	}
	resp.Timing.ResolveMs = time.Since(start).Milliseconds()
	return resp
}

func (rs *Resolvers) resolve(ctx context.Context, rawURL, engine string) (*models.ResolveResponse, error) {
	r, err := rs.Get(engine)
	if err != nil {
		return nil, err
	}
	target, err := validateTarget(rawURL)
	if err != nil {
		return nil, err
	}

	outcome, err := r.Navigate(ctx, target)
	if err != nil {
		return nil, err
	}

	resp := &models.ResolveResponse{
		Success:    true,
		Path:       outcome.Hops(),
		FinalURL:   outcome.Final(),
		EngineUsed: r.EngineName(),
	}
	if final := outcome.Final(); final != "" {
		resp.StatusCode = outcome.Status(final)
	}
	return resp, nil
}

// validateTarget normalizes DOIs and rejects anything that is not an
// absolute http(s) URL afterwards.
func validateTarget(raw string) (string, error) {
	target, err := resolver.NormalizeTarget(raw)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", models.NewResolveError(models.ErrCodeInvalidInput,
			fmt.Sprintf("not an http(s) URL or DOI: %q", raw), err)
	}
	return target, nil
}

// asResolveError finds the ResolveError in err's chain, wrapping unknown
// errors as INTERNAL_ERROR.
func asResolveError(err error) *models.ResolveError {
	var re *models.ResolveError
	if errors.As(err, &re) {
		return re
	}
	return models.NewResolveError(models.ErrCodeInternal, err.Error(), err)
}

// mapErrorToStatus translates error codes to HTTP status codes.
func mapErrorToStatus(detail *models.ErrorDetail) int {
	if detail == nil {
		return http.StatusOK
	}
	switch detail.Code {
	case models.ErrCodeMasterTimeout:
		return http.StatusGatewayTimeout // 504
	case models.ErrCodeEngine, models.ErrCodeBrowserCrash:
		return http.StatusBadGateway // 502
	case models.ErrCodeInvalidInput:
		return http.StatusBadRequest // 400
	case models.ErrCodeRateLimited:
		return http.StatusTooManyRequests // 429
	case models.ErrCodeUnauthorized:
		return http.StatusUnauthorized // 401
	default:
		return http.StatusInternalServerError // 500
	}
}

// badRequest writes a binding failure.
func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, models.ResolveResponse{
		Success: false,
		Error: &models.ErrorDetail{
			Code:    models.ErrCodeInvalidInput,
			Message: err.Error(),
		},
	})
}
