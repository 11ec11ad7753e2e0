package engine

import (
	"math"
	"time"

	"github.com/go-rod/rod"
)

// Retirement thresholds for pooled pages.
const (
	retireErrScore = 3.0
	retireUses     = 50
	retireAge      = 50 * time.Minute
)

// pooledPage is a tab plus the health bookkeeping that decides when it is
// closed instead of going back to the pool.
//
// Scoring rules:
//   - Success: errScore -= 0.5 (min 0)
//   - Failure: errScore += 1.0
//
// A page retires when any of errScore, use count or age crosses its
// threshold. Only the session holding the page touches these fields.
type pooledPage struct {
	page     *rod.Page
	errScore float64
	useCount int
	created  time.Time
}

func newPooledPage(p *rod.Page, now time.Time) *pooledPage {
	return &pooledPage{page: p, created: now}
}

func (p *pooledPage) record(success bool) {
	p.useCount++
	if success {
		p.errScore = math.Max(0, p.errScore-0.5)
		return
	}
	p.errScore++
}

func (p *pooledPage) shouldRetire(now time.Time) bool {
	return p.errScore >= retireErrScore ||
		p.useCount >= retireUses ||
		now.Sub(p.created) >= retireAge
}
