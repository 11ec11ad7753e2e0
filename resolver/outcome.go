package resolver

import (
	"encoding/json"

	"github.com/use-agent/hoptrace/models"
)

// NavigationOutcome is the frozen result of a finalized session.
type NavigationOutcome struct {
	path     []string
	statuses map[string]int
	fallback int
}

func newOutcome(path []string, statuses map[string]int, fallback int) *NavigationOutcome {
	p := make([]string, len(path))
	copy(p, path)
	return &NavigationOutcome{path: p, statuses: statuses, fallback: fallback}
}

// Path returns a copy of the redirect path in hop order.
func (o *NavigationOutcome) Path() []string {
	p := make([]string, len(o.path))
	copy(p, o.path)
	return p
}

// Statuses returns a copy of every status recorded during the session,
// including sub-resources that never became hops.
func (o *NavigationOutcome) Statuses() map[string]int {
	m := make(map[string]int, len(o.statuses))
	for k, v := range o.statuses {
		m[k] = v
	}
	return m
}

// Status returns the status for a hop URL, substituting the fallback when
// no response was recorded for it.
func (o *NavigationOutcome) Status(url string) int {
	if s, ok := o.statuses[url]; ok {
		return s
	}
	return o.fallback
}

// Hops pairs every path entry with its status.
func (o *NavigationOutcome) Hops() []models.Hop {
	hops := make([]models.Hop, 0, len(o.path))
	for _, u := range o.path {
		hops = append(hops, models.Hop{URL: u, Status: o.Status(u)})
	}
	return hops
}

// Final returns the resolved destination, or "" for an empty path.
func (o *NavigationOutcome) Final() string {
	if len(o.path) == 0 {
		return ""
	}
	return o.path[len(o.path)-1]
}

// Record converts the outcome to its wire form.
func (o *NavigationOutcome) Record() models.PathRecord {
	return models.PathRecord{Path: o.Hops()}
}

// MarshalJSON encodes the outcome as {"path": [[url, status], ...]}.
func (o *NavigationOutcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Record())
}
