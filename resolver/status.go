package resolver

// StatusTracker remembers the last HTTP status observed for each URL.
// It is owned by a single session and is not safe for concurrent use.
type StatusTracker struct {
	codes map[string]int
}

// NewStatusTracker returns an empty tracker.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{codes: make(map[string]int)}
}

// Record stores status for url, replacing any earlier value.
// A zero status carries no information and is ignored.
func (t *StatusTracker) Record(url string, status int) {
	if status == 0 {
		return
	}
	t.codes[url] = status
}

// Lookup returns the recorded status for url.
func (t *StatusTracker) Lookup(url string) (int, bool) {
	status, ok := t.codes[url]
	return status, ok
}

// StatusOr returns the recorded status for url, or fallback when none was recorded.
func (t *StatusTracker) StatusOr(url string, fallback int) int {
	if status, ok := t.codes[url]; ok {
		return status
	}
	return fallback
}

// Snapshot returns a copy of the recorded statuses.
func (t *StatusTracker) Snapshot() map[string]int {
	m := make(map[string]int, len(t.codes))
	for k, v := range t.codes {
		m[k] = v
	}
	return m
}
