package models

// ResolveResponse is the response for POST /api/v1/resolve.
type ResolveResponse struct {
	// Success indicates whether the resolution finalized without errors.
	Success bool `json:"success"`

	// Path is the ordered hop sequence, each hop encoded as [url, status].
	Path []Hop `json:"path"`

	// FinalURL is the last hop's URL, empty when no hop was recorded.
	FinalURL string `json:"final_url"`

	// StatusCode is the last hop's status.
	StatusCode int `json:"status_code"`

	// EngineUsed indicates which engine produced the path ("rod" or "http").
	EngineUsed string `json:"engine_used,omitempty"`

	// CacheStatus indicates whether the response was served from cache.
	// Values: "hit", "miss", or empty (caching not requested).
	CacheStatus string `json:"cache_status,omitempty"`

	// Timing provides duration breakdowns for the operation.
	Timing TimingInfo `json:"timing"`

	// Error is populated only when Success is false.
	Error *ErrorDetail `json:"error,omitempty"`
}

// TimingInfo breaks down the time spent in each phase.
type TimingInfo struct {
	// TotalMs is the end-to-end duration in milliseconds.
	TotalMs int64 `json:"total_ms"`

	// ResolveMs is the time the navigation session was live.
	ResolveMs int64 `json:"resolve_ms"`
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status    string    `json:"status"` // "healthy" or "degraded"
	Uptime    string    `json:"uptime"`
	PoolStats PoolStats `json:"pool_stats"`
	Engines   []string  `json:"engines"`
	Version   string    `json:"version"`
}

// PoolStats reports the state of the browser page pool.
type PoolStats struct {
	MaxPages    int `json:"max_pages"`
	ActivePages int `json:"active_pages"`
}
