package models

// ResolveRequest is the payload for POST /api/v1/resolve.
type ResolveRequest struct {
	// URL is the link to resolve: an http(s) URL, a DOI URL or a bare DOI.
	// Required.
	URL string `json:"url" binding:"required"`

	// Engine selects the navigation engine.
	// "rod" renders the page in headless Chrome and follows script redirects.
	// "http" follows HTTP and meta-refresh redirects only.
	// Default: the server's configured engine.
	Engine string `json:"engine,omitempty" binding:"omitempty,oneof=rod http"`

	// MaxAge, in milliseconds, allows serving a cached outcome younger
	// than this. Zero disables the cache for this request.
	MaxAge int `json:"max_age,omitempty" binding:"omitempty,min=0"`

	// CallbackURL receives the response as a signed webhook when set.
	CallbackURL string `json:"callback_url,omitempty" binding:"omitempty,url"`

	// CallbackSecret signs the webhook body with HMAC-SHA256.
	CallbackSecret string `json:"callback_secret,omitempty"`
}

// Defaults applies default values to unset fields.
func (r *ResolveRequest) Defaults(defaultEngine string) {
	if r.Engine == "" {
		r.Engine = defaultEngine
	}
}
