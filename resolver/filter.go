package resolver

import (
	"net/url"
	"path"
	"strings"
)

// DefaultBlockedExtensions are the image types aborted before they are fetched.
var DefaultBlockedExtensions = []string{".jpg", ".gif", ".png"}

// ResourceFilter aborts sub-resource requests whose URL path ends in a
// blocked extension.
type ResourceFilter struct {
	blocked map[string]struct{}
}

// NewResourceFilter builds a filter from extensions such as ".png" or "png".
// Matching is case-insensitive.
func NewResourceFilter(extensions []string) *ResourceFilter {
	blocked := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		blocked[ext] = struct{}{}
	}
	return &ResourceFilter{blocked: blocked}
}

// Match reports whether rawURL's path carries a blocked extension.
// Query strings and fragments are ignored.
func (f *ResourceFilter) Match(rawURL string) bool {
	if len(f.blocked) == 0 {
		return false
	}
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	_, ok := f.blocked[strings.ToLower(path.Ext(p))]
	return ok
}

// Blocks reports whether req must be aborted. Document requests always pass.
func (f *ResourceFilter) Blocks(req ResourceRequest) bool {
	return !req.Document && f.Match(req.URL)
}
