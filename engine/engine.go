package engine

import (
	"fmt"

	"github.com/use-agent/hoptrace/config"
	"github.com/use-agent/hoptrace/resolver"
)

// Engine identifiers accepted by New and the API's "engine" field.
const (
	NameRod  = "rod"
	NameHTTP = "http"
)

// New builds the engine called name. The rod engine needs a launched Browser;
// the http engine ignores b.
func New(name string, b *Browser, cfg config.ResolverConfig) (resolver.Engine, error) {
	switch name {
	case NameRod:
		if b == nil {
			return nil, fmt.Errorf("engine %q: browser not launched", name)
		}
		return NewRodEngine(b, cfg), nil
	case NameHTTP:
		return NewHTTPEngine(cfg), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", name)
	}
}
