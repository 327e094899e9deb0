package strategy

import (
	"strings"
)

// Binding binds a path prefix to a strategy.
type Binding struct {
	Prefix   string   `yaml:"prefix" toml:"prefix"`
	Strategy Strategy `yaml:"strategy" toml:"strategy"`
}

// Router maps request paths to strategies.
// Bindings are checked in order and the first matching prefix wins.
// A router is immutable once created.
type Router struct {
	bindings []Binding
}

// DefaultStrategy is used for paths no binding matches.
const DefaultStrategy = StaleWhileRevalidate

func NewRouter(bindings []Binding) Router {
	return Router{
		bindings: append([]Binding(nil), bindings...),
	}
}

// DefaultBindings returns the bindings for the library application API.
// More specific prefixes come before the general ones.
func DefaultBindings() []Binding {
	return []Binding{
		{Prefix: "/api/library/sections", Strategy: CacheFirst},
		{Prefix: "/api/library/groups", Strategy: CacheFirst},
		{Prefix: "/api/library/stats", Strategy: NetworkFirst},
		{Prefix: "/api/library/search", Strategy: NetworkFirst},
		{Prefix: "/api/library/items", Strategy: StaleWhileRevalidate},
		{Prefix: "/api/enrichment/stream", Strategy: NetworkOnly},
		{Prefix: "/api/enrichment", Strategy: NetworkFirst},
		{Prefix: "/api/dev", Strategy: NetworkOnly},
		{Prefix: "/static/", Strategy: CacheFirst},
	}
}

// Resolve returns the strategy for the path, or DefaultStrategy if nothing matches.
func (r Router) Resolve(path string) Strategy {
	if s, ok := r.Lookup(path); ok {
		return s
	}
	return DefaultStrategy
}

// Lookup returns the strategy of the first binding matching the path.
// The second return value is false if no binding matches.
func (r Router) Lookup(path string) (Strategy, bool) {
	for _, b := range r.bindings {
		if strings.HasPrefix(path, b.Prefix) {
			return b.Strategy, true
		}
	}
	return 0, false
}

// Bindings returns a copy of the bindings in matching order.
func (r Router) Bindings() []Binding {
	return append([]Binding(nil), r.bindings...)
}
