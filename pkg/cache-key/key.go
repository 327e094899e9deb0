package cachekey

import (
	"net/http"
	"strings"
)

const methodSeparator = ":"

type CacheKeyer struct {
	// Unique identifier for the origin.
	// Usually this should be the origin - well - origin.
	OriginId string
}

func NewCacheKeyer(originId string) CacheKeyer {
	return CacheKeyer{
		OriginId: strings.TrimRight(originId, "/"),
	}
}

// Key returns the store key for a request, i.e. the method and the absolute URL.
// Relative request URLs are resolved against the origin.
// Cross-origin (absolute) URLs keep their own scheme and host.
func (c CacheKeyer) Key(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.Method + methodSeparator + r.URL.String()
	}
	return c.KeyFor(r.Method, r.URL.RequestURI())
}

// KeyFor returns the store key for a method and a path on the origin.
func (c CacheKeyer) KeyFor(method, uri string) string {
	return method + methodSeparator + c.OriginId + uri
}
