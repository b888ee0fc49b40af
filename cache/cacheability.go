package cache

import (
	"mime"
	"net/http"

	"github.com/always-cache/courier/rfc9111"
)

// Cacheability is a set of flags describing what a response means for the
// cache.
type Cacheability uint8

const (
	Cacheable Cacheability = 1 << iota
	Uncacheable
	// Invalidates means any stored response for the URI must be dropped.
	Invalidates
	// Validates means the response confirms a stored one (304).
	Validates
)

func (c Cacheability) String() string {
	var s string
	for _, f := range []struct {
		flag Cacheability
		name string
	}{{Cacheable, "cacheable"}, {Uncacheable, "uncacheable"}, {Invalidates, "invalidates"}, {Validates, "validates"}} {
		if c&f.flag != 0 {
			if s != "" {
				s += "|"
			}
			s += f.name
		}
	}
	return s
}

// GetCacheability classifies the response of x.
func (c *Cache) GetCacheability(x Exchange) Cacheability {
	switch x.Method() {
	case http.MethodGet:
	case http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodConnect:
		return Uncacheable
	default:
		return Uncacheable | Invalidates
	}

	header := x.ResponseHeader()
	if mediaType, _, err := mime.ParseMediaType(header.Get("Content-Type")); err == nil && mediaType == "multipart/x-mixed-replace" {
		return Uncacheable
	}

	cc := rfc9111.CacheControlOf(header)
	if cc.HasDirective("private") && c.typ == Shared {
		return Uncacheable
	}
	if cc.HasDirective("no-store") || cc.HasDirective("no-cache") {
		return Uncacheable
	}

	// responses to queries are only reused when explicitly allowed
	if x.URL().RawQuery != "" {
		if _, ok := cc.MaxAge(); !ok && header.Get("Expires") == "" {
			return Uncacheable
		}
	}

	status := x.StatusCode()
	switch status {
	case http.StatusPartialContent:
		return Uncacheable
	case http.StatusNotModified:
		return Validates
	case http.StatusMultipleChoices, http.StatusMovedPermanently, http.StatusGone:
		return Uncacheable
	case http.StatusFound, http.StatusTemporaryRedirect:
		return Uncacheable
	case http.StatusSeeOther, http.StatusForbidden, http.StatusNotFound, http.StatusMethodNotAllowed:
		return Uncacheable | Invalidates
	}
	// other 4xx and 5xx do not break the cache
	if (status >= 400 && status <= http.StatusFailedDependency) || status >= 500 {
		return Uncacheable
	}
	// unknown 2xx, 3xx and 4xx do
	if (status > http.StatusPartialContent && status < http.StatusMultipleChoices) ||
		(status > http.StatusTemporaryRedirect && status < 500) {
		return Uncacheable | Invalidates
	}
	if status < 200 {
		return Uncacheable
	}
	return Cacheable
}
