package cache

import (
	"fmt"
	"net/http"
	"os"

	cachekey "github.com/always-cache/courier/pkg/cache-key"
	"github.com/always-cache/courier/rfc9111"
	"github.com/always-cache/courier/rfc9211"
)

// Result says whether a stored response can be used for a request.
type Result int

const (
	// Stale means there is no usable response.
	Stale Result = iota
	// NeedsValidation means a response is stored but must be revalidated
	// with the origin before use.
	NeedsValidation
	// Fresh means the stored response can be sent as is.
	Fresh
)

func (r Result) String() string {
	switch r {
	case Fresh:
		return "fresh"
	case NeedsValidation:
		return "needs-validation"
	}
	return "stale"
}

var conditionalHeaders = []string{"If-Modified-Since", "If-None-Match", "If-Match", "If-Unmodified-Since", "If-Range"}

// Lookup says whether the response stored for the request of x can be used.
func (c *Cache) Lookup(x Exchange) Result {
	key, err := cachekey.Key(x.URL())
	if err != nil {
		return Stale
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, result, _ := c.lookupLocked(key, x)
	return result
}

// HasResponse reports whether a fresh response is stored for x.
func (c *Cache) HasResponse(x Exchange) bool {
	return c.Lookup(x) == Fresh
}

func (c *Cache) lookupLocked(key string, x Exchange) (*entry, Result, rfc9211.FwdReason) {
	if x.Method() != http.MethodGet {
		return nil, Stale, rfc9211.FwdReasonMethod
	}
	e, ok := c.entries.Peek(key)
	if !ok {
		return nil, Stale, rfc9211.FwdReasonUriMiss
	}
	if e.dirty() {
		return nil, Stale, rfc9211.FwdReasonMiss
	}
	req := x.RequestHeader()
	if !rfc9111.VaryMatch(req, rfc9111.VaryFields(e.header), e.vary) {
		return nil, Stale, rfc9211.FwdReasonVaryMiss
	}
	for _, name := range conditionalHeaders {
		if req.Get(name) != "" {
			return nil, Stale, rfc9211.FwdReasonRequest
		}
	}
	if rfc9111.PragmaNoCache(req) {
		return nil, Stale, rfc9211.FwdReasonRequest
	}

	age := rfc9111.CurrentAge(e.date, now())
	cc := rfc9111.CacheControlOf(req)
	if cc.HasDirective("no-store") {
		return nil, Stale, rfc9211.FwdReasonRequest
	}
	revalidate := cc.HasDirective("no-cache")
	maxStale, bounded, hasMaxStale := cc.MaxStale()
	if maxAge, ok := cc.MaxAge(); ok {
		if maxAge == 0 {
			revalidate = true
		} else if age > maxAge && !hasMaxStale {
			return nil, Stale, rfc9211.FwdReasonRequest
		}
	}
	minFresh, _ := cc.MinFresh()

	if revalidate {
		return e, NeedsValidation, rfc9211.FwdReasonRequest
	}
	if age+minFresh < e.freshness {
		return e, Fresh, ""
	}
	// stale; the request may still accept it
	if hasMaxStale && !e.mustRevalidate && (!bounded || age-maxStale <= e.freshness) {
		return e, Fresh, ""
	}
	return e, NeedsValidation, rfc9211.FwdReasonStale
}

// SendResponse fills x with the stored response for its request, adding
// Age and Cache-Status. It fails with ErrNotCached unless the response is
// fresh.
func (c *Cache) SendResponse(x Responder) error {
	key, err := cachekey.Key(x.URL())
	if err != nil {
		return err
	}
	c.mu.Lock()
	e, result, _ := c.lookupLocked(key, x)
	if result != Fresh {
		c.mu.Unlock()
		return ErrNotCached
	}
	c.entries.Get(key)
	statusCode, reason, length := e.statusCode, e.reason, e.length
	header := e.header.Clone()
	age := rfc9111.CurrentAge(e.date, now())
	freshness := e.freshness
	c.mu.Unlock()

	body, err := os.ReadFile(c.path(key))
	if err == nil && int64(len(body)) != length {
		err = fmt.Errorf("body has %d bytes, expected %d", len(body), length)
	}
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Discarding unreadable entry")
		c.remove(key, e)
		return ErrNotCached
	}

	c.mu.Lock()
	e.hits++
	c.mu.Unlock()

	header.Set("Age", rfc9111.AgeHeader(age))
	header.Set("Cache-Status", rfc9211.New(Name).Hit().TTL(freshness-age).String())
	x.SetResponse(statusCode, reason, header, body)
	c.log.Debug().Str("key", key).Dur("age", age).Msg("Served from cache")
	return nil
}

// remove drops the entry for key if it is still e.
func (c *Cache) remove(key string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries.Peek(key); ok && cur == e {
		c.entries.Remove(key)
	}
}
