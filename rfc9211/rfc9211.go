// Package rfc9211 formats the Cache-Status response header field.
//
// Lines starting with § quote the RFC.
package rfc9211

import (
	"strconv"
	"strings"
	"time"
)

// §  2.  The Cache-Status HTTP Response Header Field
// §
// §     The Cache-Status HTTP response header field indicates caches' handling
// §     of the request corresponding to the response it occurs within.

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache contained a response that matched the request
	// URI, but it could not select a response based upon this request's
	// header fields and stored Vary header fields.
	FwdReasonVaryMiss FwdReason = "vary-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdReasonMiss FwdReason = "miss"

	// The cache was able to select a fresh response for the
	// request, but the request's semantics (e.g., Cache-Control request
	// directives) did not allow its use.
	FwdReasonRequest FwdReason = "request"

	// The cache was able to select a response for the request, but
	// it was stale.
	FwdReasonStale FwdReason = "stale"
)

// CacheStatus is one member of a Cache-Status field value.
type CacheStatus struct {
	cache     string
	hit       bool
	fwdReason FwdReason
	stored    bool
	ttl       *time.Duration
	key       string
	detail    string
}

// New starts a status entry for the named cache.
func New(cache string) *CacheStatus {
	return &CacheStatus{cache: cache}
}

// §  2.1.  The hit Parameter
// §
// §     "hit", when present, indicates that the request was satisfied by the
// §     cache; that is, it was not forwarded, and the response was obtained
// §     from the cache.
func (cs *CacheStatus) Hit() *CacheStatus {
	cs.hit = true
	cs.fwdReason = ""
	return cs
}

// §  2.2.  The fwd Parameter
// §
// §     "fwd", when present, indicates that the request went forward towards
// §     the origin.
func (cs *CacheStatus) Forward(reason FwdReason) *CacheStatus {
	cs.hit = false
	cs.fwdReason = reason
	return cs
}

// §  2.4.  The stored Parameter
// §
// §     "stored" indicates whether the cache stored the response
func (cs *CacheStatus) Stored() *CacheStatus {
	cs.stored = true
	return cs
}

// §  2.6.  The ttl Parameter
// §
// §     "ttl" indicates the response's remaining freshness lifetime as
// §     calculated by the cache, as an integer number of seconds, measured
// §     when the response header section is sent by the cache.  This includes
// §     freshness assigned by the cache through, for example, heuristics,
// §     local configuration, or other factors.  May be negative, to indicate
// §     staleness.
func (cs *CacheStatus) TTL(ttl time.Duration) *CacheStatus {
	cs.ttl = &ttl
	return cs
}

func (cs *CacheStatus) Key(key string) *CacheStatus {
	cs.key = key
	return cs
}

func (cs *CacheStatus) Detail(detail string) *CacheStatus {
	cs.detail = detail
	return cs
}

func (cs *CacheStatus) String() string {
	var b strings.Builder
	b.WriteString(cs.cache)
	if cs.hit {
		b.WriteString("; hit")
	} else if cs.fwdReason != "" {
		b.WriteString("; fwd=")
		b.WriteString(string(cs.fwdReason))
	}
	if cs.stored {
		b.WriteString("; stored")
	}
	if cs.ttl != nil {
		b.WriteString("; ttl=")
		b.WriteString(strconv.FormatInt(int64(*cs.ttl/time.Second), 10))
	}
	if cs.key != "" {
		b.WriteString("; key=")
		b.WriteString(strconv.Quote(cs.key))
	}
	if cs.detail != "" {
		b.WriteString("; detail=")
		b.WriteString(strconv.Quote(cs.detail))
	}
	return b.String()
}
