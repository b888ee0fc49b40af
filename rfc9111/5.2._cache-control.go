package rfc9111

import (
	"net/http"
	"strings"
	"time"
)

// §  5.2.  Cache-Control
// §
// §     The "Cache-Control" header field is used to list directives for
// §     caches along the request/response chain.
// §
// §     Cache directives are identified by a token, to be compared case-
// §     insensitively, and have an optional argument that can use both token
// §     and quoted-string syntax.

// CacheControl holds the directives of one or more Cache-Control field lines.
type CacheControl struct {
	directives map[string]string
}

// ParseCacheControl takes Cache-Control headers as a slice of strings
// and returns an instance of `CacheControl`.
// The first occurrence of a repeated directive wins.
func ParseCacheControl(headers []string) CacheControl {
	m := make(map[string]string)
	for _, header := range headers {
		for _, directive := range splitList(header) {
			name, arg, _ := strings.Cut(directive, "=")
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			if _, seen := m[name]; seen {
				continue
			}
			m[name] = strings.Trim(strings.TrimSpace(arg), "\"")
		}
	}
	return CacheControl{m}
}

// CacheControlOf parses the Cache-Control field of h.
func CacheControlOf(h http.Header) CacheControl {
	return ParseCacheControl(h.Values("Cache-Control"))
}

// Get returns the argument of the directive and whether it is present.
func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.directives[directive]
	return val, ok
}

func (c CacheControl) HasDirective(directive string) bool {
	_, ok := c.Get(directive)
	return ok
}

// MaxAge returns "max-age" as a duration and whether it was present. A
// present but malformed value yields zero, so the response is stale.
func (c CacheControl) MaxAge() (time.Duration, bool) {
	return c.getDeltaSeconds("max-age")
}

func (c CacheControl) SMaxAge() (time.Duration, bool) {
	return c.getDeltaSeconds("s-maxage")
}

func (c CacheControl) MinFresh() (time.Duration, bool) {
	return c.getDeltaSeconds("min-fresh")
}

// §  5.2.1.2.  max-stale
// §
// §     The max-stale request directive indicates that the client will accept
// §     a response that has exceeded its freshness lifetime.  If a value is
// §     present, then the client is willing to accept a response that has
// §     exceeded its freshness lifetime by no more than the specified number
// §     of seconds.  If no value is assigned to max-stale, then the client
// §     will accept a stale response of any age.

// MaxStale reports whether "max-stale" is present, and its limit unless
// it is unbounded.
func (c CacheControl) MaxStale() (limit time.Duration, bounded bool, ok bool) {
	arg, ok := c.Get("max-stale")
	if !ok {
		return 0, false, false
	}
	if arg == "" {
		return 0, false, true
	}
	limit, valid := deltaSeconds(arg)
	if !valid {
		return 0, false, true
	}
	return limit, true, true
}

// getDeltaSeconds returns the "delta-seconds" as `time.Duration`,
// as well as a boolean indicating whether the directive was set.
//
// Examples:
// directive    -> 0,  true
// directive=0  -> 0,  true
// directive=60 -> 60, true
func (c CacheControl) getDeltaSeconds(directive string) (time.Duration, bool) {
	secondsStr, ok := c.Get(directive)
	if !ok {
		return 0, false
	}
	d, _ := deltaSeconds(secondsStr)
	return d, true
}

// splitList splits a comma separated field value, keeping commas inside
// quoted strings.
func splitList(v string) []string {
	var (
		out     []string
		start   int
		inQuote bool
	)
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case '\\':
			if inQuote {
				i++
			}
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				out = append(out, strings.TrimSpace(v[start:i]))
				start = i + 1
			}
		}
	}
	out = append(out, strings.TrimSpace(v[start:]))
	return out
}
