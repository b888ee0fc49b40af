package rfc9111

import (
	"net/http"
	"time"
)

// §  4.2.1.  Calculating Freshness Lifetime
// §
// §     A cache can calculate the freshness lifetime (denoted as
// §     freshness_lifetime) of a response by evaluating the following rules
// §     and using the first match:

// FreshnessLifetime computes how long a response received at responseTime
// stays fresh. Shared caches honour s-maxage.
func FreshnessLifetime(header http.Header, statusCode int, responseTime time.Time, shared bool) time.Duration {
	cc := CacheControlOf(header)
	// §     *  If the cache is shared and the s-maxage response directive
	// §        (Section 5.2.2.10) is present, use its value, or
	if shared {
		if val, ok := cc.SMaxAge(); ok {
			return val
		}
	}
	// §     *  If the max-age response directive (Section 5.2.2.1) is present,
	// §        use its value, or
	if val, ok := cc.MaxAge(); ok {
		return val
	}
	// §     *  If the Expires response header field (Section 5.3) is present, use
	// §        its value minus the value of the Date response header field (using
	// §        the time the message was received if it is not present, as per
	// §        Section 6.6.1 of [HTTP]), or
	if expires, present, valid := getExpires(header); present {
		if !valid {
			return 0
		}
		date := responseTime
		if d, err := HttpDate(header.Get("Date")); err == nil {
			date = d
		}
		return durationMax(0, expires.Sub(date))
	}
	// §     *  Otherwise, no explicit expiration time is present in the response.
	// §        A heuristic freshness lifetime might be applicable; see
	// §        Section 4.2.2.
	return heuristicFreshness(header, statusCode, responseTime)
}

func durationMax(d1, d2 time.Duration) time.Duration {
	if d1 > d2 {
		return d1
	}
	return d2
}
