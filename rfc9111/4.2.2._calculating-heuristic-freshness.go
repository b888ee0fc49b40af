package rfc9111

import (
	"net/http"
	"time"
)

// §  4.2.2.  Calculating Heuristic Freshness
// §
// §     If the response has a Last-Modified header field (Section 8.8.2 of
// §     [HTTP]), caches are encouraged to use a heuristic expiration value
// §     that is no more than some fraction of the interval since that time.
// §     A typical setting of this fraction might be 10%.

// heuristicStatuses are the codes a heuristic lifetime is applied to.
var heuristicStatuses = map[int]bool{
	http.StatusOK:                   true,
	http.StatusNonAuthoritativeInfo: true,
	http.StatusMultipleChoices:      true,
	http.StatusMovedPermanently:     true,
	http.StatusGone:                 true,
}

func heuristicFreshness(header http.Header, statusCode int, responseTime time.Time) time.Duration {
	if !heuristicStatuses[statusCode] {
		return 0
	}
	lastModified, err := HttpDate(header.Get("Last-Modified"))
	if err != nil {
		return 0
	}
	return durationMax(0, responseTime.Sub(lastModified)/10)
}
