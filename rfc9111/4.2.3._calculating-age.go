package rfc9111

import (
	"net/http"
	"time"
)

// §  4.2.3.  Calculating Age
// §
// §     The "Age" header field is used to convey an estimated age of the
// §     response message when obtained from a cache.  The Age field value is
// §     the cache's estimate of the number of seconds since the origin server
// §     generated or validated the response.

// DateValue is the instant the response was generated, as seen when it was
// received: its Date, or responseTime if Date is missing, invalid or in
// the future, pushed back by any Age it arrived with. A cache captures it
// once and measures current age against it.
func DateValue(header http.Header, responseTime time.Time) time.Time {
	date := responseTime
	if d, err := HttpDate(header.Get("Date")); err == nil && !d.After(responseTime) {
		date = d
	}
	if age, ok := deltaSeconds(header.Get("Age")); ok {
		date = date.Add(-age)
	}
	return date
}

// CurrentAge is the age at now of a response generated at date.
func CurrentAge(date, now time.Time) time.Duration {
	return durationMax(0, now.Sub(date))
}

// AgeHeader formats an age as an Age field value.
func AgeHeader(age time.Duration) string {
	return toDeltaSeconds(age)
}
