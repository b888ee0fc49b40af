package rfc9111

import (
	"net/http"
	"time"
)

// §  5.3.  Expires
// §
// §     A cache recipient MUST interpret invalid date formats, especially the
// §     value "0", as representing a time in the past (i.e., "already
// §     expired").

// getExpires returns the Expires time, whether the field is present, and
// whether it could be parsed.
func getExpires(h http.Header) (exp time.Time, present bool, valid bool) {
	values := h.Values("Expires")
	if len(values) == 0 {
		return time.Time{}, false, false
	}
	exp, err := HttpDate(values[0])
	return exp, true, err == nil
}
