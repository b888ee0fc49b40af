package rfc9111

import (
	"net/http"
	"strings"
)

// §  5.4.  Pragma
// §
// §     The "Pragma" request header field was defined for HTTP/1.0 caches, so
// §     that clients could specify a "no-cache" request (as Cache-Control was
// §     not defined until HTTP/1.1).

// PragmaNoCache reports whether the request carries "Pragma: no-cache".
func PragmaNoCache(h http.Header) bool {
	for _, item := range GetListHeader(h, "Pragma") {
		if strings.EqualFold(item, "no-cache") {
			return true
		}
	}
	return false
}
