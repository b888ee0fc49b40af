package rfc9111

import (
	"net/http"
	"strings"
)

// §  4.1.  Calculating Cache Keys with the Vary Header Field
// §
// §     When a cache receives a request that can be satisfied by a stored
// §     response and that stored response contains a Vary header field
// §     (Section 12.5.5 of [HTTP]), the cache MUST NOT use that stored
// §     response without revalidation unless all the presented request
// §     header fields nominated by that Vary field value match those fields
// §     in the original request (i.e., the request that caused the cached
// §     response to be stored).
// §
// §     A stored response with a Vary header field value containing a member
// §     "*" always fails to match.

// VaryFields returns the canonical names nominated by the Vary field of a
// response. "*" is kept as is.
func VaryFields(res http.Header) []string {
	var fields []string
	for _, name := range GetListHeader(res, "Vary") {
		if name == "*" {
			return []string{"*"}
		}
		fields = append(fields, http.CanonicalHeaderKey(name))
	}
	return fields
}

// SelectedHeaders returns the normalized values of the nominated request
// fields. Absent fields map to "".
func SelectedHeaders(req http.Header, fields []string) map[string]string {
	if len(fields) == 0 {
		return nil
	}
	selected := make(map[string]string, len(fields))
	for _, name := range fields {
		selected[name] = normalizeFieldValue(req.Values(name))
	}
	return selected
}

// VaryMatch reports whether req presents the same nominated fields as the
// request that caused the response to be stored.
func VaryMatch(req http.Header, fields []string, stored map[string]string) bool {
	for _, name := range fields {
		if name == "*" {
			return false
		}
		if normalizeFieldValue(req.Values(name)) != stored[name] {
			return false
		}
	}
	return true
}

// §     The header fields from two requests are defined to match if and only
// §     if those in the first request can be transformed to those in the
// §     second request by applying any of the following:
// §
// §     *  adding or removing whitespace, where allowed in the header field's
// §        syntax
// §
// §     *  combining multiple header field lines with the same field name (see
// §        Section 5.2 of [HTTP])
func normalizeFieldValue(values []string) string {
	var items []string
	for _, v := range values {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
	}
	return strings.Join(items, ", ")
}
