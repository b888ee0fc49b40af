package courier

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

const DefaultUserAgent = "courier/1.0"

// requestURI is the request target: origin form, or absolute form when the
// request goes to an HTTP proxy.
func requestURI(u *url.URL, absolute bool) string {
	if absolute {
		abs := *u
		abs.User = nil
		abs.Fragment = ""
		abs.RawFragment = ""
		if abs.Path == "" && abs.RawPath == "" {
			abs.Path = "/"
		}
		return abs.String()
	}
	return u.RequestURI()
}

func methodHasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// requestHeader returns the header block to send for m, with Host,
// User-Agent, Content-Type, Content-Length and Connection filled in.
func requestHeader(m *Message, host, userAgent string) (http.Header, error) {
	if strings.IndexFunc(m.method, func(r rune) bool { return !httpguts.IsTokenRune(r) }) >= 0 || m.method == "" {
		return nil, fmt.Errorf("%w: method %q", ErrInvalidRequest, m.method)
	}
	h := m.reqHeader.Clone()
	if h.Get("Host") == "" {
		h.Set("Host", host)
	}
	if h.Get("User-Agent") == "" && userAgent != "" {
		h.Set("User-Agent", userAgent)
	}
	if len(m.reqBody) > 0 && h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/octet-stream")
	}
	if len(m.reqBody) > 0 || methodHasBody(m.method) {
		h.Set("Content-Length", strconv.Itoa(len(m.reqBody)))
	}
	if h.Get("Connection") == "" {
		h.Set("Connection", "keep-alive")
	}
	for name, values := range h {
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, fmt.Errorf("%w: header name %q", ErrInvalidRequest, name)
		}
		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				return nil, fmt.Errorf("%w: value of header %q", ErrInvalidRequest, name)
			}
		}
	}
	return h, nil
}

// writeRequest writes the request line, header and body of m.
func writeRequest(w io.Writer, m *Message, target string, header http.Header) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s %s HTTP/1.1\r\n", m.method, target)
	if err := header.Write(bw); err != nil {
		return err
	}
	bw.WriteString("\r\n")
	bw.Write(m.reqBody)
	return bw.Flush()
}

// hasToken reports whether the comma separated field contains token.
func hasToken(h http.Header, field, token string) bool {
	for _, v := range h.Values(field) {
		for _, item := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(item), token) {
				return true
			}
		}
	}
	return false
}
