package courier

import (
	"bufio"
	"net/http"
	"net/textproto"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadStatusLine(t *testing.T) {
	tests := []struct {
		line   string
		minor  int
		code   int
		reason string
		ok     bool
	}{
		{"HTTP/1.1 200 OK\r\n", 1, 200, "OK", true},
		{"HTTP/1.0 404 Not Found\r\n", 0, 404, "Not Found", true},
		{"\r\n\r\nHTTP/1.1 204\r\n", 1, 204, "", true},
		{"HTTP/1.1  301 Moved\r\n", 1, 301, "Moved", true},
		{"HTTP/2 200 OK\r\n", 0, 0, "", false},
		{"ICY 200 OK\r\n", 0, 0, "", false},
		{"HTTP/1.1 20 OK\r\n", 0, 0, "", false},
		{"HTTP/1.1 099 Low\r\n", 0, 0, "", false},
		{"HTTP/1.1\r\n", 0, 0, "", false},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.line), func(t *testing.T) {
			tp := textproto.NewReader(bufio.NewReader(strings.NewReader(tt.line)))
			minor, code, reason, err := readStatusLine(tp)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.minor, minor)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestBodyFraming(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		code    int
		header  http.Header
		length  int64
		chunked bool
		err     bool
	}{
		{"head", "HEAD", 200, http.Header{"Content-Length": {"10"}}, 0, false, false},
		{"no content", "GET", 204, nil, 0, false, false},
		{"not modified", "GET", 304, http.Header{"Content-Length": {"10"}}, 0, false, false},
		{"length", "GET", 200, http.Header{"Content-Length": {"10"}}, 10, false, false},
		{"repeated length", "GET", 200, http.Header{"Content-Length": {"10", "10, 10"}}, 10, false, false},
		{"conflicting length", "GET", 200, http.Header{"Content-Length": {"10", "11"}}, 0, false, true},
		{"negative length", "GET", 200, http.Header{"Content-Length": {"-1"}}, 0, false, true},
		{"garbage length", "GET", 200, http.Header{"Content-Length": {"ten"}}, 0, false, true},
		{"chunked", "GET", 200, http.Header{"Transfer-Encoding": {"gzip, chunked"}, "Content-Length": {"10"}}, -1, true, false},
		{"unknown coding", "GET", 200, http.Header{"Transfer-Encoding": {"gzip"}}, -1, false, false},
		{"until close", "GET", 200, nil, -1, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			length, chunked, err := bodyFraming(tt.method, tt.code, tt.header)
			if tt.err {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.length, length)
			assert.Equal(t, tt.chunked, chunked)
		})
	}
}

func TestReadBody(t *testing.T) {
	read := func(raw string, length int64, chunked bool) (string, error) {
		var b strings.Builder
		_, err := readBody(bufio.NewReader(strings.NewReader(raw)), length, chunked, func() {}, func(chunk []byte) {
			b.Write(chunk)
		})
		return b.String(), err
	}

	body, err := read("hello world", 5, false)
	require.NoError(t, err)
	assert.Equal(t, "hello", body)

	body, err = read("4\r\nWiki\r\n5\r\npedia\r\n0\r\nExpires: never\r\n\r\n", -1, true)
	require.NoError(t, err)
	assert.Equal(t, "Wikipedia", body)

	body, err = read("until the end", -1, false)
	require.NoError(t, err)
	assert.Equal(t, "until the end", body)

	_, err = read("short", 10, false)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrMalformed)

	_, err = read("x\r\n", -1, true)
	assert.ErrorIs(t, err, ErrMalformed)
}
