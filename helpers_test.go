package courier

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Logger = log.Level(zerolog.InfoLevel).Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

// newOrigin starts handler and counts the connections made to it.
func newOrigin(t *testing.T, handler http.Handler) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewUnstartedServer(handler)
	srv.Config.ConnState = func(c net.Conn, state http.ConnState) {
		if state == http.StateNew {
			conns.Add(1)
		}
	}
	srv.Start()
	t.Cleanup(srv.Close)
	return srv, &conns
}

// rawServer serves the n-th accepted connection with serve[n], or the last
// one once they run out.
func rawServer(t *testing.T, serve ...func(c net.Conn, br *bufio.Reader)) (string, *atomic.Int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var conns atomic.Int32
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			n := int(conns.Add(1)) - 1
			if n >= len(serve) {
				n = len(serve) - 1
			}
			go func(c net.Conn, fn func(net.Conn, *bufio.Reader)) {
				defer c.Close()
				fn(c, bufio.NewReader(c))
			}(c, serve[n])
		}
	}()
	return "http://" + ln.Addr().String(), &conns
}

// respond reads one request and writes raw as the response.
func respond(raw string) func(net.Conn, *bufio.Reader) {
	return func(c net.Conn, br *bufio.Reader) {
		if _, err := http.ReadRequest(br); err != nil {
			return
		}
		fmt.Fprint(c, raw)
	}
}

// hangUp reads one request and closes the connection.
func hangUp(c net.Conn, br *bufio.Reader) {
	http.ReadRequest(br)
}

func newTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	s := NewSession(cfg)
	t.Cleanup(s.Close)
	return s
}

func send(t *testing.T, s *Session, method, rawURL string) *Message {
	t.Helper()
	m, err := NewMessage(method, rawURL)
	require.NoError(t, err)
	s.Send(context.Background(), m)
	return m
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// parseDigestAuthorization reads the parameters of a Digest authorization
// as written by this package.
func parseDigestAuthorization(value string) map[string]string {
	rest, ok := strings.CutPrefix(value, "Digest ")
	if !ok {
		return nil
	}
	params := make(map[string]string)
	for _, item := range strings.Split(rest, ", ") {
		name, v, _ := strings.Cut(item, "=")
		params[name] = strings.Trim(v, `"`)
	}
	return params
}

func parseBasic(value string) (user, pass string, ok bool) {
	r := &http.Request{Header: http.Header{"Authorization": {value}}}
	return r.BasicAuth()
}
