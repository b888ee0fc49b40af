package courier

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/always-cache/courier/auth"
	"github.com/always-cache/courier/cache"
	"github.com/always-cache/courier/pool"
	"github.com/always-cache/courier/tunnel"
)

func TestConnectionReuse(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/n/{n}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "response %s", chi.URLParam(r, "n"))
	})
	srv, conns := newOrigin(t, r)
	s := newTestSession(t, Config{})

	for i := 0; i < 5; i++ {
		m := send(t, s, "GET", fmt.Sprintf("%s/n/%d", srv.URL, i))
		require.Equal(t, http.StatusOK, m.StatusCode())
		assert.Equal(t, fmt.Sprintf("response %d", i), string(m.ResponseBody()))
	}
	assert.Equal(t, int32(1), conns.Load())
	assert.Equal(t, 1, s.PoolStats().Idle)
}

func TestConnectionClose(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		io.WriteString(w, "bye")
	})
	srv, conns := newOrigin(t, r)
	s := newTestSession(t, Config{})

	send(t, s, "GET", srv.URL+"/")
	m := send(t, s, "GET", srv.URL+"/")
	assert.Equal(t, "bye", string(m.ResponseBody()))
	assert.Equal(t, int32(2), conns.Load())
}

func TestDestinationsForgotten(t *testing.T) {
	s := newTestSession(t, Config{})
	for i := 0; i < 5; i++ {
		url, _ := rawServer(t, respond("HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok"))
		m := send(t, s, "GET", url+"/")
		require.Equal(t, http.StatusOK, m.StatusCode())
	}
	assert.Equal(t, pool.Stats{}, s.PoolStats())
}

func TestAuthOutlivesDestination(t *testing.T) {
	var requests, prompts atomic.Int32
	r := chi.NewRouter()
	r.Get("/private/*", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Connection", "close")
		if user, pass, ok := r.BasicAuth(); !ok || user != "user" || pass != "pass" {
			w.Header().Set("WWW-Authenticate", `Basic realm="test"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, "secret")
	})
	srv, _ := newOrigin(t, r)
	s := newTestSession(t, Config{Prompt: auth.PromptFunc(func(context.Context, *auth.Auth, bool) (string, string, bool) {
		prompts.Add(1)
		return "user", "pass", true
	})})

	require.Equal(t, http.StatusOK, send(t, s, "GET", srv.URL+"/private/a").StatusCode())
	assert.Equal(t, 0, s.PoolStats().Destinations)

	require.Equal(t, http.StatusOK, send(t, s, "GET", srv.URL+"/private/b").StatusCode())
	assert.Equal(t, int32(3), requests.Load())
	assert.Equal(t, int32(1), prompts.Load())
}

func TestConcurrencyCap(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	r := chi.NewRouter()
	r.Get("/slow", func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		io.WriteString(w, "done")
	})
	srv, conns := newOrigin(t, r)
	s := newTestSession(t, Config{MaxConnsPerHost: 2})

	var g errgroup.Group
	for i := 0; i < 6; i++ {
		g.Go(func() error {
			m, err := NewMessage("GET", srv.URL+"/slow")
			if err != nil {
				return err
			}
			if status, err := s.Send(context.Background(), m); err != nil || status != http.StatusOK {
				return fmt.Errorf("status %d: %v", status, err)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, maxInFlight.Load(), int32(2))
	assert.LessOrEqual(t, conns.Load(), int32(2))
}

func basicOrigin(t *testing.T, password *atomic.Value, requests *atomic.Int32) string {
	r := chi.NewRouter()
	r.Get("/private/*", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != password.Load().(string) {
			w.Header().Set("WWW-Authenticate", `Basic realm="test"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, "secret")
	})
	srv, _ := newOrigin(t, r)
	return srv.URL
}

func TestBasicAuth(t *testing.T) {
	var password atomic.Value
	password.Store("pass")
	var requests, prompts atomic.Int32
	url := basicOrigin(t, &password, &requests)

	s := newTestSession(t, Config{Prompt: auth.PromptFunc(func(ctx context.Context, a *auth.Auth, retrying bool) (string, string, bool) {
		prompts.Add(1)
		assert.Equal(t, "test", a.Realm())
		return "user", "pass", true
	})})

	m := send(t, s, "GET", url+"/private/a")
	assert.Equal(t, http.StatusOK, m.StatusCode())
	assert.Equal(t, "secret", string(m.ResponseBody()))
	assert.Equal(t, int32(2), requests.Load())

	m = send(t, s, "GET", url+"/private/b")
	assert.Equal(t, http.StatusOK, m.StatusCode())
	assert.Equal(t, int32(3), requests.Load(), "second message was challenged")
	assert.Equal(t, int32(1), prompts.Load())
}

func TestAuthInvalidation(t *testing.T) {
	var password atomic.Value
	password.Store("pass1")
	var requests atomic.Int32
	url := basicOrigin(t, &password, &requests)

	var mu sync.Mutex
	var retries []bool
	s := newTestSession(t, Config{Prompt: auth.PromptFunc(func(ctx context.Context, a *auth.Auth, retrying bool) (string, string, bool) {
		mu.Lock()
		defer mu.Unlock()
		retries = append(retries, retrying)
		if retrying {
			return "user", "pass2", true
		}
		return "user", "pass1", true
	})})

	require.Equal(t, http.StatusOK, send(t, s, "GET", url+"/private/a").StatusCode())
	password.Store("pass2")
	m := send(t, s, "GET", url+"/private/a")
	assert.Equal(t, http.StatusOK, m.StatusCode())
	assert.Equal(t, []bool{false, true}, retries)
}

func TestAuthWithoutCredentials(t *testing.T) {
	var password atomic.Value
	password.Store("pass")
	var requests atomic.Int32
	url := basicOrigin(t, &password, &requests)
	s := newTestSession(t, Config{Prompt: auth.PromptFunc(func(context.Context, *auth.Auth, bool) (string, string, bool) {
		return "", "", false
	})})

	m := send(t, s, "GET", url+"/private/a")
	assert.Equal(t, http.StatusUnauthorized, m.StatusCode())
	assert.Equal(t, ClassAuth, m.ErrorClass())
	assert.Equal(t, int32(1), requests.Load())
}

func TestNoAuthFlag(t *testing.T) {
	var password atomic.Value
	password.Store("pass")
	var requests atomic.Int32
	url := basicOrigin(t, &password, &requests)
	s := newTestSession(t, Config{Prompt: auth.StaticCredentials{Username: "user", Password: "pass"}})

	m, err := NewMessage("GET", url+"/private/a")
	require.NoError(t, err)
	m.SetFlags(NoAuth)
	s.Send(context.Background(), m)
	assert.Equal(t, http.StatusUnauthorized, m.StatusCode())
}

func TestDigestAuth(t *testing.T) {
	var lastNC atomic.Value
	r := chi.NewRouter()
	r.Get("/x", func(w http.ResponseWriter, r *http.Request) {
		params := parseDigestAuthorization(r.Header.Get("Authorization"))
		ha1 := md5Hex("user1:realm1:realm1")
		ha2 := md5Hex(r.Method + ":" + params["uri"])
		expected := md5Hex(ha1 + ":abc:" + params["nc"] + ":" + params["cnonce"] + ":auth:" + ha2)
		if params == nil || params["response"] != expected {
			w.Header().Set("WWW-Authenticate", `Digest realm="realm1", nonce="abc", qop="auth", algorithm=MD5`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		lastNC.Store(params["nc"])
		io.WriteString(w, "ok")
	})
	srv, _ := newOrigin(t, r)
	s := newTestSession(t, Config{Prompt: auth.StaticCredentials{Username: "user1", Password: "realm1"}})

	assert.Equal(t, http.StatusOK, send(t, s, "GET", srv.URL+"/x").StatusCode())
	assert.Equal(t, "00000001", lastNC.Load())
	assert.Equal(t, http.StatusOK, send(t, s, "GET", srv.URL+"/x").StatusCode())
	assert.Equal(t, "00000002", lastNC.Load())
}

func TestProxyAuth(t *testing.T) {
	proxy, _ := newOrigin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := parseBasic(r.Header.Get("Proxy-Authorization"))
		if !ok || user != "puser" || pass != "ppass" {
			w.Header().Set("Proxy-Authenticate", `Basic realm="proxy"`)
			w.WriteHeader(http.StatusProxyAuthRequired)
			return
		}
		fmt.Fprintf(w, "%s %s", r.Host, r.URL)
	}))
	p, err := tunnel.ParseProxy(proxy.URL)
	require.NoError(t, err)

	var targets []auth.Target
	s := newTestSession(t, Config{Proxy: p, Prompt: auth.PromptFunc(func(ctx context.Context, a *auth.Auth, retrying bool) (string, string, bool) {
		targets = append(targets, a.Target())
		return "puser", "ppass", true
	})})

	m := send(t, s, "GET", "http://origin.test/x?q=1")
	assert.Equal(t, http.StatusOK, m.StatusCode())
	assert.Equal(t, "origin.test http://origin.test/x?q=1", string(m.ResponseBody()))
	assert.Equal(t, []auth.Target{auth.Proxy}, targets)
}

func TestRedirects(t *testing.T) {
	var finished atomic.Int32
	r := chi.NewRouter()
	r.Get("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusFound)
	})
	r.Get("/b", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "final")
	})
	r.Post("/form", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/result", http.StatusSeeOther)
	})
	r.Get("/result", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s %d", r.Method, r.ContentLength)
	})
	srv, _ := newOrigin(t, r)
	s := newTestSession(t, Config{})

	m, err := NewMessage("GET", srv.URL+"/a")
	require.NoError(t, err)
	m.AddHandler(Finished, func(*Message) { finished.Add(1) })
	s.Send(context.Background(), m)
	assert.Equal(t, http.StatusOK, m.StatusCode())
	assert.Equal(t, "final", string(m.ResponseBody()))
	assert.Equal(t, "/b", m.URL().Path)
	assert.Equal(t, int32(2), finished.Load())

	m, err = NewMessage("POST", srv.URL+"/form")
	require.NoError(t, err)
	m.SetRequestBody("text/plain", SystemOwned, []byte("data"))
	s.Send(context.Background(), m)
	assert.Equal(t, "GET 0", string(m.ResponseBody()))

	m, err = NewMessage("GET", srv.URL+"/a")
	require.NoError(t, err)
	m.SetFlags(NoRedirect)
	s.Send(context.Background(), m)
	assert.Equal(t, http.StatusFound, m.StatusCode())
}

func TestTooManyRedirects(t *testing.T) {
	var requests atomic.Int32
	r := chi.NewRouter()
	r.Get("/loop", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	srv, _ := newOrigin(t, r)
	s := newTestSession(t, Config{MaxRedirects: 3})

	m := send(t, s, "GET", srv.URL+"/loop")
	assert.Equal(t, StatusTooManyRedirects, m.StatusCode())
	assert.ErrorIs(t, m.Err(), ErrTooManyRedirects)
	assert.Equal(t, int32(4), requests.Load())
}

func TestRequeueBound(t *testing.T) {
	var requests atomic.Int32
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		io.WriteString(w, "again")
	})
	srv, _ := newOrigin(t, r)
	s := newTestSession(t, Config{MaxRequeues: 2})

	m, err := NewMessage("GET", srv.URL+"/")
	require.NoError(t, err)
	m.AddHandler(GotBody, func(m *Message) { m.Requeue() })
	s.Send(context.Background(), m)
	assert.Equal(t, StatusTooManyRedirects, m.StatusCode())
	assert.Equal(t, int32(3), requests.Load())
}

func TestCache(t *testing.T) {
	var hits atomic.Int32
	r := chi.NewRouter()
	r.Get("/{age}", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "max-age="+chi.URLParam(r, "age"))
		fmt.Fprintf(w, "hit %d", hits.Load())
	})
	r.Post("/{age}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv, _ := newOrigin(t, r)
	c, err := cache.New(t.TempDir(), cache.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	s := newTestSession(t, Config{Cache: c})

	fetch := func(path string) *Message {
		m := send(t, s, "GET", srv.URL+path)
		require.Equal(t, http.StatusOK, m.StatusCode())
		require.NoError(t, c.Flush(context.Background()))
		return m
	}

	first := fetch("/100")
	assert.False(t, first.FromCache())
	assert.Equal(t, "courier; fwd=uri-miss; stored", first.ResponseHeader().Get("Cache-Status"))
	second := fetch("/100")
	assert.True(t, second.FromCache())
	assert.Equal(t, "hit 1", string(second.ResponseBody()))
	assert.Equal(t, first.ResponseHeader().Get("Content-Type"), second.ResponseHeader().Get("Content-Type"))
	assert.Equal(t, int32(1), hits.Load())

	fetch("/0")
	assert.False(t, fetch("/0").FromCache())
	assert.Equal(t, int32(3), hits.Load())

	post := send(t, s, "POST", srv.URL+"/100")
	assert.Equal(t, http.StatusNotFound, post.StatusCode())
	assert.False(t, fetch("/100").FromCache())
	assert.Equal(t, int32(4), hits.Load())

	m, err := NewMessage("GET", srv.URL+"/100")
	require.NoError(t, err)
	m.SetFlags(NoCache)
	s.Send(context.Background(), m)
	assert.False(t, m.FromCache())
}

func TestCacheHitRunsBodyHandlers(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=100")
		io.WriteString(w, "cached")
	})
	srv, _ := newOrigin(t, r)
	c, err := cache.New(t.TempDir(), cache.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	s := newTestSession(t, Config{Cache: c})

	for i := 0; i < 2; i++ {
		var calls []string
		m, err := NewMessage("GET", srv.URL+"/")
		require.NoError(t, err)
		m.AddChunkHandler(func(m *Message, chunk []byte) {
			calls = append(calls, "chunk "+string(chunk))
		})
		m.AddHandler(GotBody, func(m *Message) {
			calls = append(calls, "body "+string(m.ResponseBody()))
		})
		s.Send(context.Background(), m)
		require.NoError(t, c.Flush(context.Background()))
		assert.Equal(t, i == 1, m.FromCache())
		assert.Equal(t, []string{"chunk cached", "body cached"}, calls)
	}
}

func TestCacheWriteFailure(t *testing.T) {
	var hits atomic.Int32
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "max-age=100")
		fmt.Fprintf(w, "hit %d", hits.Load())
	})
	srv, _ := newOrigin(t, r)
	dir := filepath.Join(t.TempDir(), "cache")
	c, err := cache.New(dir, cache.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, os.RemoveAll(dir))
	s := newTestSession(t, Config{Cache: c})

	m := send(t, s, "GET", srv.URL+"/")
	assert.Equal(t, http.StatusOK, m.StatusCode())
	assert.Equal(t, "hit 1", string(m.ResponseBody()))
	assert.NoError(t, m.Err())
	require.NoError(t, c.Flush(context.Background()))
	assert.Equal(t, 0, c.Stats().Entries)

	m = send(t, s, "GET", srv.URL+"/")
	assert.False(t, m.FromCache())
	assert.Equal(t, "hit 2", string(m.ResponseBody()))
}

func TestMalformedResponses(t *testing.T) {
	tests := map[string]string{
		"negative length":    "HTTP/1.1 200 OK\r\nContent-Length: -5\r\n\r\n",
		"conflicting length": "HTTP/1.1 200 OK\r\nContent-Length: 3\r\nContent-Length: 4\r\n\r\nabcd",
		"protocol":           "SPDY/3 200 OK\r\n\r\n",
		"status":             "HTTP/1.1 2x0 OK\r\n\r\n",
		"header line":        "HTTP/1.1 200 OK\r\nBad Header Line\r\n\r\n",
		"chunk size":         "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			url, conns := rawServer(t, respond(raw))
			s := newTestSession(t, Config{})
			m := send(t, s, "GET", url+"/")
			assert.Equal(t, StatusMalformed, m.StatusCode())
			assert.Equal(t, ClassProtocol, m.ErrorClass())
			assert.ErrorIs(t, m.Err(), ErrMalformed)
			assert.Equal(t, int32(1), conns.Load(), "malformed response retried")
		})
	}
}

func TestChunkedOverridesContentLength(t *testing.T) {
	url, _ := rawServer(t, respond("HTTP/1.1 100 Continue\r\n\r\n"+
		"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\nContent-Length: 100\r\n\r\n"+
		"5\r\nhello\r\n6\r\n world\r\n0\r\nX-Trailer: 1\r\n\r\n"))
	s := newTestSession(t, Config{})

	var chunks int
	m, err := NewMessage("GET", url+"/")
	require.NoError(t, err)
	m.AddChunkHandler(func(*Message, []byte) { chunks++ })
	s.Send(context.Background(), m)
	assert.Equal(t, http.StatusOK, m.StatusCode())
	assert.Equal(t, "hello world", string(m.ResponseBody()))
	assert.Positive(t, chunks)
	assert.Equal(t, 1, s.PoolStats().Idle)
}

func TestReadUntilClose(t *testing.T) {
	url, _ := rawServer(t, respond("HTTP/1.0 200 OK\r\n\r\nuntil close"))
	s := newTestSession(t, Config{})
	m := send(t, s, "GET", url+"/")
	assert.Equal(t, "until close", string(m.ResponseBody()))
	assert.Equal(t, 0, s.PoolStats().Connections)
}

func TestRetryBeforeBody(t *testing.T) {
	url, conns := rawServer(t, hangUp, respond("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	s := newTestSession(t, Config{})
	m := send(t, s, "GET", url+"/")
	assert.Equal(t, http.StatusOK, m.StatusCode())
	assert.Equal(t, 1, m.retries)
	assert.Equal(t, int32(2), conns.Load())
}

func TestRetryBound(t *testing.T) {
	url, conns := rawServer(t, hangUp)
	s := newTestSession(t, Config{MaxRetries: 2})
	m := send(t, s, "GET", url+"/")
	assert.Equal(t, StatusIOError, m.StatusCode())
	assert.Equal(t, ClassTransport, m.ErrorClass())
	assert.Equal(t, int32(3), conns.Load())
}

func TestNoRetryAfterBody(t *testing.T) {
	url, conns := rawServer(t, respond("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc"))
	s := newTestSession(t, Config{})
	m := send(t, s, "GET", url+"/")
	assert.Equal(t, StatusIOError, m.StatusCode())
	assert.ErrorIs(t, m.Err(), io.ErrUnexpectedEOF)
	assert.Equal(t, "abc", string(m.ResponseBody()))
	assert.Equal(t, int32(1), conns.Load())
}

func TestStaleKeepAliveRetry(t *testing.T) {
	url, conns := rawServer(t,
		func(c net.Conn, br *bufio.Reader) {
			respond("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nfirst")(c, br)
			hangUp(c, br)
		},
		respond("HTTP/1.1 200 OK\r\nContent-Length: 6\r\n\r\nsecond"),
	)
	s := newTestSession(t, Config{})
	assert.Equal(t, "first", string(send(t, s, "GET", url+"/").ResponseBody()))
	m := send(t, s, "GET", url+"/")
	assert.Equal(t, "second", string(m.ResponseBody()))
	assert.Equal(t, 0, m.retries)
	assert.Equal(t, int32(2), conns.Load())
}

func TestRetriesCountedPerAttempt(t *testing.T) {
	url, conns := rawServer(t,
		hangUp,
		respond("HTTP/1.1 302 Found\r\nLocation: /b\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"),
		hangUp,
		respond("HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok"),
	)
	s := newTestSession(t, Config{MaxRetries: 1})
	m := send(t, s, "GET", url+"/a")
	assert.Equal(t, http.StatusOK, m.StatusCode())
	assert.Equal(t, "ok", string(m.ResponseBody()))
	assert.Equal(t, "/b", m.URL().Path)
	assert.Equal(t, int32(4), conns.Load())
}

func TestCancel(t *testing.T) {
	started := make(chan struct{}, 1)
	block := make(chan struct{})
	r := chi.NewRouter()
	r.Get("/slow", func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		select {
		case <-block:
		case <-r.Context().Done():
		}
	})
	srv, _ := newOrigin(t, r)
	t.Cleanup(func() { close(block) })
	s := newTestSession(t, Config{})

	m, err := NewMessage("GET", srv.URL+"/slow")
	require.NoError(t, err)
	var calls atomic.Int32
	done := make(chan struct{})
	require.NoError(t, s.Queue(m, func(*Message) {
		calls.Add(1)
		close(done)
	}))
	<-started
	s.Cancel(m, StatusCancelled)
	<-done
	s.Cancel(m, StatusCancelled)

	assert.Equal(t, StatusCancelled, m.StatusCode())
	assert.Equal(t, StateFinished, m.State())
	assert.Equal(t, int32(1), calls.Load())
}

func TestCancelRace(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "ok") })
	srv, _ := newOrigin(t, r)
	s := newTestSession(t, Config{})

	var wg sync.WaitGroup
	calls := make([]atomic.Int32, 20)
	for i := range calls {
		i := i
		m, err := NewMessage("GET", srv.URL+"/")
		require.NoError(t, err)
		wg.Add(1)
		require.NoError(t, s.Queue(m, func(m *Message) {
			calls[i].Add(1)
			wg.Done()
		}))
		go s.Cancel(m, StatusCancelled)
	}
	wg.Wait()
	for i := range calls {
		assert.Equal(t, int32(1), calls[i].Load())
	}
}

func TestSendContext(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/slow", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	srv, _ := newOrigin(t, r)
	s := newTestSession(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	m, err := NewMessage("GET", srv.URL+"/slow")
	require.NoError(t, err)
	status, err := s.Send(ctx, m)
	assert.Equal(t, StatusCancelled, status)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueValidation(t *testing.T) {
	s := newTestSession(t, Config{})

	m, err := NewMessage("GET", "http://example.com/")
	require.NoError(t, err)
	m.SetResponseBuffer(make([]byte, 10))
	assert.ErrorIs(t, s.Queue(m, nil), ErrCallerOwnedResponse)

	m, err = NewMessage("POST", "http://example.com/")
	require.NoError(t, err)
	m.RequestHeader().Set("Content-Length", "3")
	assert.ErrorIs(t, s.Queue(m, nil), ErrContentLengthSet)

	s.Close()
	m, err = NewMessage("GET", "http://example.com/")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Queue(m, nil), ErrSessionClosed)
}

type failingResolver struct{}

func (failingResolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	return nil, errors.New("no such host")
}

func TestTransportStatuses(t *testing.T) {
	s := newTestSession(t, Config{Resolver: failingResolver{}})
	m := send(t, s, "GET", "http://unknown.test/")
	assert.Equal(t, StatusCantResolve, m.StatusCode())
	assert.ErrorIs(t, m.Err(), tunnel.ErrResolve)
	assert.Equal(t, "Cannot resolve hostname", m.Reason())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	s = newTestSession(t, Config{})
	m = send(t, s, "GET", "http://"+addr+"/")
	assert.Equal(t, StatusCantConnect, m.StatusCode())
	assert.Equal(t, ClassTransport, m.ErrorClass())

	m = send(t, s, "GET", "ftp://example.com/")
	assert.Equal(t, StatusMalformed, m.StatusCode())
}

func TestSOCKS4Rejected(t *testing.T) {
	proxyURL, _ := rawServer(t, func(c net.Conn, br *bufio.Reader) {
		io.ReadFull(br, make([]byte, 8))
		br.ReadBytes(0)
		c.Write([]byte{0, 91, 0, 0, 0, 0, 0, 0})
	})
	proxy, err := tunnel.ParseProxy("socks4://" + strings.TrimPrefix(proxyURL, "http://"))
	require.NoError(t, err)
	s := newTestSession(t, Config{Proxy: proxy})

	m := send(t, s, "GET", "http://127.0.0.1:80/")
	assert.Equal(t, StatusCantConnectProxy, m.StatusCode())
	assert.Equal(t, "Cannot connect to proxy", m.Reason())
	assert.Equal(t, ClassTransport, m.ErrorClass())
	var ce *tunnel.ConnectError
	require.ErrorAs(t, m.Err(), &ce)
	assert.Equal(t, 91, ce.Reply)
}

func TestHandlers(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "1")
		io.WriteString(w, "body")
	})
	srv, _ := newOrigin(t, r)
	s := newTestSession(t, Config{})

	var calls []string
	m, err := NewMessage("GET", srv.URL+"/")
	require.NoError(t, err)
	m.AddStatusCodeHandler(GotHeaders, http.StatusOK, func(m *Message) {
		calls = append(calls, "status "+string(m.ResponseBody()))
	})
	m.AddChunkHandler(func(m *Message, chunk []byte) {
		calls = append(calls, "chunk "+string(chunk))
	})
	m.AddHeaderHandler(GotBody, "x-test", func(m *Message) {
		calls = append(calls, "header "+string(m.ResponseBody()))
	})
	m.AddStatusClassHandler(GotBody, 4, func(*Message) {
		calls = append(calls, "client error")
	})
	m.AddHandler(Finished, func(*Message) {
		calls = append(calls, "finished")
	})
	s.Send(context.Background(), m)
	assert.Equal(t, []string{"status ", "chunk body", "header body", "finished"}, calls)
}

func TestRequestHeaders(t *testing.T) {
	requests := make(chan *http.Request, 1)
	url, _ := rawServer(t, func(c net.Conn, br *bufio.Reader) {
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		body, _ := io.ReadAll(req.Body)
		req.Header.Set("X-Body", string(body))
		requests <- req
		io.WriteString(c, "HTTP/1.1 204 No Content\r\n\r\n")
	})
	s := newTestSession(t, Config{})

	m, err := NewMessage("POST", url+"/upload?x=1#frag")
	require.NoError(t, err)
	m.SetRequestBody("", SystemOwned, []byte("data"))
	m.RequestHeader().Set("User-Agent", "custom")
	s.Send(context.Background(), m)
	assert.Equal(t, http.StatusNoContent, m.StatusCode())

	req := <-requests
	assert.Equal(t, "/upload?x=1", req.RequestURI)
	assert.Equal(t, url[len("http://"):], req.Host)
	assert.Equal(t, "custom", req.Header.Get("User-Agent"))
	assert.Equal(t, "application/octet-stream", req.Header.Get("Content-Type"))
	assert.Equal(t, "keep-alive", req.Header.Get("Connection"))
	assert.Equal(t, int64(4), req.ContentLength)
	assert.Equal(t, "data", req.Header.Get("X-Body"))
}
