// Package courier is an HTTP/1.1 client engine. A Session runs messages
// over pooled connections, answers authentication challenges, follows
// redirects and keeps an optional response cache.
package courier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/courier/auth"
	"github.com/always-cache/courier/cache"
	"github.com/always-cache/courier/pool"
	"github.com/always-cache/courier/tunnel"
)

const (
	DefaultMaxRetries   = 3
	DefaultMaxRedirects = 20
	DefaultMaxRequeues  = 20
)

type Config struct {
	Transport tunnel.Transport
	Resolver  tunnel.Resolver
	// Proxy, when set, carries every connection.
	Proxy *tunnel.Proxy

	MaxConns        int
	MaxConnsPerHost int
	IdleTimeout     time.Duration
	// ConnectTimeout bounds each dial including proxy and TLS negotiation.
	ConnectTimeout time.Duration
	// IOTimeout bounds every single read and write on a connection.
	IOTimeout time.Duration

	MaxRetries   int
	MaxRedirects int
	MaxRequeues  int
	UserAgent    string

	// Prompt supplies credentials for authentication challenges.
	Prompt auth.Prompt
	// Cache, when set, serves fresh responses and stores cacheable ones.
	Cache *cache.Cache

	Logger *zerolog.Logger
}

// Session runs messages. It owns its connection pool and authentication
// state; nothing is shared between sessions.
type Session struct {
	cfg       Config
	log       zerolog.Logger
	pool      *pool.Registry
	auth      *auth.Manager
	proxyAuth *auth.Context
	cache     *cache.Cache

	mu       sync.Mutex
	auths    map[pool.Key]*auth.Context
	messages map[*Message]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func NewSession(cfg Config) *Session {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	if cfg.MaxRequeues == 0 {
		cfg.MaxRequeues = DefaultMaxRequeues
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	l = l.With().Str("component", "session").Logger()

	dialer := &tunnel.Dialer{
		Transport: cfg.Transport,
		Resolver:  cfg.Resolver,
		Proxy:     cfg.Proxy,
		Timeout:   cfg.ConnectTimeout,
		Logger:    cfg.Logger,
	}
	return &Session{
		cfg: cfg,
		log: l,
		pool: pool.NewRegistry(pool.Config{
			Dialer:          dialer,
			MaxConns:        cfg.MaxConns,
			MaxConnsPerHost: cfg.MaxConnsPerHost,
			IdleTimeout:     cfg.IdleTimeout,
			Logger:          cfg.Logger,
		}),
		auth:      auth.NewManager(cfg.Prompt, cfg.Logger),
		proxyAuth: auth.NewContext(auth.Proxy),
		cache:     cfg.Cache,
		auths:     make(map[pool.Key]*auth.Context),
		messages:  make(map[*Message]struct{}),
	}
}

// Queue starts running m and calls done once it is finished. done runs on
// the message's goroutine.
func (s *Session) Queue(m *Message, done func(*Message)) error {
	if m.respBodyOwner == CallerOwned {
		return ErrCallerOwnedResponse
	}
	if m.reqHeader.Get("Content-Length") != "" {
		return ErrContentLengthSet
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	m.mu.Lock()
	if m.state != StateIdle && m.state != StateFinished {
		m.mu.Unlock()
		return ErrAlreadyQueued
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.state = StateQueued
	m.cancel = cancel
	m.cancelled = false
	m.done = false
	m.mu.Unlock()

	m.requeues, m.redirects, m.retries = 0, 0, 0
	m.resetResponse()
	s.messages[m] = struct{}{}
	s.wg.Add(1)
	go s.run(ctx, m, done)
	return nil
}

// Send runs m and waits for it to finish. It returns the final status
// code, and the error that ended the message if it failed without a
// response. Cancelling ctx cancels the message.
func (s *Session) Send(ctx context.Context, m *Message) (int, error) {
	finished := make(chan struct{})
	if err := s.Queue(m, func(*Message) { close(finished) }); err != nil {
		return 0, err
	}
	stop := context.AfterFunc(ctx, func() { s.Cancel(m, StatusCancelled) })
	defer stop()
	<-finished
	if m.StatusCode() == StatusCancelled && ctx.Err() != nil {
		return StatusCancelled, ctx.Err()
	}
	return m.StatusCode(), m.Err()
}

// Cancel finishes m with status. It has no effect on a message that has
// already finished; either way the completion callback runs once.
func (s *Session) Cancel(m *Message, status int) {
	m.mu.Lock()
	if m.done || m.cancel == nil {
		m.mu.Unlock()
		return
	}
	m.cancelled = true
	m.cancelStatus = status
	cancel := m.cancel
	m.mu.Unlock()
	cancel()
}

// Close cancels all messages, waits for them and closes every connection.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := make([]*Message, 0, len(s.messages))
	for m := range s.messages {
		pending = append(pending, m)
	}
	s.mu.Unlock()

	for _, m := range pending {
		s.Cancel(m, StatusCancelled)
	}
	s.wg.Wait()
	s.pool.Close()
}

// PoolStats reports the state of the connection pool.
func (s *Session) PoolStats() pool.Stats {
	return s.pool.Stats()
}

func (s *Session) run(ctx context.Context, m *Message, done func(*Message)) {
	defer s.wg.Done()
	logger := s.log.With().Str("message", m.id.String()).Logger()

	for {
		m.requeue = false
		s.attempt(ctx, m, logger)
		m.runHandlers(Finished)
		if !m.requeue || ctx.Err() != nil {
			break
		}
		m.requeues++
		if m.requeues > s.cfg.MaxRequeues {
			logger.Debug().Int("requeues", m.requeues).Msg("Giving up on requeued message")
			m.fail(ErrTooManyRedirects)
			break
		}
		logger.Trace().Stringer("uri", m.url).Msg("Requeued")
	}
	s.finish(m, done, logger)
}

func (s *Session) finish(m *Message, done func(*Message), logger zerolog.Logger) {
	m.mu.Lock()
	if m.cancelled {
		m.setStatus(m.cancelStatus, "")
		m.err = context.Canceled
		m.errorClass = ClassNone
	}
	m.state = StateFinished
	m.done = true
	cancel := m.cancel
	m.mu.Unlock()
	cancel()

	s.proxyAuth.Release(m)
	s.mu.Lock()
	for _, ac := range s.auths {
		ac.Release(m)
	}
	delete(s.messages, m)
	s.mu.Unlock()

	logger.Debug().Int("status", m.statusCode).Stringer("uri", m.url).Bool("cached", m.fromCache).Msg("Message finished")
	if done != nil {
		done(m)
	}
}

// wwwAuth returns the WWW authentication state for key. It lives as long
// as the session, so realms learned on one connection serve the next even
// after the pool forgot the destination.
func (s *Session) wwwAuth(key pool.Key) *auth.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	ac, ok := s.auths[key]
	if !ok {
		ac = auth.NewContext(auth.WWW)
		s.auths[key] = ac
	}
	return ac
}

func (s *Session) viaHTTPProxy(key pool.Key) bool {
	return s.cfg.Proxy != nil && s.cfg.Proxy.Kind == tunnel.ProxyHTTP && key.Scheme == "http"
}

func (s *Session) proxyURL() *url.URL {
	return &url.URL{Scheme: "http", Host: s.cfg.Proxy.Addr(), Path: "/"}
}

// attempt sends m once, including transport retries, and runs the
// post-body handlers.
func (s *Session) attempt(ctx context.Context, m *Message, logger zerolog.Logger) {
	m.resetResponse()
	m.setState(StateQueued)
	m.retries = 0
	if s.serveFromCache(m, logger) {
		return
	}

	key, err := pool.KeyFor(m.url)
	if err != nil {
		m.fail(fmt.Errorf("%w: %w", ErrInvalidRequest, err))
		return
	}
	dest := s.pool.Get(key)
	defer s.pool.Release(dest)
	s.pool.AddTarget(dest, m.url.Path)
	defer s.pool.DoneTarget(dest, m.url.Path)
	wwwAuth := s.wwwAuth(key)

	viaProxy := s.viaHTTPProxy(key)
	target := requestURI(m.url, viaProxy)
	req := auth.Request{Method: m.method, URL: m.url, RequestURI: target, Header: m.reqHeader}
	s.auth.Authorize(ctx, wwwAuth, m, req)
	if viaProxy {
		s.auth.Authorize(ctx, s.proxyAuth, m, req)
	}
	header, err := requestHeader(m, key.HostHeader(), s.cfg.UserAgent)
	if err != nil {
		m.fail(err)
		return
	}

	for {
		retry, err := s.exchange(ctx, m, dest, target, header, logger)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			m.fail(context.Canceled)
			return
		}
		switch retry {
		case retryFree:
			logger.Debug().Err(err).Msg("Kept-alive connection dropped, retrying")
			continue
		case retryCounted:
			if m.retries < s.cfg.MaxRetries {
				m.retries++
				logger.Debug().Err(err).Int("retry", m.retries).Msg("Retrying after transport error")
				continue
			}
		}
		logger.Debug().Err(err).Msg("Attempt failed")
		m.fail(err)
		return
	}

	s.handleChallenge(ctx, m, wwwAuth, viaProxy, logger)
	if !m.requeue {
		s.handleRedirect(m, logger)
	}
	m.runHandlers(GotBody)
}

type retryKind int

const (
	noRetry retryKind = iota
	// retryCounted counts against MaxRetries.
	retryCounted
	// retryFree is for a reused connection the server had closed.
	retryFree
)

// exchange checks out a connection, writes the request and reads the
// response of m.
func (s *Session) exchange(ctx context.Context, m *Message, dest *pool.Destination, target string, header http.Header, logger zerolog.Logger) (retryKind, error) {
	m.resetResponse()
	m.setState(StateConnecting)
	conn, err := s.checkout(ctx, dest)
	if err != nil {
		return noRetry, err
	}
	stop := context.AfterFunc(ctx, conn.Interrupt)
	release := func(reuse bool) {
		// an interrupted connection is closed
		if !stop() {
			reuse = false
		}
		s.pool.Return(conn, reuse)
	}
	reused := conn.Reused()
	logger.Trace().Uint64("conn", conn.ID()).Bool("reused", reused).Msg("Got connection")

	m.setState(StateSendingRequest)
	netConn := conn.Conn()
	s.extendDeadline(netConn)
	if err := writeRequest(netConn, m, target, header); err != nil {
		release(false)
		if reused {
			return retryFree, err
		}
		return retryCounted, err
	}

	m.setState(StateReadingResponse)
	progress, reusable, err := s.readResponse(m, conn)
	release(err == nil && reusable && m.keepAlive())
	switch {
	case err == nil:
		return noRetry, nil
	case errors.Is(err, ErrMalformed), progress == readBodyStarted:
		return noRetry, err
	case progress == readNothing && reused:
		return retryFree, err
	}
	return retryCounted, err
}

// checkout takes an idle connection, or opens one while the caps allow,
// or waits for either. It backs off while the pool says to try again.
func (s *Session) checkout(ctx context.Context, dest *pool.Destination) (*pool.Connection, error) {
	for tries := 0; ; tries++ {
		if conn := s.pool.Acquire(dest); conn != nil {
			return conn, nil
		}
		conn, err := s.pool.Open(ctx, dest)
		if errors.Is(err, pool.ErrPoolFull) {
			conn, err = s.pool.Checkout(ctx, dest)
		}
		if !errors.Is(err, pool.ErrTryAgain) || tries >= s.cfg.MaxRetries {
			return conn, err
		}
		if err := s.pool.Backoff(ctx, dest); err != nil {
			return nil, err
		}
	}
}

func (s *Session) extendDeadline(c interface{ SetDeadline(time.Time) error }) {
	if s.cfg.IOTimeout > 0 {
		c.SetDeadline(time.Now().Add(s.cfg.IOTimeout))
	}
}

type readProgress int

const (
	readNothing readProgress = iota
	readHeaders
	readBodyStarted
)

// readResponse reads the response head and body of m from conn, feeding
// the cache and the handlers. reusable is false when the body was
// delimited by the connection closing.
func (s *Session) readResponse(m *Message, conn *pool.Connection) (progress readProgress, reusable bool, err error) {
	br := conn.Reader()
	tp := textproto.NewReader(br)
	for {
		minor, code, reason, err := readStatusLine(tp)
		if err != nil {
			return progress, false, err
		}
		header, err := readHeader(tp)
		if err != nil {
			return readHeaders, false, err
		}
		progress = readHeaders
		// interim responses carry no body and are skipped
		if code/100 == 1 && code != http.StatusSwitchingProtocols {
			continue
		}
		m.protoMinor = minor
		m.setStatus(code, reason)
		m.respHeader = header
		break
	}

	length, chunked, err := bodyFraming(m.method, m.statusCode, m.respHeader)
	if err != nil {
		return progress, false, err
	}
	var w *cache.Writer
	if s.cache != nil {
		w = s.cache.Store(m)
	}
	m.runHandlers(GotHeaders)

	n, err := readBody(br, length, chunked, func() { s.extendDeadline(conn.Conn()) }, func(chunk []byte) {
		m.respBody.Write(chunk)
		if w != nil {
			w.Write(chunk)
		}
		m.runChunkHandlers(chunk)
	})
	if n > 0 {
		progress = readBodyStarted
	}
	if err != nil {
		if w != nil {
			w.Abort()
		}
		return progress, false, err
	}
	if w != nil {
		w.Commit()
	}
	return progress, (length >= 0 || chunked) && m.statusCode != http.StatusSwitchingProtocols, nil
}

func (s *Session) serveFromCache(m *Message, logger zerolog.Logger) bool {
	if s.cache == nil || m.flags&NoCache != 0 {
		return false
	}
	if err := s.cache.SendResponse(m); err != nil {
		return false
	}
	logger.Debug().Stringer("uri", m.url).Msg("Using cached response")
	m.runHandlers(GotHeaders)
	if body := m.respBody.Bytes(); len(body) > 0 {
		m.runChunkHandlers(body)
	}
	m.runHandlers(GotBody)
	return true
}

// handleChallenge answers 401 and 407 responses, requeueing m when new or
// refreshed credentials are available.
func (s *Session) handleChallenge(ctx context.Context, m *Message, wwwAuth *auth.Context, viaProxy bool, logger zerolog.Logger) {
	if m.flags&NoAuth != 0 {
		return
	}
	var ok bool
	switch {
	case m.statusCode == http.StatusUnauthorized:
		ok = s.auth.HandleChallenge(ctx, wwwAuth, m, m.url, m.respHeader)
	case m.statusCode == http.StatusProxyAuthRequired && viaProxy:
		ok = s.auth.HandleChallenge(ctx, s.proxyAuth, m, s.proxyURL(), m.respHeader)
	default:
		return
	}
	if ok {
		m.Requeue()
		return
	}
	m.errorClass = ClassAuth
	logger.Debug().Int("status", m.statusCode).Msg("Authentication failed")
}

// handleRedirect follows 3xx responses with a Location.
func (s *Session) handleRedirect(m *Message, logger zerolog.Logger) {
	if m.flags&NoRedirect != 0 {
		return
	}
	switch m.statusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
	default:
		return
	}
	location := m.respHeader.Get("Location")
	if location == "" {
		return
	}
	target, err := m.url.Parse(location)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		logger.Debug().Str("location", location).Msg("Not following redirect")
		return
	}
	m.redirects++
	if m.redirects > s.cfg.MaxRedirects {
		m.fail(ErrTooManyRedirects)
		return
	}

	if (m.statusCode == http.StatusSeeOther && m.method != http.MethodHead) ||
		((m.statusCode == http.StatusMovedPermanently || m.statusCode == http.StatusFound) && m.method == http.MethodPost) {
		m.method = http.MethodGet
		m.reqBody = nil
		m.reqHeader.Del("Content-Type")
	}
	target.Fragment = ""
	logger.Debug().Int("status", m.statusCode).Stringer("location", target).Msg("Following redirect")
	m.url = target
	m.Requeue()
}
