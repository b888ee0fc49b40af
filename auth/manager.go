package auth

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prompt supplies credentials for an auth. retrying is set when previously
// supplied credentials for the same realm were refused.
type Prompt interface {
	RequestCredentials(ctx context.Context, a *Auth, retrying bool) (user, password string, ok bool)
}

type PromptFunc func(ctx context.Context, a *Auth, retrying bool) (string, string, bool)

func (f PromptFunc) RequestCredentials(ctx context.Context, a *Auth, retrying bool) (string, string, bool) {
	return f(ctx, a, retrying)
}

// StaticCredentials answers every first prompt with the same credentials
// and declines retries, so a wrong password fails instead of looping.
type StaticCredentials struct {
	Username string
	Password string
}

func (s StaticCredentials) RequestCredentials(ctx context.Context, a *Auth, retrying bool) (string, string, bool) {
	if retrying {
		return "", "", false
	}
	return s.Username, s.Password, true
}

// Request is the part of an outgoing message the manager looks at.
type Request struct {
	Method string
	URL    *url.URL
	// RequestURI is the request target as written on the request line.
	RequestURI string
	Header     http.Header
}

type Manager struct {
	prompt Prompt
	log    zerolog.Logger
}

// NewManager creates a manager. A nil prompt never supplies credentials.
func NewManager(prompt Prompt, logger *zerolog.Logger) *Manager {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Manager{prompt: prompt, log: l.With().Str("component", "auth").Logger()}
}

func (m *Manager) requestCredentials(ctx context.Context, a *Auth, retrying bool) bool {
	if m.prompt == nil {
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	user, password, ok := m.prompt.RequestCredentials(ctx, a, retrying)
	if !ok {
		return false
	}
	a.Authenticate(user, password)
	return a.Status() == StatusAuthenticated
}

// Authorize adds credentials to req if an auth covers its path. An
// authorization header set by the caller is left alone.
func (m *Manager) Authorize(ctx context.Context, c *Context, msg any, req Request) {
	name := c.target.AuthorizationHeader()
	if req.Header.Get(name) != "" && !c.isDecorated(msg) {
		return
	}
	req.Header.Del(name)
	c.setDecorated(msg, false)

	a := c.Attached(msg)
	if a == nil || a.Status() != StatusAuthenticated {
		a = c.LookupPath(req.URL.Path)
	}
	if a == nil {
		return
	}
	if a.Status() == StatusNew && !m.requestCredentials(ctx, a, false) {
		return
	}
	value := a.Authorization(req.Method, req.RequestURI)
	if value == "" {
		return
	}
	req.Header.Set(name, value)
	c.setDecorated(msg, true)
	c.Attach(msg, a)
	m.log.Trace().Str("target", c.target.String()).Str("auth", a.Key()).Str("path", req.URL.Path).Msg("Authorized request")
}

// HandleChallenge processes a 401 or 407 response to msg, which was sent to
// source. It reports whether the message should be sent again.
func (m *Manager) HandleChallenge(ctx context.Context, c *Context, msg any, source *url.URL, header http.Header) bool {
	logger := m.log.With().Str("target", c.target.String()).Str("uri", source.String()).Logger()
	prior := c.Attached(msg)

	// Someone else already found out that prior is bad. Use whatever
	// replaced it rather than asking again.
	if prior != nil && prior.Status() == StatusInvalid {
		repl := c.Lookup(prior.scheme, prior.realm)
		if repl != nil && repl != prior && repl.Status() == StatusAuthenticated {
			c.Attach(msg, repl)
			logger.Debug().Str("auth", repl.Key()).Msg("Retrying with replacement auth")
			return true
		}
		return false
	}

	ch, scheme, ok := selectChallenge(parseChallenges(header.Values(c.target.ChallengeHeader())))
	if !ok {
		logger.Debug().Msg("No supported challenge")
		return false
	}
	realm := ch.params["realm"]

	if prior != nil && prior.scheme == Digest && prior.scheme == scheme && prior.realm == realm &&
		strings.EqualFold(ch.params["stale"], "true") {
		if prior.update(ch.params) {
			logger.Debug().Str("auth", prior.Key()).Msg("Stale nonce, retrying")
			return true
		}
		return false
	}

	a := c.Lookup(scheme, realm)
	if a == nil {
		a = newAuth(scheme, realm, source.Host, c.target)
	}
	if !a.update(ch.params) {
		logger.Debug().Str("auth", a.Key()).Msg("Challenge cannot be answered")
		return false
	}

	if a == prior {
		// known-bad password
		c.Invalidate(a)
		logger.Debug().Str("auth", a.Key()).Msg("Credentials refused")
		fresh := newAuth(scheme, realm, source.Host, c.target)
		if !fresh.update(ch.params) || !m.requestCredentials(ctx, fresh, true) {
			return false
		}
		c.Record(fresh, fresh.ProtectionSpace(source))
		c.Attach(msg, fresh)
		return true
	}

	c.Record(a, a.ProtectionSpace(source))
	if a.Status() == StatusNew && !m.requestCredentials(ctx, a, false) {
		logger.Debug().Str("auth", a.Key()).Msg("No credentials supplied")
		return false
	}
	c.Attach(msg, a)
	logger.Debug().Str("auth", a.Key()).Msg("Retrying with credentials")
	return true
}
