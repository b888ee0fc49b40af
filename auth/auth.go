// Package auth negotiates HTTP Basic and Digest authentication on behalf of
// a client session.
//
// Credentials are kept per destination in a Context, keyed by scheme and
// realm and scoped to protection spaces (path prefixes). The Manager
// decorates outgoing requests and reacts to 401 and 407 challenges.
package auth

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
)

type Scheme int

const (
	Basic Scheme = iota + 1
	Digest
)

func (s Scheme) String() string {
	switch s {
	case Basic:
		return "Basic"
	case Digest:
		return "Digest"
	}
	return "Unknown"
}

// strength ranks schemes when a server offers several.
func (s Scheme) strength() int {
	switch s {
	case Basic:
		return 1
	case Digest:
		return 5
	}
	return 0
}

func parseScheme(name string) (Scheme, bool) {
	switch strings.ToLower(name) {
	case "basic":
		return Basic, true
	case "digest":
		return Digest, true
	}
	return 0, false
}

type Status int

const (
	StatusNew Status = iota
	StatusAuthenticated
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusAuthenticated:
		return "authenticated"
	case StatusInvalid:
		return "invalid"
	}
	return "unknown"
}

// Target selects between origin and proxy authentication.
type Target int

const (
	WWW Target = iota
	Proxy
)

func (t Target) String() string {
	if t == Proxy {
		return "proxy"
	}
	return "www"
}

// ChallengeHeader is the response header carrying challenges.
func (t Target) ChallengeHeader() string {
	if t == Proxy {
		return "Proxy-Authenticate"
	}
	return "WWW-Authenticate"
}

// AuthorizationHeader is the request header carrying credentials.
func (t Target) AuthorizationHeader() string {
	if t == Proxy {
		return "Proxy-Authorization"
	}
	return "Authorization"
}

// StatusCode is the response status that triggers a challenge.
func (t Target) StatusCode() int {
	if t == Proxy {
		return http.StatusProxyAuthRequired
	}
	return http.StatusUnauthorized
}

// mechanism is the scheme specific part of an Auth.
type mechanism interface {
	// update absorbs challenge parameters. It reports false if the
	// challenge cannot be answered.
	update(params map[string]string) bool
	authenticate(user, password string)
	forget()
	authorization(method, uri string) string
	protectionSpace(source *url.URL) []string
}

// Auth is the credential state for one (scheme, realm) pair.
type Auth struct {
	scheme Scheme
	realm  string
	host   string
	target Target

	mu     sync.Mutex
	status Status
	user   string
	mech   mechanism
}

func newAuth(scheme Scheme, realm, host string, target Target) *Auth {
	a := &Auth{scheme: scheme, realm: realm, host: host, target: target}
	switch scheme {
	case Basic:
		a.mech = &basic{}
	case Digest:
		a.mech = &digest{realm: realm}
	}
	return a
}

func (a *Auth) Scheme() Scheme { return a.scheme }
func (a *Auth) Realm() string  { return a.realm }
func (a *Auth) Target() Target { return a.target }

// Host is the server that issued the challenge, for display in prompts.
func (a *Auth) Host() string { return a.host }

// Key identifies the auth within a Context.
func (a *Auth) Key() string { return authKey(a.scheme, a.realm) }

func authKey(scheme Scheme, realm string) string {
	return scheme.String() + ":" + realm
}

func (a *Auth) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Auth) Username() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.user
}

func (a *Auth) update(params map[string]string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mech.update(params)
}

// Authenticate supplies credentials. The clear password is not retained.
func (a *Auth) Authenticate(user, password string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == StatusInvalid {
		return
	}
	a.user = user
	a.mech.authenticate(user, password)
	a.status = StatusAuthenticated
}

func (a *Auth) invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = StatusInvalid
	a.mech.forget()
}

// Authorization computes the header value for one request. For Digest each
// call consumes a nonce count.
func (a *Auth) Authorization(method, uri string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != StatusAuthenticated {
		return ""
	}
	return a.mech.authorization(method, uri)
}

// ProtectionSpace lists the path prefixes the auth applies to, given the
// URI that was challenged.
func (a *Auth) ProtectionSpace(source *url.URL) []string {
	if a.target == Proxy {
		return []string{"/"}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mech.protectionSpace(source)
}

// dirOf strips the last path segment, keeping the trailing slash.
func dirOf(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "/"
	}
	return path[:i+1]
}
