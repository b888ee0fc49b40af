package auth

import (
	"strings"

	"golang.org/x/net/http/httpguts"
)

type challenge struct {
	scheme string
	params map[string]string
}

// parseChallenges splits WWW-Authenticate style header values into
// challenges. A value may hold several comma separated challenges; a token
// not followed by "=" starts a new one. Parameter names are lowercased.
func parseChallenges(values []string) []challenge {
	var out []challenge
	for _, v := range values {
		s := &lexer{s: v}
		cur := -1
		for {
			s.skip(" \t,")
			if s.eof() {
				break
			}
			tok := s.token()
			if tok == "" {
				s.pos++
				continue
			}
			s.skip(" \t")
			if s.peek() != '=' {
				out = append(out, challenge{scheme: strings.ToLower(tok), params: make(map[string]string)})
				cur = len(out) - 1
				continue
			}
			s.pos++
			s.skip(" \t")
			var val string
			if s.peek() == '"' {
				val = s.quoted()
			} else {
				val = s.token()
			}
			if cur >= 0 {
				out[cur].params[strings.ToLower(tok)] = val
			}
		}
	}
	return out
}

// selectChallenge returns the strongest supported challenge carrying a realm.
func selectChallenge(challenges []challenge) (challenge, Scheme, bool) {
	var (
		best       challenge
		bestScheme Scheme
	)
	for _, ch := range challenges {
		scheme, ok := parseScheme(ch.scheme)
		if !ok {
			continue
		}
		if _, ok := ch.params["realm"]; !ok {
			continue
		}
		if scheme.strength() > bestScheme.strength() {
			best, bestScheme = ch, scheme
		}
	}
	return best, bestScheme, bestScheme != 0
}

type lexer struct {
	s   string
	pos int
}

func (l *lexer) eof() bool { return l.pos >= len(l.s) }

func (l *lexer) peek() byte {
	if l.eof() {
		return 0
	}
	return l.s[l.pos]
}

func (l *lexer) skip(chars string) {
	for !l.eof() && strings.IndexByte(chars, l.s[l.pos]) >= 0 {
		l.pos++
	}
}

func (l *lexer) token() string {
	start := l.pos
	for !l.eof() && httpguts.IsTokenRune(rune(l.s[l.pos])) {
		l.pos++
	}
	return l.s[start:l.pos]
}

// quoted reads a quoted-string starting at the opening quote.
func (l *lexer) quoted() string {
	l.pos++
	var b strings.Builder
	for !l.eof() {
		c := l.s[l.pos]
		l.pos++
		switch c {
		case '\\':
			if !l.eof() {
				b.WriteByte(l.s[l.pos])
				l.pos++
			}
		case '"':
			return b.String()
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
