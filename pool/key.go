package pool

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

var ErrUnsupportedScheme = errors.New("unsupported URI scheme")

// Key identifies a destination.
type Key struct {
	Scheme string
	Host   string
	Port   int
}

// KeyFor derives the destination key of an absolute http or https URI.
// The host is lowercased and converted to its ASCII form, and the default
// port of the scheme is filled in.
func KeyFor(u *url.URL) (Key, error) {
	k := Key{Scheme: strings.ToLower(u.Scheme)}
	switch k.Scheme {
	case "http":
		k.Port = 80
	case "https":
		k.Port = 443
	default:
		return Key{}, fmt.Errorf("%w %q", ErrUnsupportedScheme, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Key{}, fmt.Errorf("URI %q has no host", u)
	}
	if net.ParseIP(host) == nil {
		ascii, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return Key{}, fmt.Errorf("invalid host %q: %w", host, err)
		}
		host = ascii
	}
	k.Host = host

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Key{}, fmt.Errorf("invalid port %q", p)
		}
		k.Port = port
	}
	return k, nil
}

func (k Key) String() string {
	return k.Scheme + "://" + net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

// DefaultPort reports whether Port is the scheme's default.
func (k Key) DefaultPort() bool {
	return (k.Scheme == "http" && k.Port == 80) || (k.Scheme == "https" && k.Port == 443)
}

// HostHeader is the value to send in the Host request header.
func (k Key) HostHeader() string {
	host := k.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if k.DefaultPort() {
		return host
	}
	return host + ":" + strconv.Itoa(k.Port)
}
