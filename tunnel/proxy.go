package tunnel

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

type ProxyKind int

const (
	ProxyHTTP ProxyKind = iota
	ProxySOCKS4
	ProxySOCKS5
)

func (k ProxyKind) String() string {
	switch k {
	case ProxyHTTP:
		return "http"
	case ProxySOCKS4:
		return "socks4"
	case ProxySOCKS5:
		return "socks5"
	}
	return "unknown"
}

// Proxy describes an upstream proxy.
type Proxy struct {
	Kind     ProxyKind
	Host     string
	Port     int
	Username string
	Password string
}

// ParseProxy parses URLs of the form scheme://[user[:password]@]host[:port]
// where scheme is http, socks4, socks4a or socks5.
func ParseProxy(raw string) (*Proxy, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL %q: %w", raw, err)
	}
	p := &Proxy{Host: strings.ToLower(u.Hostname())}
	var defaultPort int
	switch strings.ToLower(u.Scheme) {
	case "http":
		p.Kind, defaultPort = ProxyHTTP, 80
	case "socks4", "socks4a":
		p.Kind, defaultPort = ProxySOCKS4, 1080
	case "socks5", "socks5h", "socks":
		p.Kind, defaultPort = ProxySOCKS5, 1080
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if p.Host == "" {
		return nil, fmt.Errorf("proxy URL %q has no host", raw)
	}
	p.Port = defaultPort
	if port := u.Port(); port != "" {
		if p.Port, err = strconv.Atoi(port); err != nil || p.Port <= 0 || p.Port > 65535 {
			return nil, fmt.Errorf("invalid proxy port %q", port)
		}
	}
	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	return p, nil
}

func (p *Proxy) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p *Proxy) String() string {
	return p.Kind.String() + "://" + p.Addr()
}

// BasicAuthorization returns a Proxy-Authorization value built from the
// proxy's userinfo, or "" when none was configured.
func (p *Proxy) BasicAuthorization() string {
	if p.Username == "" {
		return ""
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(p.Username+":"+p.Password))
}

// HostAddr is a host/port pair that has not necessarily been resolved.
type HostAddr struct {
	Host string
	Port int
}

func (a HostAddr) Network() string { return "tcp" }

func (a HostAddr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}
