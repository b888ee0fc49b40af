// Package tunnel opens the byte streams that HTTP/1.1 messages are written to.
//
// A stream is either a direct TCP connection to the origin, a TLS session on
// top of it, or a connection routed through an HTTP CONNECT, SOCKS4 or SOCKS5
// proxy. Name resolution and socket creation are delegated to the Resolver and
// Transport interfaces so that tests and embedders can substitute their own.
package tunnel

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"
)

// Transport creates raw connections and upgrades them to TLS.
// Reading, writing and closing are done through the returned net.Conn.
type Transport interface {
	Connect(ctx context.Context, host string, port int) (net.Conn, error)
	WrapTLS(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error)
}

// Resolver resolves a host name to a single address.
type Resolver interface {
	Resolve(ctx context.Context, host string) (net.IP, error)
}

// NetTransport is the default Transport, backed by net.Dialer and crypto/tls.
type NetTransport struct {
	// KeepAlive is passed to net.Dialer. Zero uses the net package default.
	KeepAlive time.Duration
	// TLSConfig is cloned for every handshake; ServerName is always overridden.
	TLSConfig *tls.Config
}

func (t *NetTransport) Connect(ctx context.Context, host string, port int) (net.Conn, error) {
	d := net.Dialer{KeepAlive: t.KeepAlive}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

func (t *NetTransport) WrapTLS(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error) {
	var cfg *tls.Config
	if t.TLSConfig != nil {
		cfg = t.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	cfg.ServerName = serverName
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tc, nil
}

// NetResolver is the default Resolver. Concurrent lookups of the same host
// share a single query.
type NetResolver struct {
	// Resolver defaults to net.DefaultResolver.
	Resolver *net.Resolver

	group singleflight.Group
}

func (r *NetResolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	res := r.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	ch := r.group.DoChan(host, func() (interface{}, error) {
		// the shared lookup must not be bound to the first caller's context
		addrs, err := res.LookupIPAddr(context.WithoutCancel(ctx), host)
		if err != nil {
			return nil, err
		}
		return pickAddr(addrs), nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-ch:
		if result.Err != nil {
			return nil, result.Err
		}
		ip, _ := result.Val.(net.IP)
		if ip == nil {
			return nil, &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
		}
		return ip, nil
	}
}

// pickAddr prefers IPv4, which SOCKS4 requires and which is the common case.
func pickAddr(addrs []net.IPAddr) net.IP {
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4
		}
	}
	if len(addrs) > 0 {
		return addrs[0].IP
	}
	return nil
}
