package tunnel

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/proxy"
)

// Stream is an established connection ready to carry HTTP/1.1 messages.
type Stream struct {
	Conn net.Conn
	// Remote is the origin's address. For SOCKS5 and plain HTTP proxying it
	// may be unresolved.
	Remote net.Addr
	// Proxy is the proxy the stream goes through, if any.
	Proxy *Proxy
	// ViaHTTPProxy is set when requests must be written in absolute form
	// to an HTTP proxy rather than to the origin.
	ViaHTTPProxy bool
}

// Dialer opens Streams, going through Proxy when set.
type Dialer struct {
	Transport Transport
	Resolver  Resolver
	Proxy     *Proxy
	// Timeout bounds the whole dial including proxy negotiation and TLS.
	Timeout time.Duration
	Logger  *zerolog.Logger
}

func (d *Dialer) transport() Transport {
	if d.Transport == nil {
		return &NetTransport{}
	}
	return d.Transport
}

func (d *Dialer) resolver() Resolver {
	if d.Resolver == nil {
		return &NetResolver{}
	}
	return d.Resolver
}

func (d *Dialer) logger() *zerolog.Logger {
	if d.Logger == nil {
		return &log.Logger
	}
	return d.Logger
}

// Dial connects to host:port for the given URI scheme ("http" or "https").
func (d *Dialer) Dial(ctx context.Context, scheme, host string, port int) (*Stream, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	logger := d.logger().With().Str("host", host).Int("port", port).Logger()

	var (
		stream *Stream
		err    error
	)
	switch {
	case d.Proxy == nil:
		stream, err = d.dialDirect(ctx, host, port)
	case d.Proxy.Kind == ProxyHTTP && scheme == "https":
		stream, err = d.dialConnect(ctx, host, port)
	case d.Proxy.Kind == ProxyHTTP:
		stream, err = d.dialHTTPProxy(ctx, host, port)
	case d.Proxy.Kind == ProxySOCKS4:
		stream, err = d.dialSOCKS4(ctx, host, port)
	case d.Proxy.Kind == ProxySOCKS5:
		stream, err = d.dialSOCKS5(ctx, host, port)
	default:
		return nil, fmt.Errorf("%w: unsupported proxy %s", ErrConnectProxy, d.Proxy)
	}
	if err != nil {
		logger.Debug().Err(err).Msg("Dial failed")
		return nil, err
	}

	if scheme == "https" {
		tc, err := d.transport().WrapTLS(ctx, stream.Conn, host)
		if err != nil {
			stream.Conn.Close()
			logger.Debug().Err(err).Msg("TLS handshake failed")
			return nil, fmt.Errorf("%w with %s: %w", ErrTLS, host, err)
		}
		stream.Conn = tc
	}
	logger.Trace().Stringer("remote", stream.Remote).Bool("proxied", stream.Proxy != nil).Msg("Stream established")
	return stream, nil
}

func (d *Dialer) dialDirect(ctx context.Context, host string, port int) (*Stream, error) {
	ip, err := d.resolver().Resolve(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrResolve, host, err)
	}
	conn, err := d.transport().Connect(ctx, ip.String(), port)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrConnect, host, err)
	}
	return &Stream{Conn: conn, Remote: &net.TCPAddr{IP: ip, Port: port}}, nil
}

func (d *Dialer) connectProxy(ctx context.Context) (net.Conn, error) {
	ip, err := d.resolver().Resolve(ctx, d.Proxy.Host)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrResolveProxy, d.Proxy.Host, err)
	}
	conn, err := d.transport().Connect(ctx, ip.String(), d.Proxy.Port)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrConnectProxy, d.Proxy, err)
	}
	return conn, nil
}

func (d *Dialer) dialHTTPProxy(ctx context.Context, host string, port int) (*Stream, error) {
	conn, err := d.connectProxy(ctx)
	if err != nil {
		return nil, err
	}
	return &Stream{
		Conn:         conn,
		Remote:       HostAddr{Host: host, Port: port},
		Proxy:        d.Proxy,
		ViaHTTPProxy: true,
	}, nil
}

// dialConnect opens a tunnel with an HTTP CONNECT request. The TLS session
// with the origin is then established over the same socket.
func (d *Dialer) dialConnect(ctx context.Context, host string, port int) (*Stream, error) {
	conn, err := d.connectProxy(ctx)
	if err != nil {
		return nil, err
	}
	stop := watchContext(ctx, conn)
	defer stop()

	target := net.JoinHostPort(host, strconv.Itoa(port))
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if auth := d.Proxy.BasicAuthorization(); auth != "" {
		req.Header.Set("Proxy-Authorization", auth)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w %s: %w", ErrConnectProxy, d.Proxy, err)
	}
	br := bufio.NewReader(conn)
	res, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w %s: %w", ErrConnectProxy, d.Proxy, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		conn.Close()
		return nil, &ConnectError{Proxy: d.Proxy.String(), StatusCode: res.StatusCode, Status: res.Status}
	}
	if br.Buffered() > 0 {
		conn.Close()
		return nil, fmt.Errorf("%w %s: unexpected data after tunnel response", ErrConnectProxy, d.Proxy)
	}
	return &Stream{Conn: conn, Remote: HostAddr{Host: host, Port: port}, Proxy: d.Proxy}, nil
}

const (
	socks4Version   = 4
	socks4Connect   = 1
	socks4Granted   = 90
	socks4ReplySize = 8
)

// dialSOCKS4 resolves the destination locally, since plain SOCKS4 only
// carries IPv4 addresses.
func (d *Dialer) dialSOCKS4(ctx context.Context, host string, port int) (*Stream, error) {
	ip, err := d.resolver().Resolve(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrResolve, host, err)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("%w %s: no IPv4 address for SOCKS4", ErrResolve, host)
	}
	conn, err := d.connectProxy(ctx)
	if err != nil {
		return nil, err
	}
	stop := watchContext(ctx, conn)
	defer stop()

	req := make([]byte, 0, 9+len(d.Proxy.Username))
	req = append(req, socks4Version, socks4Connect)
	req = binary.BigEndian.AppendUint16(req, uint16(port))
	req = append(req, ip4...)
	req = append(req, d.Proxy.Username...)
	req = append(req, 0)
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w %s: %w", ErrConnectProxy, d.Proxy, err)
	}

	reply := make([]byte, socks4ReplySize)
	if _, err := io.ReadFull(conn, reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w %s: short SOCKS4 reply: %w", ErrConnectProxy, d.Proxy, err)
	}
	if reply[0] != 0 {
		conn.Close()
		return nil, fmt.Errorf("%w %s: bad SOCKS4 reply version %d", ErrConnectProxy, d.Proxy, reply[0])
	}
	if reply[1] != socks4Granted {
		conn.Close()
		return nil, &ConnectError{Proxy: d.Proxy.String(), Reply: int(reply[1])}
	}
	return &Stream{Conn: conn, Remote: &net.TCPAddr{IP: ip4, Port: port}, Proxy: d.Proxy}, nil
}

func (d *Dialer) dialSOCKS5(ctx context.Context, host string, port int) (*Stream, error) {
	var auth *proxy.Auth
	if d.Proxy.Username != "" {
		auth = &proxy.Auth{User: d.Proxy.Username, Password: d.Proxy.Password}
	}
	dialer, err := proxy.SOCKS5("tcp", d.Proxy.Addr(), auth, proxyForward{d})
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrConnectProxy, d.Proxy, err)
	}
	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("%w %s: SOCKS5 dialer does not support contexts", ErrConnectProxy, d.Proxy)
	}
	conn, err := cd.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		if errors.Is(err, ErrResolveProxy) || errors.Is(err, ErrConnectProxy) {
			return nil, err
		}
		return nil, fmt.Errorf("%w %s: %w", ErrConnectProxy, d.Proxy, err)
	}
	return &Stream{Conn: conn, Remote: HostAddr{Host: host, Port: port}, Proxy: d.Proxy}, nil
}

// proxyForward lets the SOCKS5 handshake reach the proxy through the
// configured Resolver and Transport.
type proxyForward struct{ d *Dialer }

func (f proxyForward) Dial(network, addr string) (net.Conn, error) {
	return f.DialContext(context.Background(), network, addr)
}

func (f proxyForward) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f.d.connectProxy(ctx)
}

// watchContext interrupts blocking I/O on conn when ctx ends. The returned
// function must be called once negotiation is over.
func watchContext(ctx context.Context, conn net.Conn) func() {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
		conn.SetDeadline(time.Time{})
	}
}
