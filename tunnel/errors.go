package tunnel

import (
	"errors"
	"fmt"
)

// Dial failures are classified by wrapping one of these.
var (
	ErrResolve      = errors.New("could not resolve host")
	ErrResolveProxy = errors.New("could not resolve proxy host")
	ErrConnect      = errors.New("could not connect to host")
	ErrConnectProxy = errors.New("could not connect to proxy")
	ErrTLS          = errors.New("TLS handshake failed")
)

// ConnectError is returned when a proxy answers a tunnel request with
// anything but success. It matches ErrConnectProxy.
type ConnectError struct {
	Proxy string
	// StatusCode and Status are the HTTP proxy's answer to CONNECT.
	StatusCode int
	Status     string
	// Reply is the SOCKS4 reply code.
	Reply int
}

func (e *ConnectError) Error() string {
	switch {
	case e.Status != "":
		return fmt.Sprintf("proxy %s refused tunnel: %s", e.Proxy, e.Status)
	case e.Reply != 0:
		return fmt.Sprintf("proxy %s refused tunnel: SOCKS4 reply %d", e.Proxy, e.Reply)
	}
	return fmt.Sprintf("proxy %s refused tunnel: %d", e.Proxy, e.StatusCode)
}

func (e *ConnectError) Unwrap() error { return ErrConnectProxy }
