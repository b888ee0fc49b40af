package courier

import (
	"context"
	"errors"
	"net/http"

	"github.com/always-cache/courier/pool"
	"github.com/always-cache/courier/tunnel"
)

// Status codes below 100 never come from a server. They describe why a
// message finished without a usable response.
const (
	StatusNone             = 0
	StatusCancelled        = 1
	StatusCantResolve      = 2
	StatusCantResolveProxy = 3
	StatusCantConnect      = 4
	StatusCantConnectProxy = 5
	StatusSSLFailed        = 6
	StatusIOError          = 7
	StatusMalformed        = 8
	StatusTryAgain         = 9
	StatusTooManyRedirects = 10
)

var statusText = map[int]string{
	StatusCancelled:        "Cancelled",
	StatusCantResolve:      "Cannot resolve hostname",
	StatusCantResolveProxy: "Cannot resolve proxy hostname",
	StatusCantConnect:      "Cannot connect to destination",
	StatusCantConnectProxy: "Cannot connect to proxy",
	StatusSSLFailed:        "SSL handshake failed",
	StatusIOError:          "Connection terminated unexpectedly",
	StatusMalformed:        "Message Corrupt",
	StatusTryAgain:         "Message failed, try again",
	StatusTooManyRedirects: "Too many redirects",
}

// StatusText returns the reason phrase for a synthetic or HTTP status code.
func StatusText(code int) string {
	if text, ok := statusText[code]; ok {
		return text
	}
	return http.StatusText(code)
}

// IsTransportError reports whether code is a synthetic transport status.
func IsTransportError(code int) bool {
	return code > StatusNone && code < 100 && code != StatusMalformed && code != StatusTooManyRedirects
}

type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassTransport
	ClassProtocol
	ClassAuth
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransport:
		return "transport"
	case ClassProtocol:
		return "protocol"
	case ClassAuth:
		return "auth"
	}
	return "none"
}

var (
	ErrCallerOwnedResponse = errors.New("message response is caller owned")
	ErrContentLengthSet    = errors.New("Content-Length must not be set by the caller")
	ErrAlreadyQueued       = errors.New("message already queued")
	ErrSessionClosed       = errors.New("session closed")
	ErrMalformed           = errors.New("malformed response")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrTooManyRedirects    = errors.New("too many redirects")
)

// statusForError maps an attempt failure to the status the message
// finishes with.
func statusForError(err error) (int, ErrorClass) {
	var connectErr *tunnel.ConnectError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, pool.ErrClosed):
		return StatusCancelled, ClassNone
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrInvalidRequest):
		return StatusMalformed, ClassProtocol
	case errors.Is(err, ErrTooManyRedirects):
		return StatusTooManyRedirects, ClassProtocol
	case errors.Is(err, pool.ErrTryAgain):
		return StatusTryAgain, ClassTransport
	case errors.Is(err, tunnel.ErrResolveProxy):
		return StatusCantResolveProxy, ClassTransport
	case errors.Is(err, tunnel.ErrResolve):
		return StatusCantResolve, ClassTransport
	case errors.As(err, &connectErr) && connectErr.StatusCode >= 100:
		return connectErr.StatusCode, ClassTransport
	case errors.Is(err, tunnel.ErrConnectProxy):
		return StatusCantConnectProxy, ClassTransport
	case errors.Is(err, tunnel.ErrConnect):
		return StatusCantConnect, ClassTransport
	case errors.Is(err, tunnel.ErrTLS):
		return StatusSSLFailed, ClassTransport
	}
	return StatusIOError, ClassTransport
}
