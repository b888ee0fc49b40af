package courier

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
)

type State int

const (
	StateIdle State = iota
	StateQueued
	StateConnecting
	StateSendingRequest
	StateReadingResponse
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateConnecting:
		return "connecting"
	case StateSendingRequest:
		return "sending-request"
	case StateReadingResponse:
		return "reading-response"
	case StateFinished:
		return "finished"
	}
	return "idle"
}

// Ownership tells who owns the memory of a body.
type Ownership int

const (
	// SystemOwned bodies are copied and owned by the message.
	SystemOwned Ownership = iota
	// CallerOwned bodies stay owned by the caller, who must keep them
	// unchanged while the message is in flight.
	CallerOwned
	// Static bodies are never modified or freed.
	Static
)

type Flags uint

const (
	// NoRedirect leaves 3xx responses to the caller.
	NoRedirect Flags = 1 << iota
	// NoCache bypasses the cache for lookups. Responses are still stored.
	NoCache
	// NoAuth leaves 401 and 407 responses to the caller.
	NoAuth
)

// Message is one HTTP request and its response. A message is driven by a
// Session; while it is queued its request must not be modified except from
// its handlers.
type Message struct {
	id     uuid.UUID
	method string
	url    *url.URL
	flags  Flags

	reqHeader    http.Header
	reqBody      []byte
	reqBodyOwner Ownership

	statusCode    int
	reason        string
	protoMinor    int
	respHeader    http.Header
	respBody      bytes.Buffer
	respBodyOwner Ownership
	callerBuffer  []byte
	fromCache     bool
	err           error
	errorClass    ErrorClass

	handlers handlerList

	// attempt bookkeeping, only touched by the goroutine running the message
	requeue   bool
	requeues  int
	redirects int
	retries   int

	mu           sync.Mutex
	state        State
	cancelled    bool
	cancelStatus int
	cancel       context.CancelFunc
	done         bool
}

// NewMessage creates a message for method and an absolute URI.
func NewMessage(method, rawURL string) (*Message, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return NewMessageFromURL(method, u), nil
}

func NewMessageFromURL(method string, u *url.URL) *Message {
	if method == "" {
		method = http.MethodGet
	}
	return &Message{
		id:         uuid.New(),
		method:     method,
		url:        u,
		reqHeader:  make(http.Header),
		respHeader: make(http.Header),
	}
}

func (m *Message) ID() uuid.UUID { return m.id }

func (m *Message) Method() string { return m.method }

// SetMethod changes the request method. Handlers use it before requeueing.
func (m *Message) SetMethod(method string) { m.method = method }

func (m *Message) URL() *url.URL { return m.url }

// SetURL changes the target of the message. Handlers use it before
// requeueing.
func (m *Message) SetURL(u *url.URL) { m.url = u }

func (m *Message) Flags() Flags { return m.flags }

func (m *Message) SetFlags(f Flags) { m.flags = f }

func (m *Message) RequestHeader() http.Header { return m.reqHeader }

// SetRequestBody sets the request body and its Content-Type.
func (m *Message) SetRequestBody(contentType string, owner Ownership, body []byte) {
	if owner == SystemOwned {
		body = bytes.Clone(body)
	}
	m.reqBody = body
	m.reqBodyOwner = owner
	if contentType != "" {
		m.reqHeader.Set("Content-Type", contentType)
	}
}

func (m *Message) RequestBody() []byte { return m.reqBody }

// SetResponseBuffer asks for the response body to be written into buf.
// Such messages cannot be queued; the buffer belongs to the caller.
func (m *Message) SetResponseBuffer(buf []byte) {
	m.callerBuffer = buf
	m.respBodyOwner = CallerOwned
}

func (m *Message) StatusCode() int { return m.statusCode }

func (m *Message) Reason() string { return m.reason }

func (m *Message) ResponseHeader() http.Header { return m.respHeader }

// ResponseBody is the body received so far.
func (m *Message) ResponseBody() []byte { return m.respBody.Bytes() }

// FromCache reports whether the response was served by the cache.
func (m *Message) FromCache() bool { return m.fromCache }

// Err is the error that ended the last attempt, if any.
func (m *Message) Err() error { return m.err }

func (m *Message) ErrorClass() ErrorClass { return m.errorClass }

func (m *Message) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Message) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// Requeue asks for the message to be sent again once the current attempt
// completes. It is meant to be called from handlers.
func (m *Message) Requeue() { m.requeue = true }

// SetResponse fills the message with a complete response. The cache uses it
// to serve stored responses.
func (m *Message) SetResponse(statusCode int, reason string, header http.Header, body []byte) {
	m.setStatus(statusCode, reason)
	m.protoMinor = 1
	m.respHeader = header
	m.respBody.Reset()
	m.respBody.Write(body)
	m.fromCache = true
}

func (m *Message) setStatus(code int, reason string) {
	if reason == "" {
		reason = StatusText(code)
	}
	m.statusCode = code
	m.reason = reason
}

// fail ends the attempt with err, setting the matching synthetic status.
func (m *Message) fail(err error) {
	code, class := statusForError(err)
	m.err = err
	m.errorClass = class
	m.setStatus(code, "")
}

func (m *Message) resetResponse() {
	m.statusCode = StatusNone
	m.reason = ""
	m.protoMinor = 0
	m.respHeader = make(http.Header)
	m.respBody.Reset()
	m.fromCache = false
	m.err = nil
	m.errorClass = ClassNone
}

func (m *Message) keepAlive() bool {
	if hasToken(m.reqHeader, "Connection", "close") || hasToken(m.respHeader, "Connection", "close") {
		return false
	}
	if m.protoMinor == 0 {
		return hasToken(m.respHeader, "Connection", "keep-alive")
	}
	return true
}
