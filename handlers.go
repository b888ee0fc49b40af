package courier

import "net/http"

// Phase is a point in a message's life where handlers run.
type Phase int

const (
	// GotHeaders runs once the response headers are read, before the body.
	GotHeaders Phase = iota
	// GotBody runs once the whole body is read. Handlers may Requeue.
	GotBody
	// Finished runs at the end of every attempt, requeued or not.
	Finished
)

type Handler func(m *Message)

type ChunkHandler func(m *Message, chunk []byte)

type handler struct {
	phase Phase
	fn    Handler

	header      string
	statusCode  int
	statusClass int
}

func (h handler) matches(m *Message) bool {
	switch {
	case h.header != "":
		return len(m.respHeader.Values(h.header)) > 0
	case h.statusCode != 0:
		return m.statusCode == h.statusCode
	case h.statusClass != 0:
		return m.statusCode/100 == h.statusClass
	}
	return true
}

type handlerList struct {
	handlers []handler
	chunks   []ChunkHandler
}

// AddHandler runs fn at phase.
func (m *Message) AddHandler(phase Phase, fn Handler) {
	m.handlers.handlers = append(m.handlers.handlers, handler{phase: phase, fn: fn})
}

// AddHeaderHandler runs fn at phase if the response has the header.
func (m *Message) AddHeaderHandler(phase Phase, header string, fn Handler) {
	m.handlers.handlers = append(m.handlers.handlers, handler{phase: phase, fn: fn, header: http.CanonicalHeaderKey(header)})
}

// AddStatusCodeHandler runs fn at phase if the response has the status code.
func (m *Message) AddStatusCodeHandler(phase Phase, code int, fn Handler) {
	m.handlers.handlers = append(m.handlers.handlers, handler{phase: phase, fn: fn, statusCode: code})
}

// AddStatusClassHandler runs fn at phase if the status code is in class,
// e.g. 4 for 4xx.
func (m *Message) AddStatusClassHandler(phase Phase, class int, fn Handler) {
	m.handlers.handlers = append(m.handlers.handlers, handler{phase: phase, fn: fn, statusClass: class})
}

// AddChunkHandler runs fn for each piece of body read.
func (m *Message) AddChunkHandler(fn ChunkHandler) {
	m.handlers.chunks = append(m.handlers.chunks, fn)
}

func (m *Message) runHandlers(phase Phase) {
	for _, h := range m.handlers.handlers {
		if h.phase == phase && h.matches(m) {
			h.fn(m)
		}
	}
}

func (m *Message) runChunkHandlers(chunk []byte) {
	for _, fn := range m.handlers.chunks {
		fn(m, chunk)
	}
}
