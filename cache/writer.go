package cache

import (
	"bytes"
	"errors"
	"os"
	"sync"

	"github.com/rs/zerolog"

	cachekey "github.com/always-cache/courier/pkg/cache-key"
	"github.com/always-cache/courier/rfc9111"
	"github.com/always-cache/courier/rfc9211"
)

var errAborted = errors.New("write aborted")

type writerState int

const (
	writing writerState = iota
	committing
	aborted
)

// Writer receives the body of a response being stored. Writes never block
// on disk: chunks are queued for a goroutine that owns the file.
type Writer struct {
	c   *Cache
	e   *entry
	log zerolog.Logger

	mu      sync.Mutex
	pending [][]byte
	state   writerState
	wake    chan struct{}
	done    chan struct{}
}

// Store evaluates the response headers of x. Invalidating responses drop
// the stored entry for the URI. For a cacheable response, any previous
// entry is replaced by a dirty one and the returned Writer takes the body;
// otherwise Store returns nil. A Cache-Status field describing the
// forward is added to the response.
func (c *Cache) Store(x Exchange) *Writer {
	u := x.URL()
	key, err := cachekey.Key(u)
	if err != nil {
		return nil
	}
	header := x.ResponseHeader()
	if c.rules.Apply(x.Method(), u, x.StatusCode(), header) {
		c.log.Trace().Str("key", key).Msg("Applied cache rule")
	}
	cacheability := c.GetCacheability(x)
	responseTime := now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	_, _, fwd := c.lookupLocked(key, x)
	if fwd == "" {
		fwd = rfc9211.FwdReasonRequest
	}
	status := rfc9211.New(Name).Forward(fwd)
	log := c.log.With().Str("key", key).Stringer("cacheability", cacheability).Logger()

	if cacheability&Invalidates != 0 {
		log.Debug().Msg("Invalidating entry")
		c.entries.Remove(key)
	}
	if cacheability&Cacheable == 0 {
		header.Set("Cache-Status", status.String())
		return nil
	}

	stored := rfc9111.StorableHeader(header)
	e := &entry{
		key:            key,
		statusCode:     x.StatusCode(),
		reason:         x.Reason(),
		header:         stored,
		vary:           rfc9111.SelectedHeaders(x.RequestHeader(), rfc9111.VaryFields(stored)),
		responseTime:   responseTime,
		date:           rfc9111.DateValue(stored, responseTime),
		freshness:      rfc9111.FreshnessLifetime(stored, x.StatusCode(), responseTime, c.typ == Shared),
		mustRevalidate: rfc9111.CacheControlOf(stored).HasDirective("must-revalidate"),
	}
	w := &Writer{
		c:    c,
		e:    e,
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	e.w = w
	c.entries.Remove(key)
	c.entries.Add(key, e)
	c.writers[w] = struct{}{}
	go w.run()

	header.Set("Cache-Status", status.Stored().String())
	log.Debug().Dur("freshness", e.freshness).Msg("Storing response")
	return w
}

// Write queues a chunk of the body. It never fails; a failed entry is
// dropped on its own.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.state == writing {
		w.pending = append(w.pending, bytes.Clone(p))
	}
	w.mu.Unlock()
	w.signal()
	return len(p), nil
}

// Commit marks the body complete. The entry becomes clean once the queued
// chunks are on disk.
func (w *Writer) Commit() {
	w.setState(committing)
}

// Abort drops the entry.
func (w *Writer) Abort() {
	w.setState(aborted)
}

func (w *Writer) setState(s writerState) {
	w.mu.Lock()
	if w.state == writing || s == aborted {
		w.state = s
	}
	w.mu.Unlock()
	w.signal()
}

func (w *Writer) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Writer) run() {
	defer close(w.done)

	f, err := os.CreateTemp(w.c.dir, cachekey.FileName(w.e.key)+".*"+tmpSuffix)
	if err != nil {
		w.fail(err)
		return
	}
	var written int64
	for range w.wake {
		w.mu.Lock()
		chunks, state := w.pending, w.state
		w.pending = nil
		w.mu.Unlock()

		if state == aborted {
			f.Close()
			os.Remove(f.Name())
			w.fail(errAborted)
			return
		}
		for _, b := range chunks {
			n, err := f.Write(b)
			written += int64(n)
			if err != nil {
				f.Close()
				os.Remove(f.Name())
				w.fail(err)
				return
			}
		}
		if state == committing {
			if err := f.Close(); err != nil {
				os.Remove(f.Name())
				w.fail(err)
				return
			}
			w.c.commit(w, f.Name(), written)
			return
		}
	}
}

// fail stops accepting chunks and drops the entry.
func (w *Writer) fail(err error) {
	w.mu.Lock()
	w.state = aborted
	w.pending = nil
	w.mu.Unlock()

	c := w.c
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.writers, w)
	if cur, ok := c.entries.Peek(w.e.key); ok && cur == w.e {
		c.entries.Remove(w.e.key)
	}
	if errors.Is(err, errAborted) {
		w.log.Debug().Msg("Entry write aborted")
	} else {
		w.log.Warn().Err(err).Msg("Discarding cache entry")
	}
}

func (c *Cache) commit(w *Writer, tmp string, length int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.writers, w)
	e := w.e
	if cur, ok := c.entries.Peek(e.key); !ok || cur != e {
		os.Remove(tmp)
		w.log.Debug().Msg("Entry replaced while writing")
		return
	}
	if err := os.Rename(tmp, c.path(e.key)); err != nil {
		os.Remove(tmp)
		w.log.Warn().Err(err).Msg("Discarding cache entry")
		c.entries.Remove(e.key)
		return
	}
	e.length = length
	e.w = nil
	c.size += length
	if err := c.index.put(e); err != nil {
		w.log.Warn().Err(err).Msg("Discarding cache entry")
		c.entries.Remove(e.key)
		return
	}
	w.log.Debug().Int64("length", length).Msg("Stored response")
	c.enforceSizeLocked()
}
