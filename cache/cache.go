// Package cache keeps responses on disk and decides, by the HTTP caching
// rules, which of them may be reused.
package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	cachekey "github.com/always-cache/courier/pkg/cache-key"
	responsetransformer "github.com/always-cache/courier/pkg/response-transformer"
)

// Name identifies this cache in Cache-Status fields.
const Name = "courier"

const tmpSuffix = ".tmp"

var ErrNotCached = errors.New("no usable cached response")

// Type selects which directives apply.
type Type int

const (
	// Single is a private, single user cache.
	Single Type = iota
	// Shared is a cache serving several users; private responses are not stored.
	Shared
)

// Exchange is the view of a request/response pair the cache works on.
type Exchange interface {
	Method() string
	URL() *url.URL
	RequestHeader() http.Header
	StatusCode() int
	Reason() string
	ResponseHeader() http.Header
}

// Responder is an exchange a stored response can be written into.
type Responder interface {
	Exchange
	SetResponse(statusCode int, reason string, header http.Header, body []byte)
}

type Options struct {
	Type Type
	// MaxEntries bounds the number of entries. Zero means no bound.
	MaxEntries int
	// MaxSize bounds the total size of stored bodies in bytes. Zero means
	// no bound.
	MaxSize int64
	// Rules adjust response headers before they are evaluated.
	Rules  responsetransformer.Rules
	Logger *zerolog.Logger
}

type Stats struct {
	Entries int
	Size    int64
	Hits    int64
}

type entry struct {
	key          string
	statusCode   int
	reason       string
	header       http.Header
	vary         map[string]string
	responseTime time.Time
	// date is the instant the response was generated; current age is
	// measured from it.
	date           time.Time
	freshness      time.Duration
	mustRevalidate bool
	length         int64
	hits           int64

	// w is set while the body is being written; the entry is dirty until
	// it clears.
	w *Writer
}

func (e *entry) dirty() bool { return e.w != nil }

type Cache struct {
	dir   string
	typ   Type
	rules responsetransformer.Rules
	log   zerolog.Logger

	maxSize int64
	index   *index

	// entries is only used with mu held; evicted runs with mu held.
	mu      sync.Mutex
	entries *lru.Cache[string, *entry]
	writers map[*Writer]struct{}
	size    int64
	closed  bool
}

var now = time.Now

// New opens the cache in dir, creating it if needed, and reloads the clean
// entries left by a previous run.
func New(dir string, opts Options) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	idx, err := openIndex(filepath.Join(dir, indexFileName))
	if err != nil {
		return nil, fmt.Errorf("opening cache index: %w", err)
	}
	l := log.Logger
	if opts.Logger != nil {
		l = *opts.Logger
	}
	c := &Cache{
		dir:     dir,
		typ:     opts.Type,
		rules:   opts.Rules,
		log:     l.With().Str("component", "cache").Logger(),
		maxSize: opts.MaxSize,
		index:   idx,
		writers: make(map[*Writer]struct{}),
	}
	size := opts.MaxEntries
	if size <= 0 {
		size = math.MaxInt32
	}
	if c.entries, err = lru.NewWithEvict[string, *entry](size, c.evicted); err != nil {
		idx.close()
		return nil, err
	}
	c.removeTemporaryFiles()
	if err := c.load(); err != nil {
		idx.close()
		return nil, fmt.Errorf("loading cache index: %w", err)
	}
	return c, nil
}

func (c *Cache) load() error {
	var stale []string
	err := c.index.all(func(e *entry) {
		info, err := os.Stat(c.path(e.key))
		if err != nil || info.Size() != e.length {
			stale = append(stale, e.key)
			return
		}
		c.mu.Lock()
		c.entries.Add(e.key, e)
		c.size += e.length
		c.mu.Unlock()
	})
	if err != nil {
		return err
	}
	for _, key := range stale {
		c.log.Debug().Str("key", key).Msg("Dropping entry without body")
		os.Remove(c.path(key))
		if err := c.index.delete(key); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.enforceSizeLocked()
	c.mu.Unlock()
	c.log.Debug().Int("entries", c.entries.Len()).Int64("size", c.size).Msg("Loaded cache")
	return nil
}

func (c *Cache) removeTemporaryFiles() {
	matches, _ := filepath.Glob(filepath.Join(c.dir, "*"+tmpSuffix))
	for _, name := range matches {
		os.Remove(name)
	}
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, cachekey.FileName(key))
}

// evicted is the eviction callback of entries.
func (c *Cache) evicted(key string, e *entry) {
	if e.dirty() {
		e.w.Abort()
		return
	}
	c.size -= e.length
	if err := os.Remove(c.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Warn().Err(err).Str("key", key).Msg("Could not remove cached body")
	}
	if err := c.index.delete(key); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Could not remove index entry")
	}
}

func (c *Cache) enforceSizeLocked() {
	for c.maxSize > 0 && c.size > c.maxSize && c.entries.Len() > 0 {
		c.entries.RemoveOldest()
	}
}

// Flush waits until the bodies being written when it was called are on
// disk, or until ctx is done.
func (c *Cache) Flush(ctx context.Context) error {
	c.mu.Lock()
	pending := make([]*Writer, 0, len(c.writers))
	for w := range c.writers {
		pending = append(pending, w)
	}
	c.mu.Unlock()

	for _, w := range pending {
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Clear removes every entry and its files.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries.Purge()
	c.size = 0
	c.mu.Unlock()
	c.log.Debug().Msg("Cache cleared")
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Entries: c.entries.Len(), Size: c.size}
	for _, e := range c.entries.Values() {
		s.Hits += e.hits
	}
	return s
}

// Close aborts the bodies still being written, saves hit counters and
// closes the index.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := make([]*Writer, 0, len(c.writers))
	for w := range c.writers {
		w.Abort()
		pending = append(pending, w)
	}
	c.mu.Unlock()
	for _, w := range pending {
		<-w.done
	}

	c.mu.Lock()
	hits := make(map[string]int64)
	for _, e := range c.entries.Values() {
		if !e.dirty() && e.hits > 0 {
			hits[e.key] = e.hits
		}
	}
	c.mu.Unlock()
	err := c.index.saveHits(hits)
	if cerr := c.index.close(); err == nil {
		err = cerr
	}
	return err
}
