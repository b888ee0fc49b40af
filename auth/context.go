package auth

import (
	"strings"
	"sync"
)

// Context holds the auths of one destination for one Target.
type Context struct {
	target Target

	mu        sync.Mutex
	spaces    map[string]string // protection space path -> auth key
	auths     map[string]*Auth  // auth key -> auth
	attached  map[any]*Auth     // message -> auth used on its last attempt
	decorated map[any]bool      // message -> authorization header set by us
}

func NewContext(target Target) *Context {
	return &Context{
		target:    target,
		spaces:    make(map[string]string),
		auths:     make(map[string]*Auth),
		attached:  make(map[any]*Auth),
		decorated: make(map[any]bool),
	}
}

func (c *Context) Target() Target { return c.target }

// Lookup returns the valid auth for scheme and realm, if any.
func (c *Context) Lookup(scheme Scheme, realm string) *Auth {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auths[authKey(scheme, realm)]
}

// LookupPath returns the auth of the longest protection space containing
// path. Proxy contexts have a single space.
func (c *Context) LookupPath(path string) *Auth {
	if c.target == Proxy || path == "" {
		path = "/"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if key, ok := c.spaces[path]; ok {
			if a := c.auths[key]; a != nil {
				return a
			}
		}
		if path == "/" {
			return nil
		}
		path = dirOf(strings.TrimSuffix(path, "/"))
	}
}

// Record registers a under its key and maps each space to it.
func (c *Context) Record(a *Auth, spaces []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := a.Key()
	c.auths[key] = a
	for _, p := range spaces {
		c.spaces[p] = key
		if !strings.HasSuffix(p, "/") {
			c.spaces[p+"/"] = key
		}
	}
}

// Invalidate marks a as refused and evicts it. Messages still holding it
// see the Invalid status.
func (c *Context) Invalidate(a *Auth) {
	a.invalidate()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.auths[a.Key()] == a {
		delete(c.auths, a.Key())
	}
}

func (c *Context) Attach(msg any, a *Auth) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached[msg] = a
}

func (c *Context) Attached(msg any) *Auth {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached[msg]
}

// Release forgets everything recorded for msg. It is called when the
// message finishes.
func (c *Context) Release(msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attached, msg)
	delete(c.decorated, msg)
}

func (c *Context) setDecorated(msg any, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v {
		c.decorated[msg] = true
	} else {
		delete(c.decorated, msg)
	}
}

func (c *Context) isDecorated(msg any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decorated[msg]
}
