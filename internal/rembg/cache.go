package rembg

import (
	"sort"
	"sync"
	"time"
)

// Session describes a model that has been loaded by the collaborator on
// behalf of this process.
type Session struct {
	Model    Model
	LoadedAt time.Time
	LastUsed time.Time
	Uses     int
}

// Cache is local bookkeeping of the models the collaborator has served for
// this process. A model with no session is treated as cold and gets a longer
// timeout. Nothing here holds model memory; the rembg server or CLI owns the
// models and decides when to unload them.
type Cache struct {
	mu       sync.Mutex
	sessions map[Model]*Session
	now      func() time.Time
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{sessions: map[Model]*Session{}, now: time.Now}
}

// shared is the process-wide cache used by removers built without one.
var shared = NewCache()

// Shared returns the process-wide cache.
func Shared() *Cache { return shared }

// Loaded reports whether a session exists for m.
func (c *Cache) Loaded(m Model) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[m]
	return ok
}

// Touch records a use of m, creating its session on first use.
// It reports whether the session already existed.
func (c *Cache) Touch(m Model) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	s, ok := c.sessions[m]
	if !ok {
		s = &Session{Model: m, LoadedAt: now}
		c.sessions[m] = s
	}
	s.LastUsed = now
	s.Uses++
	return ok
}

// Sessions returns a snapshot of the loaded sessions in model order.
func (c *Cache) Sessions() []Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Clear drops every session and returns how many were dropped. It does not
// unload anything in the collaborator; it only makes the next request for
// each model use the cold timeout again.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.sessions)
	c.sessions = map[Model]*Session{}
	return n
}
