// Package registry tracks which live connections view which dashboard.
//
// Membership is kept per token behind its own mutex; the token map itself is
// only write-locked to create or drop a session. A connection belongs to at
// most one token: subscribing it elsewhere moves it.
//
// Subscribe and Unsubscribe hold the index lock for their whole update, so
// the index and the sessions always agree. Lock order is index, token map,
// session. Readers never take the index lock.
package registry

import (
	"sort"
	"sync"
)

// Handle is a live connection. IDs must be unique per process.
type Handle interface {
	ID() string
}

type session[C Handle] struct {
	mu    sync.Mutex
	conns map[string]C
	// dead is set when the last connection leaves. A dead session is never
	// reused; Subscribe replaces it.
	dead bool
}

type Registry[C Handle] struct {
	mu       sync.RWMutex
	sessions map[string]*session[C]

	imu   sync.Mutex        // serializes membership writes
	index map[string]string // connection id -> token
}

func New[C Handle]() *Registry[C] {
	return &Registry[C]{
		sessions: map[string]*session[C]{},
		index:    map[string]string{},
	}
}

// Subscribe adds c to token's session, moving it out of any other session.
func (r *Registry[C]) Subscribe(token string, c C) {
	id := c.ID()
	r.imu.Lock()
	defer r.imu.Unlock()
	if prev, had := r.index[id]; had && prev != token {
		r.remove(prev, id)
	}
	r.index[id] = token

	for {
		s := r.sessionFor(token)
		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			continue
		}
		s.conns[id] = c
		s.mu.Unlock()
		return
	}
}

// Unsubscribe removes c from token. It is a no-op when c is not there.
func (r *Registry[C]) Unsubscribe(token string, c C) bool {
	id := c.ID()
	r.imu.Lock()
	defer r.imu.Unlock()
	if r.index[id] == token {
		delete(r.index, id)
	}
	return r.remove(token, id)
}

// ConnectionsFor returns a snapshot of token's connections.
func (r *Registry[C]) ConnectionsFor(token string) []C {
	r.mu.RLock()
	s := r.sessions[token]
	r.mu.RUnlock()
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]C, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// TokenOf reports the token a connection id is subscribed to.
func (r *Registry[C]) TokenOf(connID string) (string, bool) {
	r.imu.Lock()
	defer r.imu.Unlock()
	t, ok := r.index[connID]
	return t, ok
}

// Tokens lists tokens with at least one connection, sorted.
func (r *Registry[C]) Tokens() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.sessions))
	for t := range r.sessions {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len is the number of connections across all tokens.
func (r *Registry[C]) Len() int {
	r.imu.Lock()
	defer r.imu.Unlock()
	return len(r.index)
}

func (r *Registry[C]) sessionFor(token string) *session[C] {
	r.mu.RLock()
	s := r.sessions[token]
	r.mu.RUnlock()
	if s != nil && !s.isDead() {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s = r.sessions[token]
	if s == nil || s.isDead() {
		s = &session[C]{conns: map[string]C{}}
		r.sessions[token] = s
	}
	return s
}

func (r *Registry[C]) remove(token, id string) bool {
	r.mu.RLock()
	s := r.sessions[token]
	r.mu.RUnlock()
	if s == nil {
		return false
	}

	s.mu.Lock()
	_, ok := s.conns[id]
	delete(s.conns, id)
	empty := len(s.conns) == 0
	if empty {
		s.dead = true
	}
	s.mu.Unlock()

	if empty {
		r.mu.Lock()
		if r.sessions[token] == s {
			delete(r.sessions, token)
		}
		r.mu.Unlock()
	}
	return ok
}

func (s *session[C]) isDead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead
}
