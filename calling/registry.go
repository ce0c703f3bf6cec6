/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Herbanova Inc.
 */

package calling

import "sync"

// Registry is the authoritative set of currently active call sessions.
// Membership equals the set of non-terminal sessions: sessions are added at
// creation and evicted when they reach a terminal state. Add and Remove are
// idempotent by call identity and notify subscribers synchronously whenever
// membership actually changes.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	order    []string

	notifier Notifier
}

// NewRegistry creates an empty call registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Subscribe registers a listener notified on every membership change.
func (r *Registry) Subscribe(fn func()) func() {
	return r.notifier.Subscribe(fn)
}

// Add inserts a session keyed by its call identity. Adding an identity that
// is already present is a no-op. Returns true when membership changed.
func (r *Registry) Add(s *Session) bool {
	if s == nil {
		return false
	}
	r.mu.Lock()
	if _, ok := r.sessions[s.ID()]; ok {
		r.mu.Unlock()
		return false
	}
	r.sessions[s.ID()] = s
	r.order = append(r.order, s.ID())
	r.mu.Unlock()

	r.notifier.Notify()
	return true
}

// Remove evicts a session by call identity. A no-op if absent. Returns true
// when membership changed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.notifier.Notify()
	return true
}

// Get returns the session with the given call identity, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// List returns the active sessions in insertion order.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id])
	}
	return out
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
