// Package server tracks live sessions in a Registry shared by the session
// handlers and the heartbeat broadcaster.
package server

import "sync"

// Registry holds the sessions that have completed registration and not yet
// been removed. Every method is atomic with respect to the others.
type Registry struct {
	mu       sync.RWMutex
	sessions []*Session
	index    map[*Session]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		index: make(map[*Session]struct{}),
	}
}

// Add registers s. Registering the same session twice is a caller bug and
// reports ErrDuplicateSession.
func (r *Registry) Add(s *Session) error {
	if s == nil {
		return ErrNilSession
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[s]; exists {
		return ErrDuplicateSession
	}
	r.index[s] = struct{}{}
	r.sessions = append(r.sessions, s)
	return nil
}

// Remove deregisters s and reports whether it was present. Removing an
// absent session is a no-op, since a handler and the broadcaster may both
// try to remove the same session.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[s]; !exists {
		return false
	}
	delete(r.index, s)
	for i, candidate := range r.sessions {
		if candidate == s {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			break
		}
	}
	return true
}

// Snapshot returns the registered sessions in registration order. The slice
// is a copy and may be iterated without holding any lock.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make([]*Session, len(r.sessions))
	copy(snapshot, r.sessions)
	return snapshot
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Contains reports whether s is currently registered.
func (r *Registry) Contains(s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.index[s]
	return exists
}
