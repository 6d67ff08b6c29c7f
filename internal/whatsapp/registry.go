package whatsapp

import (
	"sync"
	"time"
)

// Registry is the encapsulated session registry: userId -> sessionId ->
// Session. It replaces the process-wide maps the original service kept,
// so multiple independent managers can coexist in tests. All mutation
// goes through Update, which means no caller ever holds a *Session
// outside the lock.
type Registry struct {
	mu       sync.RWMutex
	byUser   map[string]string // userID -> sessionID
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser:   make(map[string]string),
		sessions: make(map[string]*Session),
	}
}

// MapUser records the userID -> sessionID association.
func (r *Registry) MapUser(userID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUser[userID] = sessionID
}

// SessionIDFor resolves a user's session id.
func (r *Registry) SessionIDFor(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUser[userID]
	return id, ok
}

// UserOf resolves the user owning a session id.
func (r *Registry) UserOf(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for userID, id := range r.byUser {
		if id == sessionID {
			return userID, true
		}
	}
	return "", false
}

// Put installs a session.
func (r *Registry) Put(userID string, session *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUser[userID] = session.SessionID
	r.sessions[session.SessionID] = session
}

// Snapshot returns a read-only copy of the session, if present. Status
// checks use this: a lock-free best-effort view with a staleness window
// of one event tick.
func (r *Registry) Snapshot(sessionID string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// Update applies fn to the session under the registry lock and stamps
// LastActivity. Returns false when the session is gone, which is how a
// handler discovers the manager already replaced it.
func (r *Registry) Update(sessionID string, fn func(*Session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	fn(s)
	s.LastActivity = time.Now()
	return true
}

// TakeClient detaches and returns the session's client so the caller
// can destroy it outside the lock.
func (r *Registry) TakeClient(sessionID string) Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.Client == nil {
		return nil
	}
	c := s.Client
	s.Client = nil
	return c
}

// Client returns the live client for a session, if any.
func (r *Registry) Client(sessionID string) Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	return s.Client
}

// Remove deletes the session and the user mapping.
func (r *Registry) Remove(userID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	if id, ok := r.byUser[userID]; ok && id == sessionID {
		delete(r.byUser, userID)
	}
}

// Users returns the currently mapped user ids.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		users = append(users, u)
	}
	return users
}

// IdleSessions returns the users whose sessions have been inactive
// longer than threshold.
func (r *Registry) IdleSessions(threshold time.Duration, now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var idle []string
	for userID, sessionID := range r.byUser {
		if s, ok := r.sessions[sessionID]; ok {
			if now.Sub(s.LastActivity) > threshold {
				idle = append(idle, userID)
			}
		}
	}
	return idle
}

// Len reports the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
