package api

import "time"

// SessionStore abstracts server session CRUD so that sessions can be stored
// in-memory (default), sealed in a storage.Repository, or in Redis. Keys
// are util.HashToken of the bearer credential that established the session.
type SessionStore interface {
	// Get retrieves a session by key. Returns false if the session
	// does not exist, has expired, or has exceeded the idle timeout.
	Get(key string) (AuthSession, bool)
	// Put creates or updates a session for the given key.
	Put(key string, session AuthSession)
	// Delete removes a session by key.
	Delete(key string)
}

// AuthSession holds the server-side state for an established session.
type AuthSession struct {
	UserID         string    `json:"user_id"`
	UID            string    `json:"uid"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// live reports whether the session is neither expired nor idle at now. An
// idleTimeout of 0 disables the idle check.
func (s AuthSession) live(now time.Time, idleTimeout time.Duration) bool {
	if now.After(s.ExpiresAt) {
		return false
	}
	return idleTimeout <= 0 || now.Sub(s.LastAccessedAt) <= idleTimeout
}
