package api

import (
	"sync"
	"time"
)

// MemorySessionStore is a thread-safe in-memory SessionStore.
// Sessions are lost on server restart.
type MemorySessionStore struct {
	mu          sync.RWMutex
	data        map[string]AuthSession
	idleTimeout time.Duration
}

var _ SessionStore = (*MemorySessionStore)(nil)

// NewMemorySessionStore creates an in-memory session store.
// idleTimeout of 0 disables idle timeout checking.
func NewMemorySessionStore(idleTimeout time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		data:        make(map[string]AuthSession),
		idleTimeout: idleTimeout,
	}
}

func (s *MemorySessionStore) Get(key string) (AuthSession, bool) {
	s.mu.RLock()
	session, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return AuthSession{}, false
	}
	if !session.live(time.Now(), s.idleTimeout) {
		s.Delete(key)
		return AuthSession{}, false
	}
	return session, true
}

func (s *MemorySessionStore) Put(key string, session AuthSession) {
	s.mu.Lock()
	s.data[key] = session
	s.mu.Unlock()
}

func (s *MemorySessionStore) Delete(key string) {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
}

// Len returns the number of stored sessions, including ones not yet
// noticed as expired.
func (s *MemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
