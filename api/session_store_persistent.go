package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/sessionkeeper/internal/util"
	"github.com/jmcleod/sessionkeeper/storage"
)

const (
	sessionBucket         = "__sessions"
	sessionRecordType     = "SESSION"
	sessionKeyType        = "SESSION_KEY"
	sessionKeyID          = "current"
	sessionKeyWrappingAAD = "sessionkeeper:session_master_key:v1"
	cleanupInterval       = 5 * time.Minute
)

// PersistentSessionStore stores sessions in a storage.Repository, encrypted
// at rest using AES-256-GCM. Sessions survive server restarts.
//
// The session encryption key is itself sealed with an externally-provided
// wrapping key before being stored, so a repository compromise alone cannot
// recover session data. In memory the key is held in a memguard Enclave.
type PersistentSessionStore struct {
	repo        storage.Repository
	key         *memguard.Enclave
	idleTimeout time.Duration
	logger      *slog.Logger
	stopOnce    sync.Once
	stopCh      chan struct{}
}

var _ SessionStore = (*PersistentSessionStore)(nil)

// NewPersistentSessionStore creates a session store backed by repo. The
// 32-byte wrappingKey seals the session encryption key and is never stored.
// idleTimeout of 0 disables idle timeout checking.
func NewPersistentSessionStore(repo storage.Repository, idleTimeout time.Duration, wrappingKey []byte, logger *slog.Logger) (*PersistentSessionStore, error) {
	if len(wrappingKey) != util.AESKeySize {
		return nil, fmt.Errorf("wrapping key must be exactly %d bytes, got %d", util.AESKeySize, len(wrappingKey))
	}
	key, err := loadOrCreateSessionKey(repo, wrappingKey)
	if err != nil {
		return nil, err
	}
	s := &PersistentSessionStore{
		repo:        repo,
		key:         memguard.NewEnclave(key),
		idleTimeout: idleTimeout,
		logger:      logger.With("component", "sessions"),
		stopCh:      make(chan struct{}),
	}
	go s.cleanupLoop()
	return s, nil
}

// Close stops the background cleanup goroutine.
func (s *PersistentSessionStore) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *PersistentSessionStore) Get(key string) (AuthSession, bool) {
	session, err := s.load(key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("unreadable session record", "error", err)
		}
		return AuthSession{}, false
	}
	if !session.live(time.Now(), s.idleTimeout) {
		s.Delete(key)
		return AuthSession{}, false
	}
	return session, true
}

func (s *PersistentSessionStore) load(key string) (AuthSession, error) {
	var session AuthSession
	buf, err := s.key.Open()
	if err != nil {
		return session, fmt.Errorf("opening session key enclave: %w", err)
	}
	defer buf.Destroy()
	err = storage.GetSealed(s.repo, buf.Bytes(), sessionBucket, sessionRecordType, key, &session)
	return session, err
}

func (s *PersistentSessionStore) Put(key string, session AuthSession) {
	buf, err := s.key.Open()
	if err != nil {
		s.logger.Error("opening session key enclave", "error", err)
		return
	}
	defer buf.Destroy()
	if err := storage.PutSealed(s.repo, buf.Bytes(), sessionBucket, sessionRecordType, key, session); err != nil {
		s.logger.Error("storing session", "error", err)
	}
}

func (s *PersistentSessionStore) Delete(key string) {
	_ = s.repo.Delete(sessionBucket, sessionRecordType, key)
}

// cleanupLoop periodically removes expired sessions from storage.
func (s *PersistentSessionStore) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *PersistentSessionStore) sweepExpired() {
	keys, err := s.repo.List(sessionBucket, sessionRecordType)
	if err != nil {
		return
	}
	now := time.Now()
	for _, key := range keys {
		session, err := s.load(key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		// Corrupt or sealed under a previous key.
		if err != nil || !session.live(now, s.idleTimeout) {
			_ = s.repo.Delete(sessionBucket, sessionRecordType, key)
		}
	}
}

// loadOrCreateSessionKey loads the session encryption key from storage,
// unsealing it with the wrapping key. If no key exists, or the stored one
// was sealed with a different wrapping key, a new random key is generated,
// sealed and persisted. Sessions sealed under the old key become
// unreadable and are swept.
func loadOrCreateSessionKey(repo storage.Repository, wrappingKey []byte) ([]byte, error) {
	aad := []byte(sessionKeyWrappingAAD)

	data, err := repo.Get(sessionBucket, sessionKeyType, sessionKeyID)
	switch {
	case err == nil:
		var env storage.Envelope
		if json.Unmarshal(data, &env) == nil {
			key, err := storage.OpenRecord(wrappingKey, &env, aad)
			if err == nil && len(key) == util.AESKeySize {
				return key, nil
			}
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	key, err := util.NewAESKey()
	if err != nil {
		return nil, err
	}
	env, err := storage.SealRecord(wrappingKey, key, aad)
	if err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("sealing new session key: %w", err)
	}
	sealed, err := json.Marshal(env)
	if err != nil {
		util.WipeBytes(key)
		return nil, err
	}
	if err := repo.Put(sessionBucket, sessionKeyType, sessionKeyID, sealed); err != nil {
		util.WipeBytes(key)
		return nil, err
	}
	return key, nil
}
