package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmcleod/sessionkeeper/internal/util"
	"github.com/jmcleod/sessionkeeper/internal/uuid"
	"github.com/jmcleod/sessionkeeper/storage"
)

const (
	usersBucket     = "users"
	userRecordType  = "USER"
	emailRecordType = "EMAIL"
)

// ErrEmailTaken is returned when a new user's e-mail already belongs to a
// different uid.
var ErrEmailTaken = errors.New("email already registered to another user")

// userStore keeps one record per uid plus an index from normalised e-mail
// to uid. Writes are serialised so get-or-create is atomic per process.
type userStore struct {
	repo storage.Repository
	mu   sync.Mutex
}

func newUserStore(repo storage.Repository) *userStore {
	return &userStore{repo: repo}
}

func (s *userStore) get(uid string) (*User, error) {
	data, err := s.repo.Get(usersBucket, userRecordType, uid)
	if err != nil {
		return nil, err
	}
	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decoding user %s: %w", uid, err)
	}
	return &u, nil
}

func (s *userStore) put(u *User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return s.repo.Put(usersBucket, userRecordType, u.UID, data)
}

// getOrCreate returns the user for uid, creating it when absent. created
// reports whether a new record was written.
func (s *userStore) getOrCreate(uid, email string, now time.Time) (u *User, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err = s.get(uid)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	norm := util.NormalizeEmail(email)
	owner, err := s.repo.Get(usersBucket, emailRecordType, norm)
	switch {
	case err == nil && string(owner) != uid:
		return nil, false, fmt.Errorf("creating user %s: %w", uid, ErrEmailTaken)
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return nil, false, err
	}

	u = &User{
		ID:             uuid.New(),
		UID:            uid,
		Email:          email,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.repo.Put(usersBucket, emailRecordType, norm, []byte(uid)); err != nil {
		return nil, false, fmt.Errorf("indexing user email: %w", err)
	}
	if err := s.put(u); err != nil {
		return nil, false, fmt.Errorf("storing user: %w", err)
	}
	return u, true, nil
}

func (s *userStore) touch(uid string, now time.Time) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.get(uid)
	if err != nil {
		return nil, err
	}
	u.LastActivityAt = now
	if err := s.put(u); err != nil {
		return nil, fmt.Errorf("updating last activity: %w", err)
	}
	return u, nil
}
