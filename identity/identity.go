// Package identity provides identity providers for the session controller
// and matching credential verifiers for the session service.
package identity

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jmcleod/sessionkeeper/clock"
	"github.com/jmcleod/sessionkeeper/session"
)

var (
	// ErrInvalidToken is returned when a credential fails verification.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrNotSignedIn is returned by operations that need a current user.
	ErrNotSignedIn = errors.New("no user is signed in")
	// ErrNoIDToken is returned when a token response carries no id_token.
	ErrNoIDToken = errors.New("token response has no id_token")
)

// Claims are the verified contents of a credential.
type Claims struct {
	UID       string
	Email     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type options struct {
	logger *slog.Logger
	clock  clock.Clock
}

// Option configures providers and signers.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock sets the time source used for issuing and checking expiry.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func buildOptions(component string, opts []Option) options {
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	o.logger = o.logger.With("component", component)
	return o
}

// subscribers fans auth-state changes out to listeners. Listeners are
// called without any provider lock held.
type subscribers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(session.IdentityUser)
}

func (s *subscribers) subscribe(fn func(session.IdentityUser)) (stop func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(session.IdentityUser))
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

func (s *subscribers) notify(u session.IdentityUser) {
	s.mu.Lock()
	fns := make([]func(session.IdentityUser), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}
