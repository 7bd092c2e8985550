// Package record implements the persistent session record: the durable
// snapshot of a session shared by every tab of one origin.
package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// DefaultKey is the storage key the session snapshot lives under.
const DefaultKey = "sessionState"

var (
	// ErrNotFound is returned by a Backend when the key holds no value.
	ErrNotFound = errors.New("record not found")
	// ErrMalformed is returned when a stored value cannot be decoded.
	ErrMalformed = errors.New("malformed session record")
)

// Snapshot is the persisted portion of a session. An empty Token means
// the writer held no credential.
type Snapshot struct {
	Token        string
	LastCheck    time.Time
	LastActivity time.Time
}

type wireSnapshot struct {
	Token        *string `json:"token"`
	LastCheck    *int64  `json:"lastCheck"`
	LastActivity *int64  `json:"lastActivity"`
}

// Encode serializes s as {"token": string|null, "lastCheck": ms,
// "lastActivity": ms}.
func Encode(s Snapshot) ([]byte, error) {
	lastCheck := s.LastCheck.UnixMilli()
	lastActivity := s.LastActivity.UnixMilli()
	w := wireSnapshot{LastCheck: &lastCheck, LastActivity: &lastActivity}
	if s.Token != "" {
		token := s.Token
		w.Token = &token
	}
	return json.Marshal(w)
}

// Decode parses a serialized snapshot. Both timestamps are required.
func Decode(data []byte) (Snapshot, error) {
	var w wireSnapshot
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&w); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.LastCheck == nil || w.LastActivity == nil {
		return Snapshot{}, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	s := Snapshot{
		LastCheck:    time.UnixMilli(*w.LastCheck).UTC(),
		LastActivity: time.UnixMilli(*w.LastActivity).UTC(),
	}
	if w.Token != nil {
		s.Token = *w.Token
	}
	return s, nil
}

// Change describes a modification made through another handle of the same
// origin. A nil Old or New means the key was absent.
type Change struct {
	Key string
	Old []byte
	New []byte
}

// Backend is per-origin key/value storage, seen through one tab's handle.
// Watch must not report changes made through the same handle.
type Backend interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
	Watch(fn func(Change)) (stop func())
}

// Record is one tab's view of the shared session snapshot.
type Record struct {
	backend Backend
	key     string
	logger  *slog.Logger
}

// Option configures a Record.
type Option func(*Record)

// WithKey overrides the storage key.
func WithKey(key string) Option {
	return func(r *Record) {
		r.key = key
	}
}

// WithLogger sets the logger used to report unreadable records.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Record) {
		r.logger = logger
	}
}

// New returns a Record stored in backend.
func New(backend Backend, opts ...Option) *Record {
	r := &Record{backend: backend, key: DefaultKey}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	r.logger = r.logger.With("component", "record")
	return r
}

// Load reads the snapshot. Missing, unreadable and malformed records all
// report false.
func (r *Record) Load() (Snapshot, bool) {
	data, err := r.backend.Get(r.key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Warn("reading session record", "error", err)
		}
		return Snapshot{}, false
	}
	s, err := Decode(data)
	if err != nil {
		r.logger.Warn("discarding session record", "error", err)
		return Snapshot{}, false
	}
	return s, true
}

// Save writes s, replacing whatever another tab stored.
func (r *Record) Save(s Snapshot) error {
	data, err := Encode(s)
	if err != nil {
		return fmt.Errorf("encoding session record: %w", err)
	}
	if err := r.backend.Set(r.key, data); err != nil {
		return fmt.Errorf("writing session record: %w", err)
	}
	return nil
}

// Clear removes the snapshot. Clearing an absent record is not an error.
func (r *Record) Clear() error {
	if err := r.backend.Remove(r.key); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("removing session record: %w", err)
	}
	return nil
}

// Subscribe calls fn for every change another tab makes to the snapshot.
// Absent and malformed values are passed as nil.
func (r *Record) Subscribe(fn func(prev, next *Snapshot)) (stop func()) {
	return r.backend.Watch(func(c Change) {
		if c.Key != r.key {
			return
		}
		fn(r.decodeChange(c.Old), r.decodeChange(c.New))
	})
}

func (r *Record) decodeChange(data []byte) *Snapshot {
	if data == nil {
		return nil
	}
	s, err := Decode(data)
	if err != nil {
		r.logger.Warn("ignoring malformed session record change", "error", err)
		return nil
	}
	return &s
}
