package api

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/jmcleod/sessionkeeper/storage/memory"
)

var testWrappingKey = bytes.Repeat([]byte{0x42}, 32)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func liveSession(uid string) AuthSession {
	return AuthSession{
		UserID:         "id-" + uid,
		UID:            uid,
		ExpiresAt:      time.Now().Add(time.Hour),
		LastAccessedAt: time.Now(),
	}
}

// sessionStoreTests runs the common suite against any SessionStore implementation.
func sessionStoreTests(t *testing.T, store SessionStore) {
	t.Helper()

	t.Run("PutAndGet", func(t *testing.T) {
		store.Put("key-1", liveSession("alice"))
		got, ok := store.Get("key-1")
		if !ok {
			t.Fatal("expected to find session")
		}
		if got.UID != "alice" || got.UserID != "id-alice" {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, ok := store.Get("no-such-key"); ok {
			t.Fatal("expected not found for missing key")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		store.Put("key-del", liveSession("bob"))
		store.Delete("key-del")
		if _, ok := store.Get("key-del"); ok {
			t.Fatal("expected session to be deleted")
		}
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		// Should not panic.
		store.Delete("never-existed")
	})

	t.Run("Overwrite", func(t *testing.T) {
		store.Put("key-ow", liveSession("carol"))
		store.Put("key-ow", liveSession("dave"))
		got, ok := store.Get("key-ow")
		if !ok {
			t.Fatal("expected session after overwrite")
		}
		if got.UID != "dave" {
			t.Fatalf("got UID %q, want %q", got.UID, "dave")
		}
	})

	t.Run("ExpiredSession", func(t *testing.T) {
		s := liveSession("erin")
		s.ExpiresAt = time.Now().Add(-time.Second)
		store.Put("key-exp", s)
		if _, ok := store.Get("key-exp"); ok {
			t.Fatal("expected expired session to be rejected")
		}
	})

	t.Run("IdleSession", func(t *testing.T) {
		s := liveSession("frank")
		s.LastAccessedAt = time.Now().Add(-2 * time.Hour)
		store.Put("key-idle", s)
		if _, ok := store.Get("key-idle"); ok {
			t.Fatal("expected idle session to be rejected")
		}
	})
}

func TestMemorySessionStore(t *testing.T) {
	store := NewMemorySessionStore(30 * time.Minute)
	sessionStoreTests(t, store)

	t.Run("ExpiredEntriesRemovedOnRead", func(t *testing.T) {
		s := NewMemorySessionStore(0)
		expired := liveSession("gina")
		expired.ExpiresAt = time.Now().Add(-time.Minute)
		s.Put("key", expired)
		s.Get("key")
		if s.Len() != 0 {
			t.Fatalf("expected expired session to be dropped, have %d", s.Len())
		}
	})

	t.Run("IdleTimeoutDisabled", func(t *testing.T) {
		s := NewMemorySessionStore(0)
		old := liveSession("hank")
		old.LastAccessedAt = time.Now().Add(-24 * time.Hour)
		s.Put("key-no-idle", old)
		if _, ok := s.Get("key-no-idle"); !ok {
			t.Fatal("expected session to be valid when idle timeout is disabled")
		}
	})
}

func TestPersistentSessionStore(t *testing.T) {
	repo := memory.NewRepository()
	store, err := NewPersistentSessionStore(repo, 30*time.Minute, testWrappingKey, discardLogger())
	if err != nil {
		t.Fatalf("NewPersistentSessionStore: %v", err)
	}
	defer store.Close()

	sessionStoreTests(t, store)

	t.Run("SealedAtRest", func(t *testing.T) {
		store.Put("key-sealed", liveSession("ivy"))
		raw, err := repo.Get(sessionBucket, sessionRecordType, "key-sealed")
		if err != nil {
			t.Fatalf("repo.Get: %v", err)
		}
		if bytes.Contains(raw, []byte("ivy")) {
			t.Fatal("session record stored in plaintext")
		}
	})

	t.Run("SurvivesReopen", func(t *testing.T) {
		repo2 := memory.NewRepository()
		s1, err := NewPersistentSessionStore(repo2, 30*time.Minute, testWrappingKey, discardLogger())
		if err != nil {
			t.Fatalf("NewPersistentSessionStore: %v", err)
		}
		s1.Put("key-persist", liveSession("jack"))
		s1.Close()

		s2, err := NewPersistentSessionStore(repo2, 30*time.Minute, testWrappingKey, discardLogger())
		if err != nil {
			t.Fatalf("NewPersistentSessionStore (reopen): %v", err)
		}
		defer s2.Close()

		got, ok := s2.Get("key-persist")
		if !ok {
			t.Fatal("expected session to survive store reopen")
		}
		if got.UID != "jack" {
			t.Fatalf("got UID %q, want %q", got.UID, "jack")
		}
	})

	t.Run("NewWrappingKeyInvalidatesSessions", func(t *testing.T) {
		repo3 := memory.NewRepository()
		s1, err := NewPersistentSessionStore(repo3, 30*time.Minute, testWrappingKey, discardLogger())
		if err != nil {
			t.Fatalf("NewPersistentSessionStore: %v", err)
		}
		s1.Put("key-rotated", liveSession("kim"))
		s1.Close()

		s2, err := NewPersistentSessionStore(repo3, 30*time.Minute, bytes.Repeat([]byte{0x07}, 32), discardLogger())
		if err != nil {
			t.Fatalf("NewPersistentSessionStore (new key): %v", err)
		}
		defer s2.Close()
		if _, ok := s2.Get("key-rotated"); ok {
			t.Fatal("expected session sealed under the old key to be unreadable")
		}

		s2.sweepExpired()
		if _, err := repo3.Get(sessionBucket, sessionRecordType, "key-rotated"); err == nil {
			t.Fatal("expected unreadable session to be swept")
		}
	})

	t.Run("SweepExpired", func(t *testing.T) {
		repo4 := memory.NewRepository()
		s, err := NewPersistentSessionStore(repo4, 30*time.Minute, testWrappingKey, discardLogger())
		if err != nil {
			t.Fatalf("NewPersistentSessionStore: %v", err)
		}
		defer s.Close()

		expired := liveSession("lee")
		expired.ExpiresAt = time.Now().Add(-time.Hour)
		s.Put("key-sweep", expired)
		s.Put("key-keep", liveSession("mae"))

		s.sweepExpired()

		if _, err := repo4.Get(sessionBucket, sessionRecordType, "key-sweep"); err == nil {
			t.Fatal("expected expired session to be removed by sweep")
		}
		if _, err := repo4.Get(sessionBucket, sessionRecordType, "key-keep"); err != nil {
			t.Fatalf("live session swept: %v", err)
		}
	})

	t.Run("RejectsShortWrappingKey", func(t *testing.T) {
		if _, err := NewPersistentSessionStore(memory.NewRepository(), 0, []byte("short"), discardLogger()); err == nil {
			t.Fatal("expected error for short wrapping key")
		}
	})
}

func TestRedisSessionStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	store, err := NewRedisSessionStore(context.Background(), "redis://"+mr.Addr(), 30*time.Minute, discardLogger())
	if err != nil {
		t.Fatalf("NewRedisSessionStore: %v", err)
	}
	defer store.Close()

	sessionStoreTests(t, store)

	t.Run("TTLFollowsExpiry", func(t *testing.T) {
		s := liveSession("nia")
		s.ExpiresAt = time.Now().Add(10 * time.Minute)
		store.Put("key-ttl", s)

		ttl := mr.TTL(redisKeyPrefix + "key-ttl")
		if ttl <= 9*time.Minute || ttl > 10*time.Minute {
			t.Fatalf("unexpected TTL %v", ttl)
		}

		mr.FastForward(11 * time.Minute)
		if _, ok := store.Get("key-ttl"); ok {
			t.Fatal("expected session to expire with its key")
		}
	})

	t.Run("CorruptEntryDropped", func(t *testing.T) {
		mr.Set(redisKeyPrefix+"key-bad", "not json")
		if _, ok := store.Get("key-bad"); ok {
			t.Fatal("expected corrupt session to be rejected")
		}
		if mr.Exists(redisKeyPrefix + "key-bad") {
			t.Fatal("expected corrupt session to be deleted")
		}
	})

	t.Run("BadURL", func(t *testing.T) {
		if _, err := NewRedisSessionStore(context.Background(), "://nope", 0, discardLogger()); err == nil {
			t.Fatal("expected error for invalid URL")
		}
	})
}
