package identity

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/sessionkeeper/clock"
	"github.com/jmcleod/sessionkeeper/session"
)

var quiet = WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

func newFakeClock() *clock.Fake {
	return clock.NewFake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
}

func TestSignerRoundTrip(t *testing.T) {
	clk := newFakeClock()
	s, err := NewSigner([]byte("dev-secret"), time.Hour, WithClock(clk))
	require.NoError(t, err)

	raw, exp, err := s.Mint("alice", "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(time.Hour), exp)

	claims, err := s.Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UID)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.True(t, claims.ExpiresAt.Equal(exp))
	assert.True(t, claims.IssuedAt.Equal(clk.Now()))
}

func TestSignerRejects(t *testing.T) {
	clk := newFakeClock()
	s, err := NewSigner([]byte("dev-secret"), time.Hour, WithClock(clk))
	require.NoError(t, err)
	raw, _, err := s.Mint("alice", "")
	require.NoError(t, err)

	other, err := NewSigner([]byte("another-secret"), time.Hour, WithClock(clk))
	require.NoError(t, err)
	_, err = other.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Verify(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	clk.Advance(2 * time.Hour)
	_, err = s.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, _, err = s.Mint("", "x@example.com")
	assert.Error(t, err)

	_, err = NewSigner(nil, time.Hour)
	assert.Error(t, err)
}

func TestLocalProviderNotifies(t *testing.T) {
	s, err := NewSigner([]byte("dev-secret"), 0)
	require.NoError(t, err)
	p := NewLocalProvider(s, quiet)

	var seen []session.IdentityUser
	stop := p.OnAuthStateChanged(func(u session.IdentityUser) { seen = append(seen, u) })

	assert.True(t, p.CurrentUser() == nil)

	u, err := p.SignIn(context.Background(), "alice", "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.CurrentUser().UID())
	assert.Equal(t, "alice@example.com", u.Email())

	require.NoError(t, p.SignOut(context.Background()))
	assert.True(t, p.CurrentUser() == nil)
	// A second sign-out has nothing to report.
	require.NoError(t, p.SignOut(context.Background()))

	require.Len(t, seen, 2)
	assert.Equal(t, "alice", seen[0].UID())
	assert.Nil(t, seen[1])

	stop()
	_, err = p.SignIn(context.Background(), "bob", "bob@example.com")
	require.NoError(t, err)
	assert.Len(t, seen, 2)

	_, err = p.SignIn(context.Background(), "", "")
	assert.Error(t, err)
}

func TestLocalUserCachesToken(t *testing.T) {
	clk := newFakeClock()
	s, err := NewSigner([]byte("dev-secret"), time.Hour, WithClock(clk))
	require.NoError(t, err)
	p := NewLocalProvider(s, quiet, WithClock(clk))
	u, err := p.SignIn(context.Background(), "alice", "alice@example.com")
	require.NoError(t, err)

	first, err := u.IDToken(context.Background(), false)
	require.NoError(t, err)
	again, err := u.IDToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	clk.Advance(time.Second)
	forced, err := u.IDToken(context.Background(), true)
	require.NoError(t, err)
	assert.NotEqual(t, first, forced)

	// Within the renewal window a new credential is minted unforced.
	clk.Advance(56 * time.Minute)
	renewed, err := u.IDToken(context.Background(), false)
	require.NoError(t, err)
	assert.NotEqual(t, forced, renewed)

	claims, err := s.Verify(context.Background(), renewed)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = u.IDToken(ctx, true)
	assert.ErrorIs(t, err, context.Canceled)
}
