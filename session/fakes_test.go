package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmcleod/sessionkeeper/clock"
	"github.com/jmcleod/sessionkeeper/connectivity"
	"github.com/jmcleod/sessionkeeper/record"
	"github.com/jmcleod/sessionkeeper/record/memory"
)

var (
	epochStart = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	errNetwork = errors.New("dial tcp: connection refused")
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("backend returned status %d", int(e)) }
func (e statusErr) StatusCode() int { return int(e) }

type fakeUser struct {
	uid string

	mu     sync.Mutex
	minted int
}

func (u *fakeUser) UID() string { return u.uid }

func (u *fakeUser) IDToken(_ context.Context, _ bool) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.minted++
	return fmt.Sprintf("%s-token-%d", u.uid, u.minted), nil
}

type fakeIdP struct {
	mu       sync.Mutex
	user     IdentityUser
	signOuts int
}

func (p *fakeIdP) CurrentUser() IdentityUser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.user
}

func (p *fakeIdP) SignOut(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signOuts++
	p.user = nil
	return nil
}

func (p *fakeIdP) SignOuts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signOuts
}

type fakeBackend struct {
	mu          sync.Mutex
	establish   func(token string) (*User, error)
	validate    func(token string) (bool, string, error)
	heartbeat   func(token string) error
	onEnd       func()
	established []string
	validated   []string
	ended       []string
	heartbeats  []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		establish: func(token string) (*User, error) {
			return &User{ID: "1", UID: "alice", Email: "alice@example.com"}, nil
		},
		validate:  func(string) (bool, string, error) { return true, "Token is valid", nil },
		heartbeat: func(string) error { return nil },
	}
}

func (b *fakeBackend) Establish(_ context.Context, token string) (*User, error) {
	b.mu.Lock()
	b.established = append(b.established, token)
	fn := b.establish
	b.mu.Unlock()
	return fn(token)
}

func (b *fakeBackend) Validate(_ context.Context, token string) (bool, string, error) {
	b.mu.Lock()
	b.validated = append(b.validated, token)
	fn := b.validate
	b.mu.Unlock()
	return fn(token)
}

func (b *fakeBackend) End(_ context.Context, token string) error {
	b.mu.Lock()
	b.ended = append(b.ended, token)
	hook := b.onEnd
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (b *fakeBackend) Heartbeat(_ context.Context, token string) error {
	b.mu.Lock()
	b.heartbeats = append(b.heartbeats, token)
	fn := b.heartbeat
	b.mu.Unlock()
	return fn(token)
}

func (b *fakeBackend) counts() (establish, validate, end, heartbeat int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.established), len(b.validated), len(b.ended), len(b.heartbeats)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	clock   *clock.Fake
	origin  *memory.Origin
	conn    *connectivity.Monitor
	user    *fakeUser
	idp     *fakeIdP
	backend *fakeBackend
	ctl     *Controller

	evMu   sync.Mutex
	events []Event
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:   clock.NewFake(epochStart),
		origin:  memory.NewOrigin(),
		conn:    connectivity.NewMonitor(true),
		user:    &fakeUser{uid: "alice"},
		backend: newFakeBackend(),
	}
	h.idp = &fakeIdP{user: h.user}
	h.ctl = h.newController(t, opts...)
	h.ctl.Subscribe(func(ev Event) {
		h.evMu.Lock()
		h.events = append(h.events, ev)
		h.evMu.Unlock()
	})
	return h
}

// newController starts another controller in its own tab of the harness's
// origin, sharing the clock, connectivity and collaborators.
func (h *harness) newController(t *testing.T, opts ...Option) *Controller {
	t.Helper()
	rec := record.New(h.origin.Tab(), record.WithLogger(quietLogger()))
	base := []Option{
		WithClock(h.clock),
		WithLogger(quietLogger()),
		WithConnectivity(h.conn),
	}
	ctl := New(h.idp, h.backend, rec, append(base, opts...)...)
	require.NoError(t, ctl.Start(context.Background()))
	t.Cleanup(ctl.Close)
	return ctl
}

// otherTab returns a record handle for a tab without a controller.
func (h *harness) otherTab() *record.Record {
	return record.New(h.origin.Tab(), record.WithLogger(quietLogger()))
}

func (h *harness) signIn(t *testing.T) {
	t.Helper()
	res := h.ctl.OnAuthStateChanged(context.Background(), h.user)
	require.Equal(t, Authenticated, res.Outcome, res.Message)
}

func (h *harness) messages() []string {
	h.evMu.Lock()
	defer h.evMu.Unlock()
	var out []string
	for _, ev := range h.events {
		if ev.Message != "" {
			out = append(out, ev.Message)
		}
	}
	return out
}

func (h *harness) lastEvent() Event {
	h.evMu.Lock()
	defer h.evMu.Unlock()
	if len(h.events) == 0 {
		return Event{}
	}
	return h.events[len(h.events)-1]
}
