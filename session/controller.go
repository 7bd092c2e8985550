// Package session implements the client-side authentication session
// lifecycle: when a held credential is trusted, refreshed, revalidated or
// expired, and how that state is shared with other tabs through a
// persistent record.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/sessionkeeper/clock"
	"github.com/jmcleod/sessionkeeper/connectivity"
	"github.com/jmcleod/sessionkeeper/record"
)

// Controller owns one tab's session state. All exported methods are safe
// for concurrent use; no lock is held across a network call or a wait.
type Controller struct {
	idp     IdentityProvider
	backend Backend
	record  *record.Record
	clock   clock.Clock
	conn    connectivity.Source
	cfg     Config
	logger  *slog.Logger

	mu            sync.Mutex
	state         State
	token         string
	user          *User
	lastCheck     time.Time
	lastActivity  time.Time
	retryAttempts int
	offline       bool
	pending       *PendingOp
	clearing      bool
	authInFlight  bool
	// epoch is bumped by every clear. Work that awaited something compares
	// it before writing so a superseded operation cannot resurrect state.
	epoch uint64

	heartbeat  clock.Timer
	inactivity clock.Timer
	reconcile  clock.Timer
	visibility clock.Timer

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	closed  bool
	stops   []func()

	nextSub int
	subs    map[int]func(Event)
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the time source. Defaults to clock.Real().
func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) {
		ctl.clock = c
	}
}

// WithLogger sets the controller's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ctl *Controller) {
		ctl.logger = logger
	}
}

// WithConnectivity sets the reachability source. Without one the host is
// assumed to be always online.
func WithConnectivity(src connectivity.Source) Option {
	return func(ctl *Controller) {
		ctl.conn = src
	}
}

// WithConfig overrides DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(ctl *Controller) {
		ctl.cfg = cfg
	}
}

// New creates a Controller. It does nothing until Start is called.
func New(idp IdentityProvider, backend Backend, rec *record.Record, opts ...Option) *Controller {
	c := &Controller{
		idp:     idp,
		backend: backend,
		record:  rec,
		clock:   clock.Real(),
		cfg:     DefaultConfig(),
		subs:    make(map[int]func(Event)),
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.conn == nil {
		c.conn = connectivity.NewMonitor(true)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	c.logger = c.logger.With("component", "session")
	return c
}

// Start restores a fresh session from the persistent record, then begins
// listening to other tabs and to connectivity changes and arms periodic
// reconciliation. ctx bounds the lifetime of background work.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.offline = !c.conn.Online()

	stale := false
	if snap, ok := c.record.Load(); ok {
		if snap.Token != "" && c.clock.Now().Sub(snap.LastActivity) < c.cfg.SessionTimeout {
			c.adoptLocked(snap)
		} else {
			stale = true
		}
	}
	c.armReconcileLocked()
	restored := c.token != ""
	c.mu.Unlock()

	if stale {
		if err := c.record.Clear(); err != nil {
			c.logger.Warn("removing stale session record", "error", err)
		}
	}
	if restored {
		c.logger.Info("session restored from record")
		c.publish(Event{State: Valid, Previous: Unauthenticated, Level: LevelInfo})
	}

	stopRecord := c.record.Subscribe(c.onRecordChange)
	stopConn := c.conn.Subscribe(c.onConnectivity)
	c.mu.Lock()
	c.stops = append(c.stops, stopRecord, stopConn)
	c.mu.Unlock()
	return nil
}

// Close stops all timers and subscriptions. The persistent record is left
// in place for other tabs.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopTimersLocked()
	stopTimer(&c.reconcile)
	stops := c.stops
	c.stops = nil
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

// Subscribe registers fn for every emitted Event.
func (c *Controller) Subscribe(fn func(Event)) (stop func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Token returns the held credential, or "" when unauthenticated.
func (c *Controller) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Status returns a copy of the controller's state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		State:         c.state,
		Token:         c.token,
		LastCheck:     c.lastCheck,
		LastActivity:  c.lastActivity,
		RetryAttempts: c.retryAttempts,
		Offline:       c.offline,
	}
	if c.user != nil {
		u := *c.user
		s.User = &u
	}
	if c.pending != nil {
		p := *c.pending
		s.Pending = &p
	}
	return s
}

// OnAuthStateChanged handles a sign-in (user non-nil) or sign-out (nil)
// notification from the identity provider. A notification arriving while
// another is being processed is dropped. A sign-in the backend refuses also
// signs the user out of the identity provider.
func (c *Controller) OnAuthStateChanged(ctx context.Context, user IdentityUser) Result {
	c.mu.Lock()
	if c.authInFlight {
		c.mu.Unlock()
		c.logger.Debug("dropping overlapping auth state change")
		return Result{Outcome: Failed, Message: "another sign-in change is in progress"}
	}
	c.authInFlight = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.authInFlight = false
		c.mu.Unlock()
	}()

	if user == nil {
		c.logger.Info("identity provider reports signed out")
		if err := c.signOut(ctx); err != nil {
			c.logger.Warn("signing out of identity provider", "error", err)
		}
		return Result{Outcome: Failed, Message: "signed out"}
	}

	c.logger.Info("identity provider reports signed in", "uid", user.UID())
	c.mu.Lock()
	ev := c.setStateLocked(Authenticating, LevelInfo, "")
	c.mu.Unlock()
	c.publish(ev)

	res := c.RefreshSession(ctx, user, false)
	if res.Outcome != Failed {
		return res
	}

	c.logger.Warn("sign-in rejected", "uid", user.UID(), "reason", res.Message)
	c.ClearSession(ctx)
	if err := c.idp.SignOut(ctx); err != nil {
		c.logger.Warn("signing out of identity provider", "error", err)
	}
	return res
}

// Logout clears the session and signs out of the identity provider
// concurrently, returning once both are done.
func (c *Controller) Logout(ctx context.Context) error {
	err := c.signOut(ctx)

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("logout incomplete", "error", err)
		c.publish(Event{State: state, Previous: state, Level: LevelError, Message: "Failed to log out: " + err.Error()})
		return err
	}
	c.logger.Info("logged out")
	c.publish(Event{State: state, Previous: state, Level: LevelSuccess, Message: "Successfully logged out!"})
	return nil
}

// signOut clears the session and signs out of the identity provider
// concurrently. Providers ignore a sign-out with nobody signed in.
func (c *Controller) signOut(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error {
		c.clear(ctx, Unauthenticated, LevelInfo, "", false)
		return nil
	})
	g.Go(func() error {
		if err := c.idp.SignOut(ctx); err != nil {
			return fmt.Errorf("signing out of identity provider: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// ClearSession drops the held session. It is idempotent, and a call made
// while another clear is in flight returns immediately. The backend is told
// to end the session only if a token was held; failure there is logged.
func (c *Controller) ClearSession(ctx context.Context) {
	c.clear(ctx, Unauthenticated, LevelInfo, "", false)
}

func (c *Controller) clear(ctx context.Context, final State, level Level, message string, reload bool) {
	c.mu.Lock()
	if c.clearing {
		c.mu.Unlock()
		c.logger.Debug("clear already in progress")
		return
	}
	c.clearing = true
	token := c.token
	c.epoch++
	c.token = ""
	c.user = nil
	c.lastCheck = time.Time{}
	c.lastActivity = time.Time{}
	c.retryAttempts = 0
	c.pending = nil
	c.offline = !c.conn.Online()
	c.stopTimersLocked()
	if !c.closed {
		c.armReconcileLocked()
	}
	ev := c.setStateLocked(final, level, message)
	ev.Reload = reload
	c.mu.Unlock()

	if err := c.record.Clear(); err != nil {
		c.logger.Warn("clearing session record", "error", err)
	}
	if token != "" {
		if err := c.backend.End(ctx, token); err != nil {
			c.logger.Warn("ending backend session", "error", err)
		}
	}

	c.mu.Lock()
	c.clearing = false
	c.mu.Unlock()
	c.publish(ev)
}

// NoteActivity records user interaction, persists it for other tabs and
// restarts the inactivity countdown. Without a session it does nothing.
func (c *Controller) NoteActivity() {
	c.mu.Lock()
	if c.token == "" {
		c.mu.Unlock()
		return
	}
	c.touchLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.save(snap)
}

// VisibilityChanged reports the tab becoming visible or hidden. Becoming
// visible with a signed-in user forces a refresh after a short debounce;
// hiding cancels a pending one.
func (c *Controller) VisibilityChanged(visible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stopTimer(&c.visibility)
	if !visible || c.closed {
		return
	}
	c.visibility = c.clock.AfterFunc(c.cfg.VisibilityDebounce, c.onVisible)
}

func (c *Controller) onVisible() {
	c.mu.Lock()
	c.visibility = nil
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	user := c.idp.CurrentUser()
	if user == nil {
		return
	}
	c.logger.Debug("tab visible, refreshing session")
	c.RefreshSession(c.ctx, user, true)
}

func (c *Controller) onConnectivity(online bool) {
	if !online {
		c.mu.Lock()
		c.offline = true
		state := c.state
		c.mu.Unlock()
		c.logger.Info("connectivity lost")
		c.publish(Event{State: state, Previous: state, Level: LevelInfo, Message: "You are offline."})
		return
	}

	c.mu.Lock()
	c.offline = false
	op := c.pending
	c.pending = nil
	c.mu.Unlock()
	c.logger.Info("connectivity restored", "pending", op != nil)
	if op != nil {
		c.runPending(c.ctx, op)
	}
}

func (c *Controller) runPending(ctx context.Context, op *PendingOp) {
	switch op.Kind {
	case PendingRefresh:
		user := c.idp.CurrentUser()
		if user == nil || user.UID() != op.UID {
			c.logger.Info("dropping queued refresh for a user no longer signed in", "uid", op.UID)
			c.settle()
			return
		}
		res := c.RefreshSession(ctx, user, op.Force)
		c.logger.Info("queued refresh finished", "outcome", res.Outcome.String())
	default:
		c.logger.Warn("unknown pending operation", "kind", int(op.Kind))
	}
}

// settle leaves OfflinePending for the resting state matching the held
// token.
func (c *Controller) settle() {
	c.mu.Lock()
	if c.state != OfflinePending {
		c.mu.Unlock()
		return
	}
	next := Unauthenticated
	if c.token != "" {
		next = Valid
	}
	ev := c.setStateLocked(next, LevelInfo, "")
	c.mu.Unlock()
	c.publish(ev)
}

// setStateLocked moves to next and returns the event describing it.
func (c *Controller) setStateLocked(next State, level Level, message string) Event {
	ev := Event{State: next, Previous: c.state, Level: level, Message: message}
	c.state = next
	return ev
}

func (c *Controller) publish(ev Event) {
	if ev.State == ev.Previous && ev.Message == "" {
		return
	}
	c.mu.Lock()
	fns := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Controller) snapshotLocked() record.Snapshot {
	return record.Snapshot{Token: c.token, LastCheck: c.lastCheck, LastActivity: c.lastActivity}
}

func (c *Controller) save(snap record.Snapshot) {
	if err := c.record.Save(snap); err != nil {
		c.logger.Warn("saving session record", "error", err)
	}
}

func (c *Controller) online() bool {
	return c.conn.Online()
}
