// Package tab runs a session controller as an interactive terminal host,
// standing in for one browser tab. Commands are read one per line.
package tab

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/sessionkeeper/activity"
	"github.com/jmcleod/sessionkeeper/clock"
	"github.com/jmcleod/sessionkeeper/connectivity"
	"github.com/jmcleod/sessionkeeper/session"
)

// Provider is an identity provider that announces sign-in changes.
type Provider interface {
	session.IdentityProvider
	OnAuthStateChanged(fn func(session.IdentityUser)) (stop func())
}

// SignInFunc signs in with the identity provider using the arguments given
// to the login command.
type SignInFunc func(ctx context.Context, args []string) error

// ErrUsage is wrapped by SignInFunc implementations for bad arguments.
var ErrUsage = errors.New("usage")

const help = `commands:
  login <args>     sign in with the identity provider
  logout           sign out
  activity [kind]  report user activity (pointerdown, keydown, touchstart, scroll)
  offline, online  report connectivity
  show, hide       report tab visibility
  status           print the session state
  help             print this help
  quit             exit`

// Host wires a controller to a line-oriented input and prints its events.
type Host struct {
	ctl     *session.Controller
	idp     Provider
	signIn  SignInFunc
	monitor *connectivity.Monitor
	tracker *activity.Tracker
	clock   clock.Clock
	logger  *slog.Logger

	outMu sync.Mutex
	out   io.Writer

	mu         sync.Mutex
	loggingIn  bool
	loggingOut bool
	actions    sync.WaitGroup
}

// Option configures a Host.
type Option func(*Host)

// WithOutput sets where events and command results are printed. Defaults
// to stdout.
func WithOutput(w io.Writer) Option {
	return func(h *Host) {
		h.out = w
	}
}

// WithLogger sets the host's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithClock sets the clock used for activity debouncing.
func WithClock(c clock.Clock) Option {
	return func(h *Host) {
		h.clock = c
	}
}

// New creates a Host. ctl must have been built with monitor as its
// connectivity source and idp as its identity provider.
func New(ctl *session.Controller, idp Provider, signIn SignInFunc, monitor *connectivity.Monitor, opts ...Option) *Host {
	h := &Host{
		ctl:     ctl,
		idp:     idp,
		signIn:  signIn,
		monitor: monitor,
		clock:   clock.Real(),
		out:     os.Stdout,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	h.logger = h.logger.With("component", "tab")
	h.tracker = activity.NewTracker(ctl.NoteActivity, activity.WithClock(h.clock))
	return h
}

// Run starts the controller and executes commands from in until it is
// exhausted, a quit command is read, or ctx is done. In-flight login and
// logout actions are waited for before returning.
func (h *Host) Run(ctx context.Context, in io.Reader) error {
	stopEvents := h.ctl.Subscribe(h.printEvent)
	defer stopEvents()
	stopAuth := h.idp.OnAuthStateChanged(func(u session.IdentityUser) {
		res := h.ctl.OnAuthStateChanged(ctx, u)
		h.logger.Debug("auth state change handled", "outcome", res.Outcome.String(), "message", res.Message)
	})
	defer stopAuth()

	if err := h.ctl.Start(ctx); err != nil {
		return fmt.Errorf("starting session controller: %w", err)
	}
	defer h.ctl.Close()
	defer h.tracker.Stop()

	if u := h.idp.CurrentUser(); u != nil {
		h.ctl.OnAuthStateChanged(ctx, u)
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	h.println("session tab ready; type help for commands")
	defer h.actions.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if !h.Exec(ctx, line) {
				return nil
			}
		}
	}
}

// Exec runs one command line. It returns false when the host should exit.
func (h *Host) Exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "login":
		h.login(ctx, args)
	case "logout":
		h.logout(ctx)
	case "activity":
		sig := activity.KeyDown
		if len(args) > 0 {
			s, ok := activity.ParseSignal(args[0])
			if !ok {
				h.println("unknown activity kind " + args[0])
				return true
			}
			sig = s
		}
		h.tracker.Observe(sig)
	case "offline":
		h.monitor.SetOnline(false)
	case "online":
		h.monitor.SetOnline(true)
	case "show":
		h.ctl.VisibilityChanged(true)
	case "hide":
		h.ctl.VisibilityChanged(false)
	case "status":
		h.printStatus(h.ctl.Status())
	case "help", "?":
		h.println(help)
	case "quit", "exit":
		return false
	default:
		h.println("unknown command " + cmd + "; type help")
	}
	return true
}

// login signs in asynchronously. A second login while one is running is
// ignored.
func (h *Host) login(ctx context.Context, args []string) {
	h.mu.Lock()
	if h.loggingIn {
		h.mu.Unlock()
		h.println("login already in progress")
		return
	}
	h.loggingIn = true
	h.mu.Unlock()

	h.actions.Add(1)
	go func() {
		defer h.actions.Done()
		defer func() {
			h.mu.Lock()
			h.loggingIn = false
			h.mu.Unlock()
		}()
		if err := h.signIn(ctx, args); err != nil {
			if errors.Is(err, ErrUsage) {
				h.println(err.Error())
				return
			}
			h.logger.Warn("identity provider sign-in failed", "error", err)
			h.printf("[%s] Login failed: %v\n", session.LevelError, err)
		}
	}()
}

// logout signs out asynchronously. A second logout while one is running is
// ignored.
func (h *Host) logout(ctx context.Context) {
	h.mu.Lock()
	if h.loggingOut {
		h.mu.Unlock()
		h.println("logout already in progress")
		return
	}
	h.loggingOut = true
	h.mu.Unlock()

	h.actions.Add(1)
	go func() {
		defer h.actions.Done()
		defer func() {
			h.mu.Lock()
			h.loggingOut = false
			h.mu.Unlock()
		}()
		// The controller reports the outcome as an event.
		_ = h.ctl.Logout(ctx)
	}()
}

func (h *Host) printEvent(ev session.Event) {
	if ev.State != ev.Previous {
		h.printf("state: %s -> %s\n", ev.Previous, ev.State)
	}
	if ev.Message != "" {
		h.printf("[%s] %s\n", ev.Level, ev.Message)
	}
	if ev.Reload {
		h.println("-- reloaded --")
	}
}

func (h *Host) printStatus(st session.Status) {
	var b strings.Builder
	fmt.Fprintf(&b, "state:         %s\n", st.State)
	if st.User != nil {
		fmt.Fprintf(&b, "user:          %s <%s>\n", st.User.UID, st.User.Email)
	}
	fmt.Fprintf(&b, "token:         %s\n", redact(st.Token))
	fmt.Fprintf(&b, "last check:    %s\n", formatTime(st.LastCheck))
	fmt.Fprintf(&b, "last activity: %s\n", formatTime(st.LastActivity))
	fmt.Fprintf(&b, "retries:       %d\n", st.RetryAttempts)
	fmt.Fprintf(&b, "offline:       %t", st.Offline)
	if st.Pending != nil {
		fmt.Fprintf(&b, "\npending:       refresh for %s (force=%t) queued %s",
			st.Pending.UID, st.Pending.Force, formatTime(st.Pending.QueuedAt))
	}
	h.println(b.String())
}

func redact(token string) string {
	switch {
	case token == "":
		return "(none)"
	case len(token) <= 12:
		return "****"
	default:
		return token[:8] + "..." + token[len(token)-4:]
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.TimeOnly)
}

func (h *Host) printf(format string, args ...any) {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	fmt.Fprintf(h.out, format, args...)
}

func (h *Host) println(s string) {
	h.printf("%s\n", s)
}
