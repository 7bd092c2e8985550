package session

import (
	"context"
	"errors"
	"time"
)

// State is the controller's position in the session lifecycle.
type State int

const (
	Unauthenticated State = iota
	Authenticating
	Valid
	Refreshing
	OfflinePending
	Expired
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Valid:
		return "valid"
	case Refreshing:
		return "refreshing"
	case OfflinePending:
		return "offline-pending"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of a sign-in or refresh as seen by the
// caller.
type Outcome int

const (
	// Failed means the session was not established; any previous session
	// may have been cleared.
	Failed Outcome = iota
	// Authenticated means the backend confirmed the credential.
	Authenticated
	// Pending means the host is offline and the refresh was queued to run
	// when connectivity returns. The user is not yet confirmed.
	Pending
)

func (o Outcome) String() string {
	switch o {
	case Authenticated:
		return "authenticated"
	case Pending:
		return "pending"
	default:
		return "failed"
	}
}

// Result is what RefreshSession and OnAuthStateChanged hand back to UI code.
type Result struct {
	Outcome Outcome
	Message string
}

// OK reports whether the caller may keep showing a signed-in UI.
func (r Result) OK() bool { return r.Outcome != Failed }

// Level classifies an event message for display.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Event is emitted to subscribers on every state change and whenever the
// controller has a message for the user.
type Event struct {
	State    State
	Previous State
	Message  string
	Level    Level
	// Reload asks the host to reset its UI, set when the session expired
	// through inactivity.
	Reload bool
}

// PendingKind tags a deferred operation.
type PendingKind int

const (
	PendingRefresh PendingKind = iota + 1
)

// PendingOp is an operation deferred until connectivity returns. It names
// the user by UID; when it runs, the identity provider's current user must
// still match or the operation is dropped.
type PendingOp struct {
	Kind     PendingKind
	UID      string
	Force    bool
	QueuedAt time.Time
}

// User is the account record returned by the backend when a session is
// established.
type User struct {
	ID    string `json:"id"`
	UID   string `json:"uid"`
	Email string `json:"email"`
}

// IdentityUser is a user signed in with the identity provider.
type IdentityUser interface {
	UID() string
	// IDToken mints a bearer credential, bypassing any cache when
	// forceRefresh is set.
	IDToken(ctx context.Context, forceRefresh bool) (string, error)
}

// IdentityProvider issues credentials. CurrentUser returns nil when nobody
// is signed in.
type IdentityProvider interface {
	CurrentUser() IdentityUser
	SignOut(ctx context.Context) error
}

// Backend is the session service the controller talks to. Errors carrying an
// HTTP status implement StatusCode() int; any other error is a transport or
// decoding failure.
type Backend interface {
	Establish(ctx context.Context, token string) (*User, error)
	Validate(ctx context.Context, token string) (valid bool, message string, err error)
	End(ctx context.Context, token string) error
	Heartbeat(ctx context.Context, token string) error
}

// Status is a point-in-time copy of the controller's state.
type Status struct {
	State         State
	Token         string
	User          *User
	LastCheck     time.Time
	LastActivity  time.Time
	RetryAttempts int
	Offline       bool
	Pending       *PendingOp
}

// ErrAlreadyStarted is returned by Start on a running controller.
var ErrAlreadyStarted = errors.New("session controller already started")

// statusCode extracts the HTTP status from err, or 0 when it has none.
func statusCode(err error) int {
	var se interface{ StatusCode() int }
	if errors.As(err, &se) {
		return se.StatusCode()
	}
	return 0
}
