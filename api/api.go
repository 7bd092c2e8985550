// Package api is the reference session service: the /auth endpoints that
// session controllers establish, validate, heartbeat and end sessions
// against.
package api

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/sessionkeeper/identity"
	"github.com/jmcleod/sessionkeeper/storage"
)

const (
	// DefaultSessionTTL is the absolute lifetime of a server session.
	DefaultSessionTTL = 24 * time.Hour
	// DefaultIdleTimeout drops server sessions nobody has touched for this long.
	DefaultIdleTimeout = 60 * time.Minute
)

// Verifier checks a bearer credential and returns its claims. Failures
// should wrap identity.ErrInvalidToken.
type Verifier interface {
	Verify(ctx context.Context, token string) (*identity.Claims, error)
}

var (
	_ Verifier = (*identity.Signer)(nil)
	_ Verifier = (*identity.OIDCVerifier)(nil)
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	users          *userStore
	verifier       Verifier
	sessions       SessionStore
	sessionTTL     time.Duration
	guard          *loginGuard
	heartbeats     *heartbeatLimiter
	audit          *auditLogger
	metrics        *Metrics
	trustedProxies []netip.Prefix

	logger          *slog.Logger
	alertFn         AlertFunc
	webhookURL      string
	webhookAuth     string
	auditMaxAge     time.Duration
	auditMaxEntries int
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request and audit logging.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithSessionStore replaces the default in-memory session store.
func WithSessionStore(s SessionStore) Option {
	return func(a *API) {
		a.sessions = s
	}
}

// WithSessionTTL sets the absolute lifetime of new server sessions.
func WithSessionTTL(d time.Duration) Option {
	return func(a *API) {
		a.sessionTTL = d
	}
}

// WithTrustedProxies enables proxy headers for requests whose peer address
// falls in one of cidrs. A bare address is treated as a single-host prefix.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if !strings.Contains(c, "/") {
			addr, err := netip.ParseAddr(c)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return func(a *API) {
		a.trustedProxies = prefixes
	}, nil
}

// WithAlertHandler registers fn to receive anomaly alerts.
func WithAlertHandler(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAuditWebhook mirrors audit events to url. authHeader is an optional
// "Header: value" pair sent with every delivery.
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookAuth = authHeader
	}
}

// WithAuditRetention bounds each user's audit trail by age and entry
// count. Zero disables the respective limit.
func WithAuditRetention(maxAge time.Duration, maxEntries int) Option {
	return func(a *API) {
		a.auditMaxAge = maxAge
		a.auditMaxEntries = maxEntries
	}
}

// WithMetrics records request and session metrics.
func WithMetrics(m *Metrics) Option {
	return func(a *API) {
		a.metrics = m
	}
}

// WithHeartbeatLimit allows one heartbeat per user every interval, with
// the given burst.
func WithHeartbeatLimit(interval time.Duration, burst int) Option {
	return func(a *API) {
		a.heartbeats = newHeartbeatLimiter(interval, burst)
	}
}

// New creates a new API instance. Users are stored in repo; credentials are
// checked with verifier.
func New(repo storage.Repository, verifier Verifier, opts ...Option) *API {
	a := &API{
		users:           newUserStore(repo),
		verifier:        verifier,
		sessionTTL:      DefaultSessionTTL,
		guard:           newLoginGuard(time.Now),
		auditMaxAge:     defaultAuditMaxAge,
		auditMaxEntries: defaultAuditMaxEntries,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.sessions == nil {
		a.sessions = NewMemorySessionStore(DefaultIdleTimeout)
	}
	if a.heartbeats == nil {
		a.heartbeats = newHeartbeatLimiter(defaultHeartbeatInterval, defaultHeartbeatBurst)
	}
	a.audit = newAuditLogger(a.logger)
	a.audit.trail = newAuditTrail(repo, a.auditMaxAge, a.auditMaxEntries)
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
	}
	if a.webhookURL != "" {
		a.audit.sink = newAuditSink(a.webhookURL, a.webhookAuth, a.logger)
	}
	return a
}

// Close flushes pending audit webhook deliveries. The session store is
// owned by the caller.
func (a *API) Close() {
	if a.audit != nil && a.audit.sink != nil {
		a.audit.sink.close()
	}
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)
	if a.metrics != nil {
		r.Use(a.metrics.Middleware)
	}

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", a.Login)
		r.Post("/validate", a.Validate)
		r.Post("/heartbeat", a.Heartbeat)
		r.Post("/logout", a.Logout)
		r.Get("/user", a.CurrentUser)
	})

	return r
}
