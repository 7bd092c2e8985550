package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/sessionkeeper/api"
	"github.com/jmcleod/sessionkeeper/identity"
	"github.com/jmcleod/sessionkeeper/storage/memory"
)

type verifierFunc func(ctx context.Context, token string) (*identity.Claims, error)

func (f verifierFunc) Verify(ctx context.Context, token string) (*identity.Claims, error) {
	return f(ctx, token)
}

func newSigner(t *testing.T) *identity.Signer {
	t.Helper()
	s, err := identity.NewSigner([]byte("test-secret"), time.Hour)
	require.NoError(t, err)
	return s
}

func mint(t *testing.T, s *identity.Signer, uid, email string) string {
	t.Helper()
	tok, _, err := s.Mint(uid, email)
	require.NoError(t, err)
	return tok
}

func setupServer(t *testing.T, v api.Verifier, opts ...api.Option) *httptest.Server {
	t.Helper()
	opts = append([]api.Option{api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	a := api.New(memory.NewRepository(), v, opts...)
	t.Cleanup(a.Close)
	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)
	return srv
}

type reply struct {
	status int
	header http.Header
	body   map[string]any
}

func (r reply) user() map[string]any {
	u, _ := r.body["user"].(map[string]any)
	return u
}

func call(t *testing.T, srv *httptest.Server, method, path, token string, hdr ...string) reply {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, srv.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := reply{status: resp.StatusCode, header: resp.Header}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out.body))
	return out
}

func TestLoginCreatesUser(t *testing.T) {
	s := newSigner(t)
	srv := setupServer(t, s)

	r := call(t, srv, http.MethodPost, "/auth/login", mint(t, s, "alice", "alice@example.com"))
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "Authentication successful", r.body["message"])
	assert.Equal(t, "alice", r.user()["uid"])
	assert.Equal(t, "alice@example.com", r.user()["email"])
	assert.NotEmpty(t, r.user()["id"])
}

func TestLoginTwiceWithSameToken(t *testing.T) {
	s := newSigner(t)
	srv := setupServer(t, s)
	tok := mint(t, s, "alice", "alice@example.com")

	first := call(t, srv, http.MethodPost, "/auth/login", tok)
	second := call(t, srv, http.MethodPost, "/auth/login", tok)
	require.Equal(t, http.StatusOK, second.status)
	assert.Equal(t, "Already authenticated", second.body["message"])
	assert.Equal(t, first.user()["id"], second.user()["id"])
}

func TestLoginNewTokenKeepsUser(t *testing.T) {
	s := newSigner(t)
	srv := setupServer(t, s)

	first := call(t, srv, http.MethodPost, "/auth/login", mint(t, s, "alice", "alice@example.com"))
	second := call(t, srv, http.MethodPost, "/auth/login", mint(t, s, "alice", "alice@example.com"))
	assert.Equal(t, "Authentication successful", second.body["message"])
	assert.Equal(t, first.user()["id"], second.user()["id"])
}

func TestLoginRejections(t *testing.T) {
	s := newSigner(t)
	other, err := identity.NewSigner([]byte("other-secret"), time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		status  int
		message string
	}{
		{"missing token", "", http.StatusUnauthorized, "No token provided"},
		{"garbage", "not-a-jwt", http.StatusUnauthorized, "Invalid or expired token"},
		{"wrong key", mint(t, other, "alice", "alice@example.com"), http.StatusUnauthorized, "Invalid or expired token"},
		{"no email", mint(t, s, "alice", ""), http.StatusBadRequest, "Incomplete user information in token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := setupServer(t, s)
			r := call(t, srv, http.MethodPost, "/auth/login", tt.token)
			assert.Equal(t, tt.status, r.status)
			assert.Equal(t, tt.message, r.body["message"])
			assert.Nil(t, r.body["user"])
		})
	}
}

func TestLoginEmailTakenByAnotherUser(t *testing.T) {
	s := newSigner(t)
	srv := setupServer(t, s)

	r := call(t, srv, http.MethodPost, "/auth/login", mint(t, s, "alice", "shared@example.com"))
	require.Equal(t, http.StatusOK, r.status)

	r = call(t, srv, http.MethodPost, "/auth/login", mint(t, s, "bob", "  SHARED@example.com"))
	assert.Equal(t, http.StatusConflict, r.status)
	assert.Equal(t, "Failed to create user", r.body["message"])
}

func TestLoginLockedOutAfterRepeatedFailures(t *testing.T) {
	s := newSigner(t)
	srv := setupServer(t, s)

	for i := 0; i < 20; i++ {
		r := call(t, srv, http.MethodPost, "/auth/login", "bogus")
		require.Equal(t, http.StatusUnauthorized, r.status)
	}

	r := call(t, srv, http.MethodPost, "/auth/login", mint(t, s, "alice", "alice@example.com"))
	assert.Equal(t, http.StatusTooManyRequests, r.status)
	assert.Equal(t, "60", r.header.Get("Retry-After"))
	assert.Equal(t, "Too many failed attempts, try again later", r.body["message"])
}

func behindProxy(t *testing.T, s *identity.Signer) *httptest.Server {
	t.Helper()
	proxies, err := api.WithTrustedProxies([]string{"127.0.0.1"})
	require.NoError(t, err)
	return setupServer(t, s, proxies)
}

func TestLoginLockoutIsPerForwardedClient(t *testing.T) {
	s := newSigner(t)
	srv := behindProxy(t, s)

	for i := 0; i < 20; i++ {
		r := call(t, srv, http.MethodPost, "/auth/login", "bogus", "X-Forwarded-For", "198.51.100.1")
		require.Equal(t, http.StatusUnauthorized, r.status)
	}

	r := call(t, srv, http.MethodPost, "/auth/login", mint(t, s, "alice", "alice@example.com"),
		"X-Forwarded-For", "198.51.100.1")
	assert.Equal(t, http.StatusTooManyRequests, r.status)

	r = call(t, srv, http.MethodPost, "/auth/login", mint(t, s, "bob", "bob@example.com"),
		"X-Forwarded-For", "198.51.100.2")
	assert.Equal(t, http.StatusOK, r.status)
}

func TestLoginForwardingHeadersIgnoredWithoutTrustedProxy(t *testing.T) {
	s := newSigner(t)
	srv := setupServer(t, s)

	// Every request claims a different origin, but all come from one peer.
	for i := 0; i < 20; i++ {
		r := call(t, srv, http.MethodPost, "/auth/login", "bogus",
			"X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i+1),
			"X-Real-IP", fmt.Sprintf("203.0.113.%d", i+1))
		require.Equal(t, http.StatusUnauthorized, r.status)
	}

	r := call(t, srv, http.MethodPost, "/auth/login", mint(t, s, "alice", "alice@example.com"),
		"X-Forwarded-For", "198.51.100.99")
	assert.Equal(t, http.StatusTooManyRequests, r.status)
}

func TestLoginSpoofedForwardEntryChargesRealClient(t *testing.T) {
	s := newSigner(t)
	srv := behindProxy(t, s)

	for i := 0; i < 20; i++ {
		r := call(t, srv, http.MethodPost, "/auth/login", "bogus",
			"X-Forwarded-For", fmt.Sprintf("192.0.2.%d, 198.51.100.1", i+1))
		require.Equal(t, http.StatusUnauthorized, r.status)
	}

	r := call(t, srv, http.MethodPost, "/auth/login", mint(t, s, "alice", "alice@example.com"),
		"X-Forwarded-For", "198.51.100.1")
	assert.Equal(t, http.StatusTooManyRequests, r.status)
}

func TestLoginSuccessClearsStrikes(t *testing.T) {
	s := newSigner(t)
	srv := setupServer(t, s)
	fail := func() {
		for i := 0; i < 19; i++ {
			r := call(t, srv, http.MethodPost, "/auth/login", "bogus")
			require.Equal(t, http.StatusUnauthorized, r.status)
		}
	}

	fail()
	r := call(t, srv, http.MethodPost, "/auth/login", mint(t, s, "alice", "alice@example.com"))
	require.Equal(t, http.StatusOK, r.status)
	fail()

	r = call(t, srv, http.MethodPost, "/auth/login", mint(t, s, "alice", "alice@example.com"))
	assert.Equal(t, http.StatusOK, r.status)
}

func TestLoginGlobalLockout(t *testing.T) {
	s := newSigner(t)
	srv := behindProxy(t, s)

	for i := 0; i < 100; i++ {
		r := call(t, srv, http.MethodPost, "/auth/login", "bogus",
			"X-Forwarded-For", fmt.Sprintf("198.51.%d.%d", i/250, i%250+1))
		require.Equal(t, http.StatusUnauthorized, r.status)
	}

	r := call(t, srv, http.MethodPost, "/auth/login", mint(t, s, "alice", "alice@example.com"),
		"X-Forwarded-For", "203.0.113.1")
	assert.Equal(t, http.StatusTooManyRequests, r.status)
	assert.Equal(t, "300", r.header.Get("Retry-After"))
}

func TestLoginFailureSpikeRaisesAlert(t *testing.T) {
	var (
		mu     sync.Mutex
		alerts []api.AlertEvent
	)
	proxies, err := api.WithTrustedProxies([]string{"127.0.0.1"})
	require.NoError(t, err)
	s := newSigner(t)
	srv := setupServer(t, s,
		proxies,
		api.WithAlertHandler(func(e api.AlertEvent) {
			mu.Lock()
			defer mu.Unlock()
			alerts = append(alerts, e)
		}),
	)

	// Spread failures across forwarded addresses so no single IP locks out.
	for i := 0; i < 50; i++ {
		r := call(t, srv, http.MethodPost, "/auth/login", "bogus",
			"X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i+1))
		require.Equal(t, http.StatusUnauthorized, r.status)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, alerts, 1)
	assert.Equal(t, api.AlertLoginFailureSpike, alerts[0].Type)
	assert.Equal(t, 50, alerts[0].Count)
}

func TestValidate(t *testing.T) {
	s := newSigner(t)
	srv := setupServer(t, s)
	tok := mint(t, s, "alice", "alice@example.com")

	r := call(t, srv, http.MethodPost, "/auth/validate", tok)
	assert.Equal(t, http.StatusNotFound, r.status)
	assert.Equal(t, false, r.body["valid"])
	assert.Equal(t, "User not found", r.body["message"])

	call(t, srv, http.MethodPost, "/auth/login", tok)

	r = call(t, srv, http.MethodPost, "/auth/validate", tok)
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, true, r.body["valid"])
	assert.Equal(t, "Token is valid", r.body["message"])
	assert.Equal(t, "alice", r.user()["uid"])

	r = call(t, srv, http.MethodPost, "/auth/validate", "garbage")
	assert.Equal(t, http.StatusUnauthorized, r.status)
	assert.Equal(t, false, r.body["valid"])
	assert.Equal(t, "Invalid or expired token", r.body["message"])

	r = call(t, srv, http.MethodPost, "/auth/validate", "")
	assert.Equal(t, http.StatusUnauthorized, r.status)
	assert.Equal(t, "No token provided", r.body["message"])
}

func TestValidateRejectsClaimsWithoutUID(t *testing.T) {
	srv := setupServer(t, verifierFunc(func(context.Context, string) (*identity.Claims, error) {
		return &identity.Claims{Email: "nobody@example.com"}, nil
	}))

	r := call(t, srv, http.MethodPost, "/auth/validate", "tok")
	assert.Equal(t, http.StatusUnauthorized, r.status)
	assert.Equal(t, "Invalid user information in token", r.body["message"])
}

func TestValidateDoesNotNeedServerSession(t *testing.T) {
	s := newSigner(t)
	srv := setupServer(t, s)

	call(t, srv, http.MethodPost, "/auth/login", mint(t, s, "alice", "alice@example.com"))

	// A fresh credential for a known user is valid even though it never
	// established a session of its own.
	r := call(t, srv, http.MethodPost, "/auth/validate", mint(t, s, "alice", "alice@example.com"))
	assert.Equal(t, http.StatusOK, r.status)
}

func TestHeartbeat(t *testing.T) {
	s := newSigner(t)
	srv := setupServer(t, s, api.WithHeartbeatLimit(time.Hour, 2))
	tok := mint(t, s, "alice", "alice@example.com")
	call(t, srv, http.MethodPost, "/auth/login", tok)

	for i := 0; i < 2; i++ {
		r := call(t, srv, http.MethodPost, "/auth/heartbeat", tok)
		require.Equal(t, http.StatusOK, r.status)
		assert.Equal(t, "Heartbeat received", r.body["message"])
	}

	r := call(t, srv, http.MethodPost, "/auth/heartbeat", tok)
	assert.Equal(t, http.StatusTooManyRequests, r.status)
	assert.Equal(t, false, r.body["valid"])
	assert.NotEmpty(t, r.header.Get("Retry-After"))
}

func TestHeartbeatUnknownUser(t *testing.T) {
	s := newSigner(t)
	srv := setupServer(t, s)

	r := call(t, srv, http.MethodPost, "/auth/heartbeat", mint(t, s, "ghost", "ghost@example.com"))
	assert.Equal(t, http.StatusNotFound, r.status)
}

func TestLogout(t *testing.T) {
	s := newSigner(t)
	srv := setupServer(t, s)
	tok := mint(t, s, "alice", "alice@example.com")

	r := call(t, srv, http.MethodPost, "/auth/logout", tok)
	assert.Equal(t, http.StatusBadRequest, r.status)
	assert.Equal(t, "No user to log out", r.body["message"])

	call(t, srv, http.MethodPost, "/auth/login", tok)

	r = call(t, srv, http.MethodPost, "/auth/logout", tok)
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, "Successfully logged out", r.body["message"])

	r = call(t, srv, http.MethodPost, "/auth/logout", tok)
	assert.Equal(t, http.StatusBadRequest, r.status)

	r = call(t, srv, http.MethodPost, "/auth/login", tok)
	assert.Equal(t, "Authentication successful", r.body["message"])
}

func TestCurrentUser(t *testing.T) {
	s := newSigner(t)
	srv := setupServer(t, s)
	tok := mint(t, s, "alice", "alice@example.com")

	r := call(t, srv, http.MethodGet, "/auth/user", tok)
	require.Equal(t, http.StatusOK, r.status)
	assert.Equal(t, false, r.body["authenticated"])
	assert.Nil(t, r.body["user"])

	call(t, srv, http.MethodPost, "/auth/login", tok)

	r = call(t, srv, http.MethodGet, "/auth/user", tok)
	assert.Equal(t, true, r.body["authenticated"])
	assert.Equal(t, "alice", r.user()["uid"])

	r = call(t, srv, http.MethodGet, "/auth/user", "")
	assert.Equal(t, false, r.body["authenticated"])
}

func TestSessionTTL(t *testing.T) {
	s := newSigner(t)
	srv := setupServer(t, s, api.WithSessionTTL(time.Nanosecond))
	tok := mint(t, s, "alice", "alice@example.com")

	call(t, srv, http.MethodPost, "/auth/login", tok)
	time.Sleep(time.Millisecond)

	r := call(t, srv, http.MethodGet, "/auth/user", tok)
	assert.Equal(t, false, r.body["authenticated"])
}

func TestRawAuthorizationHeader(t *testing.T) {
	s := newSigner(t)
	srv := setupServer(t, s)
	tok := mint(t, s, "alice", "alice@example.com")

	r := call(t, srv, http.MethodPost, "/auth/login", "", "Authorization", tok)
	assert.Equal(t, http.StatusOK, r.status)
}

func TestSecurityHeaders(t *testing.T) {
	s := newSigner(t)
	srv := setupServer(t, s)

	r := call(t, srv, http.MethodGet, "/auth/user", "")
	assert.Equal(t, "no-store", r.header.Get("Cache-Control"))
	assert.Equal(t, "DENY", r.header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", r.header.Get("X-Content-Type-Options"))
	assert.Empty(t, r.header.Get("Strict-Transport-Security"))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := api.NewMetrics(reg)
	s := newSigner(t)
	srv := setupServer(t, s, api.WithMetrics(m))
	tok := mint(t, s, "alice", "alice@example.com")

	call(t, srv, http.MethodPost, "/auth/login", tok)
	call(t, srv, http.MethodPost, "/auth/login", tok)
	call(t, srv, http.MethodPost, "/auth/validate", "garbage")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionOutcomesTotal.WithLabelValues("login", "established")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionOutcomesTotal.WithLabelValues("login", "resumed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionOutcomesTotal.WithLabelValues("validate", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UsersCreatedTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/auth/login", "200")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "sessionkeeper_users_created_total 1")
}

func TestOpenAPISpecServed(t *testing.T) {
	srv := setupServer(t, newSigner(t))

	resp, err := srv.Client().Get(srv.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "/auth/login")
}
