package identity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/jmcleod/sessionkeeper/clock"
	"github.com/jmcleod/sessionkeeper/internal/util"
	"github.com/jmcleod/sessionkeeper/session"
)

const (
	// DefaultTokenTTL matches the lifetime of hosted identity credentials.
	DefaultTokenTTL = time.Hour
	// LocalIssuer is the iss claim of locally signed credentials.
	LocalIssuer = "sessionkeeper-local"

	localKeyInfo = "sessionkeeper:local-token:v1"
	// Cached credentials this close to expiry are re-minted.
	renewBefore = 5 * time.Minute
)

type localClaims struct {
	Email string `json:"email,omitempty"`
}

// Signer issues and verifies HS256 credentials with a key derived from a
// shared secret. The session service and development clients configured
// with the same secret interoperate.
type Signer struct {
	key    []byte
	ttl    time.Duration
	clock  clock.Clock
	signer jose.Signer
}

// NewSigner derives the signing key from secret.
func NewSigner(secret []byte, ttl time.Duration, opts ...Option) (*Signer, error) {
	o := buildOptions("identity", opts)
	key, err := util.DeriveKey(secret, nil, localKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("deriving signing key: %w", err)
	}
	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Signer{key: key, ttl: ttl, clock: o.clock, signer: sig}, nil
}

// Mint issues a credential for uid. email may be empty; the session service
// rejects such credentials as incomplete.
func (s *Signer) Mint(uid, email string) (string, time.Time, error) {
	if uid == "" {
		return "", time.Time{}, fmt.Errorf("minting token: empty uid")
	}
	now := s.clock.Now()
	exp := now.Add(s.ttl)
	std := jwt.Claims{
		Issuer:   LocalIssuer,
		Subject:  uid,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(exp),
		ID:       fmt.Sprintf("%d", now.UnixNano()),
	}
	raw, err := jwt.Signed(s.signer).Claims(std).Claims(localClaims{Email: email}).Serialize()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return raw, exp, nil
}

// Verify checks the signature, issuer and expiry of raw.
func (s *Signer) Verify(_ context.Context, raw string) (*Claims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var std jwt.Claims
	var extra localClaims
	if err := tok.Claims(s.key, &std, &extra); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := std.ValidateWithLeeway(jwt.Expected{Issuer: LocalIssuer, Time: s.clock.Now()}, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c := &Claims{UID: std.Subject, Email: extra.Email}
	if std.IssuedAt != nil {
		c.IssuedAt = std.IssuedAt.Time()
	}
	if std.Expiry != nil {
		c.ExpiresAt = std.Expiry.Time()
	}
	return c, nil
}

// LocalProvider is an identity provider for development and tests. Users
// sign in by name and receive credentials minted by a Signer.
type LocalProvider struct {
	signer *Signer
	logger *slog.Logger
	clock  clock.Clock

	mu   sync.Mutex
	user *LocalUser

	subs subscribers
}

var _ session.IdentityProvider = (*LocalProvider)(nil)

// NewLocalProvider returns a provider with nobody signed in.
func NewLocalProvider(signer *Signer, opts ...Option) *LocalProvider {
	o := buildOptions("identity", opts)
	return &LocalProvider{signer: signer, logger: o.logger, clock: o.clock}
}

// SignIn makes uid the current user and notifies subscribers.
func (p *LocalProvider) SignIn(_ context.Context, uid, email string) (*LocalUser, error) {
	if uid == "" {
		return nil, fmt.Errorf("signing in: empty uid")
	}
	u := &LocalUser{uid: uid, email: email, signer: p.signer, clock: p.clock}
	p.mu.Lock()
	p.user = u
	p.mu.Unlock()
	p.logger.Info("user signed in", "uid", uid)
	p.subs.notify(u)
	return u, nil
}

// CurrentUser returns the signed-in user or nil.
func (p *LocalProvider) CurrentUser() session.IdentityUser {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.user == nil {
		return nil
	}
	return p.user
}

// SignOut forgets the current user and notifies subscribers with nil.
func (p *LocalProvider) SignOut(_ context.Context) error {
	p.mu.Lock()
	had := p.user != nil
	p.user = nil
	p.mu.Unlock()
	if !had {
		return nil
	}
	p.logger.Info("user signed out")
	p.subs.notify(nil)
	return nil
}

// OnAuthStateChanged registers fn for sign-in and sign-out.
func (p *LocalProvider) OnAuthStateChanged(fn func(session.IdentityUser)) (stop func()) {
	return p.subs.subscribe(fn)
}

// LocalUser is a user of a LocalProvider. It caches its credential until
// shortly before expiry.
type LocalUser struct {
	uid    string
	email  string
	signer *Signer
	clock  clock.Clock

	mu      sync.Mutex
	token   string
	expires time.Time
}

func (u *LocalUser) UID() string { return u.uid }

// Email returns the address the user signed in with.
func (u *LocalUser) Email() string { return u.email }

// IDToken returns the cached credential, minting a new one when forced or
// when the cached one is close to expiry.
func (u *LocalUser) IDToken(ctx context.Context, forceRefresh bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if !forceRefresh && u.token != "" && u.clock.Now().Before(u.expires.Add(-renewBefore)) {
		return u.token, nil
	}
	tok, exp, err := u.signer.Mint(u.uid, u.email)
	if err != nil {
		return "", err
	}
	u.token, u.expires = tok, exp
	return tok, nil
}
