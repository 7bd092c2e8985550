package identity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/jmcleod/sessionkeeper/session"
)

// OIDCConfig describes a relying party registration.
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// OIDCProvider is an identity provider backed by an OpenID Connect issuer.
// Users are restored from a refresh token; fresh credentials are the
// id_token of a refresh grant.
type OIDCProvider struct {
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
	logger   *slog.Logger

	mu   sync.Mutex
	user *OIDCUser

	subs subscribers
}

var _ session.IdentityProvider = (*OIDCProvider)(nil)

// NewOIDCProvider discovers the issuer's endpoints.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig, opts ...Option) (*OIDCProvider, error) {
	o := buildOptions("identity", opts)
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("discovering OIDC provider: %w", err)
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, oidc.ScopeOfflineAccess, "email"}
	}
	return &OIDCProvider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID, Now: o.clock.Now}),
		logger:   o.logger,
	}, nil
}

// SignInWithRefreshToken redeems refreshToken, verifies the resulting
// id_token and makes its subject the current user.
func (p *OIDCProvider) SignInWithRefreshToken(ctx context.Context, refreshToken string) (*OIDCUser, error) {
	tok, raw, err := p.redeem(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	idToken, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("verifying id_token: %w", err)
	}
	u := &OIDCUser{provider: p, uid: idToken.Subject, token: tok}
	p.mu.Lock()
	p.user = u
	p.mu.Unlock()
	p.logger.Info("user signed in", "uid", u.uid)
	p.subs.notify(u)
	return u, nil
}

func (p *OIDCProvider) redeem(ctx context.Context, refreshToken string) (*oauth2.Token, string, error) {
	tok, err := p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, "", fmt.Errorf("refreshing token: %w", err)
	}
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return nil, "", ErrNoIDToken
	}
	return tok, raw, nil
}

func (p *OIDCProvider) CurrentUser() session.IdentityUser {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.user == nil {
		return nil
	}
	return p.user
}

// SignOut forgets the current user locally. Issuer-side revocation is left
// to the issuer's own session management.
func (p *OIDCProvider) SignOut(_ context.Context) error {
	p.mu.Lock()
	had := p.user != nil
	p.user = nil
	p.mu.Unlock()
	if had {
		p.logger.Info("user signed out")
		p.subs.notify(nil)
	}
	return nil
}

// OnAuthStateChanged registers fn for sign-in and sign-out.
func (p *OIDCProvider) OnAuthStateChanged(fn func(session.IdentityUser)) (stop func()) {
	return p.subs.subscribe(fn)
}

// OIDCUser is a user restored from a refresh token.
type OIDCUser struct {
	provider *OIDCProvider
	uid      string

	mu    sync.Mutex
	token *oauth2.Token
}

func (u *OIDCUser) UID() string { return u.uid }

// IDToken returns the current id_token, running a refresh grant when forced
// or when the access token has expired.
func (u *OIDCUser) IDToken(ctx context.Context, forceRefresh bool) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !forceRefresh && u.token.Valid() {
		if raw, ok := u.token.Extra("id_token").(string); ok && raw != "" {
			return raw, nil
		}
	}
	if u.token.RefreshToken == "" {
		return "", fmt.Errorf("refreshing token: %w", ErrNotSignedIn)
	}
	tok, raw, err := u.provider.redeem(ctx, u.token.RefreshToken)
	if err != nil {
		return "", err
	}
	u.token = tok
	return raw, nil
}

// OIDCVerifier verifies id_tokens for the session service.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the issuer and accepts tokens issued to clientID.
func NewOIDCVerifier(ctx context.Context, issuerURL, clientID string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discovering OIDC provider: %w", err)
	}
	return &OIDCVerifier{verifier: provider.Verifier(&oidc.Config{ClientID: clientID})}, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	idToken, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var extra struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&extra); err != nil {
		return nil, fmt.Errorf("%w: decoding claims: %v", ErrInvalidToken, err)
	}
	return &Claims{
		UID:       idToken.Subject,
		Email:     extra.Email,
		IssuedAt:  idToken.IssuedAt,
		ExpiresAt: idToken.Expiry,
	}, nil
}
