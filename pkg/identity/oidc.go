package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCConfig configures the OpenID Connect identity provider.
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	Scopes       []string

	// SkipIssuerCheck relaxes issuer validation for providers whose
	// discovery document and token issuer disagree.
	SkipIssuerCheck bool
}

// Validate validates the OIDC configuration.
func (c *OIDCConfig) Validate() error {
	if c.IssuerURL == "" {
		return fmt.Errorf("issuer_url is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if len(c.Scopes) == 0 {
		return fmt.Errorf("scopes are required")
	}

	hasOpenID := false
	for _, scope := range c.Scopes {
		if scope == oidc.ScopeOpenID {
			hasOpenID = true
			break
		}
	}
	if !hasOpenID {
		return fmt.Errorf("'openid' scope is required for OIDC")
	}

	return nil
}

// OIDCProvider implements Provider against an OpenID Connect issuer
// using the resource owner password grant. One instance holds the
// provider session of a single principal.
type OIDCProvider struct {
	config       *OIDCConfig
	provider     *oidc.Provider
	verifier     *oidc.IDTokenVerifier
	oauth2Config *oauth2.Config

	mu      sync.Mutex
	current *ProviderSession
	token   *oauth2.Token

	listenerSet
}

// NewOIDCProvider discovers the issuer and creates a new provider.
func NewOIDCProvider(ctx context.Context, config *OIDCConfig) (*OIDCProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid OIDC config: %w", err)
	}

	provider, err := oidc.NewProvider(ctx, config.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID:        config.ClientID,
		SkipIssuerCheck: config.SkipIssuerCheck,
	})

	oauth2Config := &oauth2.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		Endpoint:     provider.Endpoint(),
		Scopes:       config.Scopes,
	}

	return &OIDCProvider{
		config:       config,
		provider:     provider,
		verifier:     verifier,
		oauth2Config: oauth2Config,
	}, nil
}

// CurrentSession returns the live provider session, refreshing the
// access token first when it has expired and a refresh token exists.
func (p *OIDCProvider) CurrentSession(ctx context.Context) (*ProviderSession, error) {
	p.mu.Lock()
	current, token := p.current, p.token
	p.mu.Unlock()

	if current == nil {
		return nil, ErrNoSession
	}
	if !current.Expired() {
		return current, nil
	}
	if token == nil || token.RefreshToken == "" {
		return nil, ErrNoSession
	}

	refreshed, err := p.oauth2Config.TokenSource(ctx, token).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	session := &ProviderSession{
		UserID:       current.UserID,
		Email:        current.Email,
		DisplayName:  current.DisplayName,
		AccessToken:  refreshed.AccessToken,
		RefreshToken: refreshed.RefreshToken,
		ExpiresAt:    refreshed.Expiry,
	}

	p.mu.Lock()
	p.current, p.token = session, refreshed
	p.mu.Unlock()

	p.publish(EventTokenRefreshed, session)
	return session, nil
}

// SignInWithPassword exchanges credentials for a token, verifies the
// ID token, and establishes the provider session.
func (p *OIDCProvider) SignInWithPassword(ctx context.Context, email, password string) (*ProviderSession, error) {
	token, err := p.oauth2Config.PasswordCredentialsToken(ctx, email, password)
	if err != nil {
		if isInvalidGrant(err) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to exchange credentials: %w", err)
	}

	session, err := p.sessionFromToken(ctx, token)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.current, p.token = session, token
	p.mu.Unlock()

	p.publish(EventSignedIn, session)
	return session, nil
}

// SignOut drops the provider session. It is safe to call when no
// session exists.
func (p *OIDCProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	had := p.current != nil
	p.current, p.token = nil, nil
	p.mu.Unlock()

	if had {
		p.publish(EventSignedOut, nil)
	}
	return nil
}

// Subscribe registers a listener for authentication events.
func (p *OIDCProvider) Subscribe(fn ListenerFunc) func() {
	return p.add(fn)
}

func (p *OIDCProvider) sessionFromToken(ctx context.Context, token *oauth2.Token) (*ProviderSession, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("missing id_token in response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("missing email in ID token")
	}

	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		expiresAt = idToken.Expiry
	}

	return &ProviderSession{
		UserID:       idToken.Subject,
		Email:        claims.Email,
		DisplayName:  claims.Name,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

// isInvalidGrant detects the RFC 6749 invalid_grant error returned for
// bad credentials under the password grant.
func isInvalidGrant(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return retrieveErr.ErrorCode == "invalid_grant"
	}
	return strings.Contains(err.Error(), "invalid_grant")
}

var _ Provider = (*OIDCProvider)(nil)
