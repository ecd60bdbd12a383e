package identity

import (
	"errors"
	"time"
)

// Event describes a change in the authentication state of a principal.
type Event string

const (
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
)

// ProviderSession is the raw authentication record held by the identity
// provider. It carries no authorization data; the directory owns that.
type ProviderSession struct {
	// UserID is the provider-issued subject identifier.
	UserID string `json:"user_id"`

	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`

	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token has passed its expiry.
// A zero ExpiresAt means the provider did not report one.
func (s *ProviderSession) Expired() bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(s.ExpiresAt)
}

// ErrNoSession is returned by CurrentSession when the provider holds no
// live authentication record for the principal.
var ErrNoSession = errors.New("identity: no active provider session")

// ErrInvalidCredentials is returned by SignInWithPassword when the
// provider rejects the supplied credentials.
var ErrInvalidCredentials = errors.New("identity: invalid credentials")
