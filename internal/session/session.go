// Package session holds the credential store: the current tokens, the
// authenticated user profile, and the state machine that login, refresh
// and logout move through. It also persists the session into named slots
// so that it survives process restarts.
package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CookieToken stands in for an access token the backend keeps in an
// http-only cookie. It marks the session as authenticated but is never
// sent as a bearer token.
const CookieToken = "__httponly_cookie__"

var (
	// ErrSessionTerminated is returned when a login or refresh result
	// arrives for a session that has since been terminated or replaced.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrNotAuthenticated is returned by operations that need a user
	ErrNotAuthenticated = errors.New("not authenticated")
)

// Session is the client-side view of an authenticated session.
// AccessToken is non-empty if and only if User is non-nil.
type Session struct {
	AccessToken  string
	RefreshToken string
	User         *UserProfile
	ExpiresAt    time.Time
}

// Credentials is what a request is built with: the access token, the
// session generation it belongs to, and how many refreshes that session
// had gone through. Refreshes tells a completed rotation apart even when
// the token itself cannot change, as with CookieToken.
type Credentials struct {
	AccessToken string
	Generation  uint64
	Refreshes   uint64
}

// IsZero reports whether the session is empty (logged out)
func (s Session) IsZero() bool {
	return s.AccessToken == "" && s.RefreshToken == "" && s.User == nil && s.ExpiresAt.IsZero()
}

// HasBearer reports whether the access token can be sent as a bearer token
func (s Session) HasBearer() bool {
	return IsBearer(s.AccessToken)
}

// Clone returns a deep copy of the session
func (s Session) Clone() Session {
	if s.User != nil {
		u := s.User.Clone()
		s.User = &u
	}
	return s
}

// IsBearer reports whether token is a real token rather than empty or the
// cookie sentinel.
func IsBearer(token string) bool {
	return token != "" && token != CookieToken
}

// ExpiryFromToken reads the exp claim of a JWT access token without
// verifying it. Opaque tokens and tokens without exp yield the zero time.
func ExpiryFromToken(raw string) time.Time {
	if !IsBearer(raw) {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
