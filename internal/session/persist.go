package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/matthieugras/busadmin/internal/logging"
)

// Slot names used to persist a session
const (
	SlotAccessToken  = "access_token"
	SlotRefreshToken = "refresh_token"
	SlotUser         = "user"
)

// Slots is a small named key/value store that outlives the process.
// Update applies set and del together, as one write where the backend
// allows it.
type Slots interface {
	Get(name string) (value string, ok bool, err error)
	Set(name, value string) error
	Delete(name string) error
	Update(set map[string]string, del []string) error
}

// usable reports whether a raw slot value carries data. Browsers and older
// clients have been seen writing the literal strings "undefined" and "null".
func usable(value string, ok bool) bool {
	if !ok {
		return false
	}
	switch strings.TrimSpace(value) {
	case "", "undefined", "null":
		return false
	}
	return true
}

// LoadSession reads a session from slots. Missing or malformed slots yield
// an empty session; only I/O errors from the backend are returned.
func LoadSession(slots Slots) (Session, error) {
	rawUser, ok, err := slots.Get(SlotUser)
	if err != nil {
		return Session{}, fmt.Errorf("failed to read %s slot: %w", SlotUser, err)
	}
	if !usable(rawUser, ok) {
		return Session{}, nil
	}

	var user UserProfile
	if err := json.Unmarshal([]byte(rawUser), &user); err != nil {
		logging.Warn("Ignoring malformed persisted user profile: %v", err)
		return Session{}, nil
	}
	if !user.HasIdentity() {
		return Session{}, nil
	}
	user = user.Normalize()

	access, ok, err := slots.Get(SlotAccessToken)
	if err != nil {
		return Session{}, fmt.Errorf("failed to read %s slot: %w", SlotAccessToken, err)
	}
	if !usable(access, ok) {
		// The profile survived but the token did not: the access token
		// lives in an http-only cookie we cannot read.
		access = CookieToken
	}

	refresh, ok, err := slots.Get(SlotRefreshToken)
	if err != nil {
		return Session{}, fmt.Errorf("failed to read %s slot: %w", SlotRefreshToken, err)
	}
	switch {
	case usable(refresh, ok):
	case access == CookieToken:
		refresh = CookieToken
	default:
		refresh = ""
	}

	return Session{
		AccessToken:  access,
		RefreshToken: refresh,
		User:         &user,
		ExpiresAt:    ExpiryFromToken(access),
	}, nil
}

// SaveSession writes s into slots in one update. An empty session clears them.
func SaveSession(slots Slots, s Session) error {
	if s.User == nil {
		return ClearSession(slots)
	}

	data, err := json.Marshal(s.User)
	if err != nil {
		return fmt.Errorf("failed to encode user profile: %w", err)
	}
	set := map[string]string{SlotUser: string(data)}
	var del []string
	for name, value := range map[string]string{SlotAccessToken: s.AccessToken, SlotRefreshToken: s.RefreshToken} {
		// Cookie sentinels and empty tokens are never written
		if IsBearer(value) {
			set[name] = value
		} else {
			del = append(del, name)
		}
	}
	if err := slots.Update(set, del); err != nil {
		return fmt.Errorf("failed to write session slots: %w", err)
	}
	return nil
}

// ClearSession deletes every session slot
func ClearSession(slots Slots) error {
	if err := slots.Update(nil, []string{SlotAccessToken, SlotRefreshToken, SlotUser}); err != nil {
		return fmt.Errorf("failed to clear session slots: %w", err)
	}
	return nil
}
