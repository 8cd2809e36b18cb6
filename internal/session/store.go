package session

import (
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/matthieugras/busadmin/internal/logging"
)

// Store is the credential store. It owns the Session and is the only
// place it is mutated. Every session lifetime gets a new generation
// number so that late results for an old session can be recognised and
// dropped.
type Store struct {
	mu         sync.RWMutex
	session    Session
	state      State
	generation uint64
	refreshes  uint64 // successful refreshes applied, across all sessions
	slots      Slots

	subMu       sync.Mutex
	subscribers map[int]func(Session)
	nextSubID   int
}

// NewStore creates an anonymous store persisting into slots.
// If slots is nil the session lives in memory only.
func NewStore(slots Slots) *Store {
	if slots == nil {
		slots = NewMemorySlots()
	}
	return &Store{
		slots:       slots,
		generation:  1,
		subscribers: make(map[int]func(Session)),
	}
}

// Snapshot returns a copy of the current session
func (s *Store) Snapshot() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.Clone()
}

// AccessToken returns the current access token, CookieToken, or ""
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.AccessToken
}

// Credentials returns the current access token together with the
// generation and refresh count it belongs to.
func (s *Store) Credentials() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Credentials{
		AccessToken: s.session.AccessToken,
		Generation:  s.generation,
		Refreshes:   s.refreshes,
	}
}

// User returns a copy of the current profile, or nil when anonymous
func (s *Store) User() *UserProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session.User == nil {
		return nil
	}
	u := s.session.User.Clone()
	return &u
}

// IsAuthenticated reports whether a user profile is present
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.User != nil
}

// Role returns the role of the current user, or "" when anonymous
func (s *Store) Role() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session.User == nil {
		return ""
	}
	return s.session.User.Role
}

// State returns the lifecycle state
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Generation returns the current session generation
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Subscribe registers fn to be called with a snapshot after every change.
// Callbacks run outside the store lock. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(Session)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Store) notify(snapshot Session) {
	s.subMu.Lock()
	fns := make([]func(Session), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(snapshot.Clone())
	}
}

// persist must be called with s.mu held
func (s *Store) persist() {
	if err := SaveSession(s.slots, s.session); err != nil {
		logging.Warn("Failed to persist session: %v", err)
	}
}

// BeginLogin moves the store to Authenticating and returns the generation
// the login must complete against.
func (s *Store) BeginLogin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateAuthenticating
	return s.generation
}

// CompleteLogin installs the session produced by a successful login. It
// fails with ErrSessionTerminated if the store was terminated or another
// login completed since BeginLogin.
func (s *Store) CompleteLogin(generation uint64, token *oauth2.Token, user UserProfile) error {
	s.mu.Lock()
	if generation != s.generation {
		s.mu.Unlock()
		return ErrSessionTerminated
	}

	profile := user.Normalize()
	s.session = Session{User: &profile}
	s.applyToken(token)
	s.state = StateAuthenticated
	s.generation++
	s.persist()
	snapshot := s.session.Clone()
	s.mu.Unlock()

	logging.Info("Session started for %s (role %s)", profile.DisplayName, profile.Role)
	s.notify(snapshot)
	return nil
}

// FailLogin leaves Authenticating after a failed login. An existing
// session, if any, stays as it was.
func (s *Store) FailLogin(generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation || s.state != StateAuthenticating {
		return
	}
	s.state = s.restingState()
}

// BeginRefresh marks the store as Refreshing and returns the generation
// and refresh token the exchange must use.
func (s *Store) BeginRefresh() (uint64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session.User == nil {
		return s.generation, "", ErrNotAuthenticated
	}
	s.state = StateRefreshing
	return s.generation, s.session.RefreshToken, nil
}

// ApplyRefresh installs refreshed tokens and returns the new access token.
// If the session was terminated or replaced since BeginRefresh the result
// is discarded and ErrSessionTerminated is returned.
func (s *Store) ApplyRefresh(generation uint64, token *oauth2.Token) (string, error) {
	s.mu.Lock()
	if generation != s.generation || s.session.User == nil {
		s.mu.Unlock()
		return "", ErrSessionTerminated
	}

	s.applyToken(token)
	s.state = StateAuthenticated
	s.refreshes++
	s.persist()
	access := s.session.AccessToken
	snapshot := s.session.Clone()
	s.mu.Unlock()

	logging.Debug("Session tokens refreshed, expires at %s", snapshot.ExpiresAt.Format(time.RFC3339))
	s.notify(snapshot)
	return access, nil
}

// applyToken must be called with s.mu held
func (s *Store) applyToken(token *oauth2.Token) {
	access := ""
	if token != nil {
		access = token.AccessToken
	}
	if access == "" {
		access = CookieToken
	}
	s.session.AccessToken = access

	// Only rotate when the server supplied a new refresh token
	if token != nil && token.RefreshToken != "" {
		s.session.RefreshToken = token.RefreshToken
	} else if s.session.RefreshToken == "" && access == CookieToken {
		s.session.RefreshToken = CookieToken
	}

	s.session.ExpiresAt = time.Time{}
	if token != nil && !token.Expiry.IsZero() {
		s.session.ExpiresAt = token.Expiry
	} else {
		s.session.ExpiresAt = ExpiryFromToken(access)
	}
}

// UpdateProfile merges update into the current profile
func (s *Store) UpdateProfile(update UserProfile) (UserProfile, error) {
	s.mu.Lock()
	if s.session.User == nil {
		s.mu.Unlock()
		return UserProfile{}, ErrNotAuthenticated
	}
	merged := s.session.User.Merge(update)
	s.session.User = &merged
	s.persist()
	snapshot := s.session.Clone()
	s.mu.Unlock()

	s.notify(snapshot)
	return merged.Clone(), nil
}

// Terminate clears the session and its persisted slots. It reports whether
// anything was cleared; calling it on an anonymous store has no effect.
func (s *Store) Terminate() bool {
	s.mu.Lock()
	return s.terminateLocked()
}

// Expire terminates the session only if generation is still current. It is
// used by the request pipeline so a stale failure cannot end a newer session.
func (s *Store) Expire(generation uint64) bool {
	s.mu.Lock()
	if generation != s.generation {
		s.mu.Unlock()
		return false
	}
	return s.terminateLocked()
}

// terminateLocked must be called with s.mu held and releases it
func (s *Store) terminateLocked() bool {
	if s.session.IsZero() && s.state == StateAnonymous {
		s.mu.Unlock()
		return false
	}

	s.session = Session{}
	s.state = StateAnonymous
	s.generation++
	if err := ClearSession(s.slots); err != nil {
		logging.Warn("Failed to clear persisted session: %v", err)
	}
	s.mu.Unlock()

	logging.Info("Session terminated")
	s.notify(Session{})
	return true
}

// Restore replaces the in-memory session with the persisted one. It is
// called on start-up and whenever another process changes the slots.
func (s *Store) Restore() error {
	loaded, err := LoadSession(s.slots)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if sameSession(s.session, loaded) {
		s.mu.Unlock()
		return nil
	}

	if !sameUser(s.session.User, loaded.User) {
		s.generation++
	}
	s.session = loaded
	s.state = s.restingState()
	snapshot := s.session.Clone()
	s.mu.Unlock()

	if snapshot.User != nil {
		logging.Debug("Session restored for %s", snapshot.User.DisplayName)
	} else {
		logging.Debug("Persisted session is empty")
	}
	s.notify(snapshot)
	return nil
}

// restingState must be called with s.mu held
func (s *Store) restingState() State {
	if s.session.User != nil {
		return StateAuthenticated
	}
	return StateAnonymous
}

func sameSession(a, b Session) bool {
	return a.AccessToken == b.AccessToken &&
		a.RefreshToken == b.RefreshToken &&
		sameProfile(a.User, b.User)
}

func sameUser(a, b *UserProfile) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID && a.Username == b.Username
}

func sameProfile(a, b *UserProfile) bool {
	if a == nil || b == nil {
		return a == b
	}
	x, y := *a, *b
	px, py := x.Person, y.Person
	x.Person, y.Person = nil, nil
	if x != y {
		return false
	}
	if px == nil || py == nil {
		return px == py
	}
	return *px == *py
}
