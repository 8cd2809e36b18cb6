package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/matthieugras/busadmin/internal/api"
	"github.com/matthieugras/busadmin/internal/logging"
	"github.com/matthieugras/busadmin/internal/session"
)

// ErrMissingProfile is returned when a login response identifies nobody
var ErrMissingProfile = errors.New("login response has no user profile")

// Service performs the account operations on top of the API client and
// records their outcome in the store.
type Service struct {
	client *api.Client
	store  *session.Store
}

// NewService creates an account service
func NewService(client *api.Client, store *session.Store) *Service {
	return &Service{client: client, store: store}
}

// loginResponse is tokenResponse plus the user, nested or flat
type loginResponse struct {
	tokenResponse
	User *session.UserProfile `json:"user"`
}

// RegisterRequest is the body of POST /auth/register
type RegisterRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Role      string `json:"role,omitempty"`
}

// ProfileUpdate is the body of PATCH /users/me
type ProfileUpdate struct {
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// Login authenticates with username and password and starts a session.
// On failure any existing session is left untouched.
func (s *Service) Login(ctx context.Context, username, password string) (session.UserProfile, error) {
	gen := s.store.BeginLogin()

	profile, resp, err := s.login(ctx, username, password)
	if err != nil {
		s.store.FailLogin(gen)
		return session.UserProfile{}, err
	}

	if err := s.store.CompleteLogin(gen, resp.token(), profile); err != nil {
		s.store.FailLogin(gen)
		return session.UserProfile{}, fmt.Errorf("login for %s discarded: %w", username, err)
	}
	user := s.store.User()
	if user == nil {
		return session.UserProfile{}, session.ErrSessionTerminated
	}
	return *user, nil
}

func (s *Service) login(ctx context.Context, username, password string) (session.UserProfile, loginResponse, error) {
	req := api.NewRequest(http.MethodPost, "/auth/login").WithForm(url.Values{
		"username": {username},
		"password": {password},
	})

	var body json.RawMessage
	if err := s.client.DoJSON(ctx, req, &body); err != nil {
		return session.UserProfile{}, loginResponse{}, fmt.Errorf("login failed: %w", err)
	}

	var resp loginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return session.UserProfile{}, loginResponse{}, fmt.Errorf("failed to parse login response: %w", err)
	}

	var profile session.UserProfile
	if resp.User != nil {
		profile = *resp.User
	} else if err := json.Unmarshal(body, &profile); err != nil {
		return session.UserProfile{}, loginResponse{}, fmt.Errorf("failed to parse login profile: %w", err)
	}
	if !profile.HasIdentity() {
		return session.UserProfile{}, loginResponse{}, ErrMissingProfile
	}
	return profile, resp, nil
}

// Logout tells the backend and ends the local session. The local session
// ends even if the backend call fails.
func (s *Service) Logout(ctx context.Context) {
	if s.store.IsAuthenticated() {
		if err := s.client.Send(ctx, http.MethodPost, "/auth/logout", nil, nil); err != nil {
			logging.Warn("Logout request failed: %v", err)
		}
	}
	s.store.Terminate()
}

// Register creates an account. It does not log in.
func (s *Service) Register(ctx context.Context, r RegisterRequest) (session.UserProfile, error) {
	var profile session.UserProfile
	if err := s.client.Send(ctx, http.MethodPost, "/auth/register", r, &profile); err != nil {
		return session.UserProfile{}, fmt.Errorf("register %s failed: %w", r.Username, err)
	}
	return profile.Normalize(), nil
}

// VerifyToken asks the backend whether the current token is still valid.
// A rejected token ends the session it belonged to. Other failures are
// logged and reported as valid so that a flaky backend does not log anybody out.
func (s *Service) VerifyToken(ctx context.Context) bool {
	gen := s.store.Credentials().Generation
	if !s.store.IsAuthenticated() {
		return false
	}

	err := s.client.Get(ctx, "/auth/verify-token", nil, nil)
	switch {
	case err == nil:
		return true
	case api.IsKind(err, api.KindTerminalAuth):
		logging.Info("Token rejected by backend, ending session")
		s.store.Expire(gen)
		return false
	default:
		logging.Warn("Token verification failed: %v", err)
		return true
	}
}

// Me fetches the current user and merges it into the session
func (s *Service) Me(ctx context.Context) (session.UserProfile, error) {
	var profile session.UserProfile
	if err := s.client.Get(ctx, "/users/me", nil, &profile); err != nil {
		return session.UserProfile{}, fmt.Errorf("fetch profile failed: %w", err)
	}
	return s.store.UpdateProfile(profile)
}

// UpdateProfile changes the current user's profile and merges the result
func (s *Service) UpdateProfile(ctx context.Context, update ProfileUpdate) (session.UserProfile, error) {
	var profile session.UserProfile
	if err := s.client.Send(ctx, http.MethodPatch, "/users/me", update, &profile); err != nil {
		return session.UserProfile{}, fmt.Errorf("update profile failed: %w", err)
	}
	return s.store.UpdateProfile(profile)
}
