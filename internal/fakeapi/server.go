// Package fakeapi is an in-process stand-in for the bus company backend.
// It issues HS256 access tokens and single-use refresh tokens, serves the
// account endpoints and keeps the domain collections in memory. Tests
// drive it through the hooks on Server.
package fakeapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/matthieugras/busadmin/internal/session"
)

// Collections served under /{collection}
var Collections = []string{"clients", "tickets", "packages", "trips", "buses", "routes", "drivers"}

// adminOnlyWrites are collections only admins may modify
var adminOnlyWrites = map[string]bool{"buses": true, "routes": true, "drivers": true}

// Options configures a Server
type Options struct {
	Secret     []byte        // HMAC key for access tokens
	AccessTTL  time.Duration // lifetime of access tokens
	CookieMode bool          // deliver tokens in http-only cookies instead of the body
	FlatLogin  bool          // put the user fields at the top level of the login response
}

type account struct {
	profile session.UserProfile
	hash    []byte
}

type collection struct {
	nextID int
	items  map[int]map[string]any
}

// Server is the fake backend
type Server struct {
	mu        sync.Mutex
	opts      Options
	accounts  map[string]*account // by username
	refresh   map[string]string   // refresh token -> username
	epoch     int
	nextUser  int
	data      map[string]*collection
	refreshes int
	logins    int

	refreshStatus int
	refreshDetail string
	refreshDelay  time.Duration
}

// New creates an empty server
func New(opts Options) *Server {
	if len(opts.Secret) == 0 {
		opts.Secret = []byte("busadmin-fake-secret")
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	s := &Server{
		opts:     opts,
		accounts: make(map[string]*account),
		refresh:  make(map[string]string),
		nextUser: 1,
		data:     make(map[string]*collection),
	}
	for _, name := range Collections {
		s.data[name] = &collection{nextID: 1, items: make(map[int]map[string]any)}
	}
	return s
}

// Handler returns the HTTP handler serving the API
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)

	protected := r.NewRoute().Subrouter()
	protected.Use(s.requireBearer)
	protected.HandleFunc("/auth/verify-token", s.handleVerify).Methods(http.MethodGet)
	protected.HandleFunc("/users/me", s.handleMe).Methods(http.MethodGet)
	protected.HandleFunc("/users/me", s.handleUpdateMe).Methods(http.MethodPatch)
	protected.HandleFunc("/{collection}", s.handleList).Methods(http.MethodGet)
	protected.HandleFunc("/{collection}", s.handleCreate).Methods(http.MethodPost)
	protected.HandleFunc("/{collection}/{id:[0-9]+}", s.handleGet).Methods(http.MethodGet)
	protected.HandleFunc("/{collection}/{id:[0-9]+}", s.handleUpdate).Methods(http.MethodPut)
	protected.HandleFunc("/{collection}/{id:[0-9]+}", s.handleDelete).Methods(http.MethodDelete)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeDetail(w, http.StatusNotFound, "Not Found")
	})
	return r
}

// AddUser registers an account. The profile's Username is set to username.
func (s *Server) AddUser(username, password string, profile session.UserProfile) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[username]; exists {
		return fmt.Errorf("user %q already exists", username)
	}
	profile.Username = username
	if profile.ID == 0 {
		profile.ID = s.nextUser
	}
	if profile.ID >= s.nextUser {
		s.nextUser = profile.ID + 1
	}
	s.accounts[username] = &account{profile: profile, hash: hash}
	return nil
}

// Seed stores items in a collection. Items are anything that encodes to a
// JSON object; an id is assigned when missing.
func (s *Server) Seed(name string, items ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data[name]
	if !ok {
		return fmt.Errorf("unknown collection %q", name)
	}
	for _, item := range items {
		obj, err := toObject(item)
		if err != nil {
			return err
		}
		c.insert(obj)
	}
	return nil
}

// ExpireAccessTokens invalidates every access token issued so far.
// Refresh tokens stay valid.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
}

// SetRefreshFailure makes /auth/refresh answer with status and detail.
// A zero status restores normal behaviour.
func (s *Server) SetRefreshFailure(status int, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshStatus = status
	s.refreshDetail = detail
}

// SetRefreshDelay makes /auth/refresh wait before answering
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// RefreshCalls returns how many times /auth/refresh was called
func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

// LoginCalls returns how many times /auth/login was called
func (s *Server) LoginCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

func (c *collection) insert(obj map[string]any) map[string]any {
	id := c.nextID
	if v, ok := obj["id"].(float64); ok && v > 0 {
		id = int(v)
	}
	obj["id"] = id
	c.items[id] = obj
	if id >= c.nextID {
		c.nextID = id + 1
	}
	return obj
}

func toObject(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode item: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("item is not a JSON object: %w", err)
	}
	return obj, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDetail writes a {"detail": "..."} error body
func writeDetail(w http.ResponseWriter, status int, detail string) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	writeJSON(w, status, map[string]string{"detail": detail})
}
