package fakeapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/matthieugras/busadmin/internal/session"
)

func (s *Server) tokenBody(t issuedTokens, profile session.UserProfile) map[string]any {
	body := map[string]any{
		"token_type": "bearer",
		"expires_in": int(t.TTL.Seconds()),
	}
	if !s.opts.CookieMode {
		body["access_token"] = t.Access
		body["refresh_token"] = t.Refresh
	}
	if s.opts.FlatLogin {
		obj, _ := toObject(profile)
		for k, v := range obj {
			body[k] = v
		}
	} else {
		body["user"] = profile
	}
	return body
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	username := r.FormValue("username")
	password := r.FormValue("password")

	s.mu.Lock()
	s.logins++
	acct, ok := s.accounts[username]
	s.mu.Unlock()

	if !ok || bcrypt.CompareHashAndPassword(acct.hash, []byte(password)) != nil {
		writeDetail(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}

	s.mu.Lock()
	tokens, err := s.issueLocked(acct)
	profile := acct.profile.Clone()
	s.mu.Unlock()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	if s.opts.CookieMode {
		s.setTokenCookies(w, tokens)
	}
	writeJSON(w, http.StatusOK, s.tokenBody(tokens, profile))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeDetail(w, http.StatusBadRequest, "bad json request")
		return
	}
	if req.RefreshToken == "" {
		if c, err := r.Cookie(refreshCookie); err == nil {
			req.RefreshToken = c.Value
		}
	}

	s.mu.Lock()
	s.refreshes++
	delay := s.refreshDelay
	status, detail := s.refreshStatus, s.refreshDetail
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		writeDetail(w, status, detail)
		return
	}

	s.mu.Lock()
	username, ok := s.refresh[req.RefreshToken]
	// single use: a refresh token is gone once presented
	delete(s.refresh, req.RefreshToken)
	acct := s.accounts[username]
	if !ok || acct == nil {
		s.mu.Unlock()
		writeDetail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	tokens, err := s.issueLocked(acct)
	profile := acct.profile.Clone()
	s.mu.Unlock()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	if s.opts.CookieMode {
		s.setTokenCookies(w, tokens)
	}
	body := s.tokenBody(tokens, profile)
	delete(body, "user")
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username  string `json:"username"`
		Email     string `json:"email"`
		Password  string `json:"password"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Role      string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "bad json request")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "username and password are required")
		return
	}
	if req.Role == "" {
		req.Role = session.RoleSecretary
	}

	s.mu.Lock()
	_, exists := s.accounts[req.Username]
	s.mu.Unlock()
	if exists {
		writeDetail(w, http.StatusConflict, "Username already registered")
		return
	}

	profile := session.UserProfile{
		Role:  req.Role,
		Email: req.Email,
		Person: &session.PersonRecord{
			FirstName: req.FirstName,
			LastName:  req.LastName,
		},
	}
	if err := s.AddUser(req.Username, req.Password, profile); err != nil {
		writeDetail(w, http.StatusConflict, err.Error())
		return
	}

	s.mu.Lock()
	created := s.accounts[req.Username].profile.Clone()
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if raw := bearerToken(r); raw != "" {
		if acct, err := s.authenticate(raw); err == nil {
			s.mu.Lock()
			for token, owner := range s.refresh {
				if owner == acct.profile.Username {
					delete(s.refresh, token)
				}
			}
			s.mu.Unlock()
		}
	}
	if s.opts.CookieMode {
		clearTokenCookies(w)
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "Logged out"})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r)
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "username": acct.profile.Username})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r)
	s.mu.Lock()
	profile := acct.profile.Clone()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email     string `json:"email"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Phone     string `json:"phone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "bad json request")
		return
	}

	acct := accountFrom(r)
	s.mu.Lock()
	if req.Email != "" {
		acct.profile.Email = req.Email
	}
	if acct.profile.Person == nil {
		acct.profile.Person = &session.PersonRecord{}
	}
	p := acct.profile.Person
	if req.FirstName != "" {
		p.FirstName = req.FirstName
	}
	if req.LastName != "" {
		p.LastName = req.LastName
	}
	if req.Phone != "" {
		p.Phone = req.Phone
	}
	profile := acct.profile.Clone()
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, profile)
}

// lookup resolves the {collection} and optional {id} route variables
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*collection, string, int, bool) {
	vars := mux.Vars(r)
	name := vars["collection"]
	c, ok := s.data[name]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Not Found")
		return nil, "", 0, false
	}
	id := 0
	if raw, ok := vars["id"]; ok {
		id, _ = strconv.Atoi(raw)
	}
	return c, name, id, true
}

func (s *Server) canWrite(w http.ResponseWriter, r *http.Request, name string) bool {
	if adminOnlyWrites[name] && accountFrom(r).profile.Role != session.RoleAdmin {
		writeDetail(w, http.StatusForbidden, "Not enough permissions")
		return false
	}
	return true
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	c, _, _, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	ids := make([]int, 0, len(c.items))
	for id := range c.items {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	items := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		items = append(items, c.items[id])
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	c, name, id, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	item, found := c.items[id]
	s.mu.Unlock()
	if !found {
		writeDetail(w, http.StatusNotFound, name+" not found")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	c, name, _, ok := s.lookup(w, r)
	if !ok || !s.canWrite(w, r, name) {
		return
	}
	var obj map[string]any
	if err := json.NewDecoder(r.Body).Decode(&obj); err != nil || obj == nil {
		writeDetail(w, http.StatusBadRequest, "bad json request")
		return
	}
	delete(obj, "id")
	s.mu.Lock()
	created := c.insert(obj)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	c, name, id, ok := s.lookup(w, r)
	if !ok || !s.canWrite(w, r, name) {
		return
	}
	var obj map[string]any
	if err := json.NewDecoder(r.Body).Decode(&obj); err != nil || obj == nil {
		writeDetail(w, http.StatusBadRequest, "bad json request")
		return
	}
	s.mu.Lock()
	if _, found := c.items[id]; !found {
		s.mu.Unlock()
		writeDetail(w, http.StatusNotFound, name+" not found")
		return
	}
	obj["id"] = id
	c.items[id] = obj
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, obj)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	c, name, id, ok := s.lookup(w, r)
	if !ok || !s.canWrite(w, r, name) {
		return
	}
	s.mu.Lock()
	_, found := c.items[id]
	delete(c.items, id)
	s.mu.Unlock()
	if !found {
		writeDetail(w, http.StatusNotFound, name+" not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
