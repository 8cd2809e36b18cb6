package fakeapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	accessCookie  = "access_token"
	refreshCookie = "refresh_token"
)

type accessClaims struct {
	Role  string `json:"role"`
	Epoch int    `json:"epoch"`
	jwt.RegisteredClaims
}

type ctxKey struct{}

// issuedTokens is one access/refresh pair
type issuedTokens struct {
	Access  string
	Refresh string
	TTL     time.Duration
}

// issueLocked must be called with s.mu held
func (s *Server) issueLocked(acct *account) (issuedTokens, error) {
	now := time.Now()
	claims := accessClaims{
		Role:  acct.profile.Role,
		Epoch: s.epoch,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acct.profile.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.AccessTTL)),
			ID:        uuid.NewString(),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.opts.Secret)
	if err != nil {
		return issuedTokens{}, err
	}

	refresh := uuid.NewString()
	s.refresh[refresh] = acct.profile.Username
	return issuedTokens{Access: access, Refresh: refresh, TTL: s.opts.AccessTTL}, nil
}

var errStaleToken = errors.New("token has been revoked")

// authenticate validates a raw access token and returns its account
func (s *Server) authenticate(raw string) (*account, error) {
	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.opts.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if claims.Epoch != s.epoch {
		return nil, errStaleToken
	}
	acct, ok := s.accounts[claims.Subject]
	if !ok {
		return nil, errors.New("unknown subject")
	}
	return acct, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(accessCookie); err == nil {
		return c.Value
	}
	return ""
}

// requireBearer rejects requests without a valid access token
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeDetail(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		acct, err := s.authenticate(raw)
		if err != nil {
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, acct)))
	})
}

func accountFrom(r *http.Request) *account {
	acct, _ := r.Context().Value(ctxKey{}).(*account)
	return acct
}

func (s *Server) setTokenCookies(w http.ResponseWriter, t issuedTokens) {
	http.SetCookie(w, &http.Cookie{Name: accessCookie, Value: t.Access, Path: "/", HttpOnly: true, MaxAge: int(t.TTL.Seconds())})
	http.SetCookie(w, &http.Cookie{Name: refreshCookie, Value: t.Refresh, Path: "/auth", HttpOnly: true})
}

func clearTokenCookies(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: accessCookie, Value: "", Path: "/", HttpOnly: true, MaxAge: -1})
	http.SetCookie(w, &http.Cookie{Name: refreshCookie, Value: "", Path: "/auth", HttpOnly: true, MaxAge: -1})
}
