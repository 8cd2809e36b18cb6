// Package auth obtains and renews credentials: the login and logout calls,
// and the refresh coordinator that makes sure concurrent 401s share a
// single token exchange.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/matthieugras/busadmin/internal/api"
	"github.com/matthieugras/busadmin/internal/session"
)

// RefreshPath is the refresh endpoint, relative to the API base URL
const RefreshPath = "/auth/refresh"

var (
	// ErrNoRefreshToken is returned when the session holds nothing to exchange
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrRefreshTimeout is returned when the exchange did not finish in time
	ErrRefreshTimeout = errors.New("refresh timed out")

	// ErrMissingAccessToken is returned when a bearer session's refresh
	// succeeds without an access token
	ErrMissingAccessToken = errors.New("refresh response has no access token")
)

// Exchanger trades a refresh token for a new token pair. The returned
// token may omit RefreshToken, in which case the old one stays in use.
type Exchanger interface {
	Exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// RefreshError is a failed refresh. Every waiter of one refresh episode
// receives the same value.
type RefreshError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *RefreshError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("token refresh failed (status %d): %s", e.StatusCode, msg)
	}
	return "token refresh failed: " + msg
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// tokenResponse is the body returned by the login and refresh endpoints
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

func (t tokenResponse) token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
	}
	if t.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return tok
}

// HTTPExchanger calls the refresh endpoint directly, outside the request
// pipeline, so a 401 from it can never start another refresh.
type HTTPExchanger struct {
	httpClient *http.Client
	refreshURL string
	userAgent  string
}

// NewHTTPExchanger creates an exchanger for the API at baseURL.
// If httpClient is nil, a default client with 30s timeout is created.
// Pass the same client the API client uses so cookies are shared.
func NewHTTPExchanger(httpClient *http.Client, baseURL string) (*HTTPExchanger, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	return &HTTPExchanger{
		httpClient: httpClient,
		refreshURL: u.JoinPath(RefreshPath).String(),
		userAgent:  api.DefaultUserAgent,
	}, nil
}

// Exchange implements Exchanger.
// With cookie transport the refresh token lives in a cookie and the body is empty.
func (e *HTTPExchanger) Exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	payload := map[string]string{}
	if session.IsBearer(refreshToken) {
		payload["refresh_token"] = refreshToken
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.refreshURL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &RefreshError{Message: "failed to execute refresh request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RefreshError{StatusCode: resp.StatusCode, Message: "failed to read refresh response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &RefreshError{
			StatusCode: resp.StatusCode,
			Message:    api.MessageFromBody(body, resp.StatusCode),
		}
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, &RefreshError{StatusCode: resp.StatusCode, Message: "failed to parse refresh response", Err: err}
	}
	// Only cookie sessions may come back without a token in the body
	if session.IsBearer(refreshToken) && tokenResp.AccessToken == "" {
		return nil, &RefreshError{StatusCode: resp.StatusCode, Message: "refresh response has no access token", Err: ErrMissingAccessToken}
	}
	return tokenResp.token(), nil
}
