package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/matthieugras/busadmin/internal/logging"
	"github.com/matthieugras/busadmin/internal/session"
)

// DefaultUserAgent identifies the client to the backend
const DefaultUserAgent = "busadmin/0.1"

// Endpoints that issue or revoke credentials. A 401 from any of them is
// final and never triggers a refresh.
var authEndpoints = map[string]bool{
	"/auth/login":        true,
	"/auth/logout":       true,
	"/auth/register":     true,
	"/auth/refresh":      true,
	"/auth/verify-token": true,
}

// IsAuthEndpoint reports whether p (relative to the base URL) is one of
// the credential endpoints.
func IsAuthEndpoint(p string) bool {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return false
	}
	p = path.Clean("/" + strings.TrimPrefix(p, "/"))
	return authEndpoints[p]
}

// Credentials is the part of the credential store the client needs: the
// current token with its session generation and refresh count, and a way
// to end that session.
type Credentials interface {
	Credentials() session.Credentials
	Expire(generation uint64) bool
}

// Refresher obtains a new access token after a 401. stale is what the
// failed request was built with.
type Refresher interface {
	Refresh(ctx context.Context, stale session.Credentials) (string, error)
}

// Client is the authenticated API client. Every request goes through
// augment → send → (401) refresh → augment → send, at most once.
type Client struct {
	httpClient  *http.Client
	baseURL     *url.URL
	credentials Credentials
	refresher   Refresher
	userAgent   string
}

// NewClient creates a new API client.
// If httpClient is nil, a default client with 30s timeout is created.
// If refresher is nil, every 401 is terminal.
func NewClient(httpClient *http.Client, baseURL string, credentials Credentials, refresher Refresher) (*Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", baseURL)
	}
	return &Client{
		httpClient:  httpClient,
		baseURL:     u,
		credentials: credentials,
		refresher:   refresher,
		userAgent:   DefaultUserAgent,
	}, nil
}

// BaseURL returns the base URL all request paths are relative to
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// attempt is one prepared network call and the credentials it was built with
type attempt struct {
	req   *http.Request
	creds session.Credentials
}

// augment builds a fresh *http.Request for r with the current credentials.
// It does not touch any state and is safe to call again for the retry.
func (c *Client) augment(ctx context.Context, r Request) (attempt, error) {
	creds := c.credentials.Credentials()

	u := c.baseURL.JoinPath(r.Path)
	if len(r.Query) > 0 {
		u.RawQuery = r.Query.Encode()
	}

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, u.String(), body)
	if err != nil {
		return attempt{}, fmt.Errorf("failed to create request: %w", err)
	}

	if r.Header != nil {
		req.Header = r.Header.Clone()
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	req.Header.Set("User-Agent", c.userAgent)
	if r.ID != "" {
		req.Header.Set("X-Request-ID", r.ID)
	}

	req.Header.Del("Authorization")
	if session.IsBearer(creds.AccessToken) {
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	}

	return attempt{req: req, creds: creds}, nil
}

// send augments and performs one network call
func (c *Client) send(ctx context.Context, r Request) (*http.Response, attempt, error) {
	a, err := c.augment(ctx, r)
	if err != nil {
		return nil, attempt{}, &Error{Kind: KindNetwork, Method: r.Method, Path: r.Path, Err: err}
	}

	logging.Debug("API Request: %s %s [%s]", r.Method, a.req.URL.Redacted(), r.ID)
	resp, err := c.httpClient.Do(a.req)
	if err != nil {
		logging.Error("Request failed: %s %s - %v", r.Method, a.req.URL.Redacted(), err)
		return nil, a, &Error{Kind: KindNetwork, Method: r.Method, Path: r.Path, Message: "request failed", Err: err}
	}
	logging.Debug("API Response: %s %s -> %d [%s]", r.Method, a.req.URL.Redacted(), resp.StatusCode, r.ID)
	return resp, a, nil
}

// Do performs r. A 2xx response is returned with its body unread. Any
// other outcome is an *Error. A 401 on a non-auth endpoint triggers one
// refresh and one retry; a 401 on the retry is terminal.
func (c *Client) Do(ctx context.Context, r Request) (*http.Response, error) {
	resp, first, err := c.send(ctx, r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return checkStatus(r, resp)
	}

	unauthorized := newResponseError(KindTerminalAuth, r, resp)
	if IsAuthEndpoint(r.Path) || first.creds.AccessToken == "" || c.refresher == nil {
		return nil, unauthorized
	}

	logging.Info("Got 401 on %s %s, refreshing session", r.Method, r.Path)
	if _, err := c.refresher.Refresh(ctx, first.creds); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, &Error{Kind: KindNetwork, Method: r.Method, Path: r.Path, Message: "cancelled while refreshing session", Err: ctxErr}
		}
		unauthorized.Err = err
		return nil, unauthorized
	}

	resp, retry, err := c.send(ctx, r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		final := newResponseError(KindTerminalAuth, r, resp)
		final.Message = "authentication failed after refresh: " + final.Message
		c.credentials.Expire(retry.creds.Generation)
		return nil, final
	}
	return checkStatus(r, resp)
}

// checkStatus passes 2xx through and turns anything else into an Error
func checkStatus(r Request, resp *http.Response) (*http.Response, error) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	return nil, newResponseError(KindHTTP, r, resp)
}

// DoJSON performs r and decodes the response body into out. out may be
// nil to discard the body.
func (c *Client) DoJSON(ctx context.Context, r Request, out any) error {
	resp, err := c.Do(ctx, r)
	if err != nil {
		return err
	}
	return parseJSONResponse(resp, out)
}

// Get issues a GET for path and decodes the JSON response into out
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.DoJSON(ctx, NewRequest(http.MethodGet, path).WithQuery(query), out)
}

// Send issues method on path with a JSON body and decodes the response into out
func (c *Client) Send(ctx context.Context, method, path string, body, out any) error {
	req := NewRequest(method, path)
	if body != nil {
		var err error
		if req, err = req.WithJSON(body); err != nil {
			return err
		}
	}
	return c.DoJSON(ctx, req, out)
}

// parseJSONResponse reads and parses a JSON response
func parseJSONResponse(resp *http.Response, v any) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if v == nil || len(bytes.TrimSpace(body)) == 0 || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.Unmarshal(body, v); err != nil {
		logging.Error("Failed to parse JSON response from %s (status %d)", requestURL(resp), resp.StatusCode)
		logging.Error("Response body (first 2000 chars): %s", truncateString(string(body), 2000))
		return fmt.Errorf("failed to parse response: %w", err)
	}

	return nil
}

func requestURL(resp *http.Response) string {
	if resp.Request == nil || resp.Request.URL == nil {
		return "<unknown>"
	}
	return resp.Request.URL.Redacted()
}
