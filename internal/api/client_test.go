package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matthieugras/busadmin/internal/session"
)

// mockRoundTripper intercepts HTTP requests and returns mock responses
type mockRoundTripper struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
	handler  func(req *http.Request) (*http.Response, error)
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		body = string(data)
	}
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.bodies = append(m.bodies, body)
	m.mu.Unlock()
	return m.handler(req)
}

func (m *mockRoundTripper) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// mockCredentials implements Credentials for testing
type mockCredentials struct {
	mu         sync.Mutex
	token      string
	generation uint64
	expired    []uint64
}

func (m *mockCredentials) Credentials() session.Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return session.Credentials{AccessToken: m.token, Generation: m.generation}
}

func (m *mockCredentials) Expire(generation uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired = append(m.expired, generation)
	if generation != m.generation {
		return false
	}
	m.token = ""
	m.generation++
	return true
}

func (m *mockCredentials) set(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

// mockRefresher rotates the credentials to newToken, or fails with err
type mockRefresher struct {
	mu       sync.Mutex
	creds    *mockCredentials
	newToken string
	err      error
	stale    []string
}

func (m *mockRefresher) Refresh(ctx context.Context, stale session.Credentials) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stale = append(m.stale, stale.AccessToken)
	if m.err != nil {
		return "", m.err
	}
	m.creds.set(m.newToken)
	return m.newToken, nil
}

func (m *mockRefresher) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stale)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// createTestClient creates a client with mock HTTP transport
func createTestClient(t *testing.T, token string, handler func(req *http.Request) (*http.Response, error)) (*Client, *mockRoundTripper, *mockCredentials, *mockRefresher) {
	t.Helper()
	rt := &mockRoundTripper{handler: handler}
	creds := &mockCredentials{token: token, generation: 1}
	refresher := &mockRefresher{creds: creds, newToken: "new-token"}
	httpClient := &http.Client{Transport: rt, Timeout: 10 * time.Second}
	client, err := NewClient(httpClient, "http://bus.test/api", creds, refresher)
	require.NoError(t, err)
	return client, rt, creds, refresher
}

// bearerGate answers 200 for "Bearer good" and 401 for anything else
func bearerGate(good string) func(req *http.Request) (*http.Response, error) {
	return func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("Authorization") == "Bearer "+good {
			return jsonResponse(http.StatusOK, `{"ok":true}`), nil
		}
		return jsonResponse(http.StatusUnauthorized, `{"detail":"Could not validate credentials"}`), nil
	}
}

func TestNewClientRejectsBadBaseURL(t *testing.T) {
	_, err := NewClient(nil, "ftp://bus.test", &mockCredentials{}, nil)
	require.Error(t, err)
	_, err = NewClient(nil, "://bad", &mockCredentials{}, nil)
	require.Error(t, err)
}

func TestAugmentAuthorizationHeader(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  string
	}{
		{name: "bearer token", token: "abc", want: "Bearer abc"},
		{name: "anonymous", token: "", want: ""},
		{name: "cookie transport", token: session.CookieToken, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _, _, _ := createTestClient(t, tt.token, nil)
			req := NewRequest(http.MethodGet, "/clients")
			req.Header.Set("Authorization", "Bearer stale")

			a, err := client.augment(context.Background(), req)
			require.NoError(t, err)
			require.Equal(t, tt.want, a.req.Header.Get("Authorization"))
			require.NotContains(t, a.req.Header.Get("Authorization"), "null")
			// the descriptor itself is untouched
			require.Equal(t, "Bearer stale", req.Header.Get("Authorization"))
		})
	}
}

func TestAugmentBuildsURL(t *testing.T) {
	client, _, _, _ := createTestClient(t, "abc", nil)
	req := NewRequest(http.MethodGet, "/tickets/4").WithQuery(map[string][]string{"state": {"sold"}})

	a, err := client.augment(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "http://bus.test/api/tickets/4?state=sold", a.req.URL.String())
	require.Equal(t, req.ID, a.req.Header.Get("X-Request-ID"))
	require.Equal(t, "application/json", a.req.Header.Get("Accept"))
	require.Equal(t, DefaultUserAgent, a.req.Header.Get("User-Agent"))
}

func TestNon401ResponsesPassThrough(t *testing.T) {
	client, rt, creds, refresher := createTestClient(t, "abc", func(req *http.Request) (*http.Response, error) {
		switch req.URL.Path {
		case "/api/clients":
			return jsonResponse(http.StatusOK, `[{"id":1}]`), nil
		case "/api/missing":
			return jsonResponse(http.StatusNotFound, `{"detail":"Client not found"}`), nil
		default:
			return jsonResponse(http.StatusForbidden, `{"detail":"Not enough permissions"}`), nil
		}
	})
	ctx := context.Background()

	resp, err := client.Do(ctx, NewRequest(http.MethodGet, "/clients"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	_, err = client.Do(ctx, NewRequest(http.MethodGet, "/missing"))
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, KindHTTP, apiErr.Kind)
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	require.Equal(t, "Client not found", apiErr.Message)

	_, err = client.Do(ctx, NewRequest(http.MethodGet, "/admin"))
	require.ErrorIs(t, err, ErrHTTP)
	require.Equal(t, http.StatusForbidden, StatusCode(err))

	require.Equal(t, 3, rt.calls())
	require.Zero(t, refresher.calls())
	require.Empty(t, creds.expired)
}

func TestNetworkErrorIsNotReinterpreted(t *testing.T) {
	boom := errors.New("connection refused")
	client, _, creds, refresher := createTestClient(t, "abc", func(req *http.Request) (*http.Response, error) {
		return nil, boom
	})

	_, err := client.Do(context.Background(), NewRequest(http.MethodGet, "/clients"))
	require.ErrorIs(t, err, ErrNetwork)
	require.ErrorIs(t, err, boom)
	require.False(t, IsKind(err, KindTerminalAuth))
	require.Zero(t, refresher.calls())
	require.Empty(t, creds.expired)
}

func TestAuthEndpoint401NeverRefreshes(t *testing.T) {
	for _, p := range []string{"/auth/login", "/auth/refresh", "/auth/logout", "/auth/register", "/auth/verify-token"} {
		t.Run(p, func(t *testing.T) {
			client, rt, _, refresher := createTestClient(t, "old-token", bearerGate("never"))

			_, err := client.Do(context.Background(), NewRequest(http.MethodPost, p))
			require.ErrorIs(t, err, ErrTerminalAuth)
			require.Equal(t, 1, rt.calls())
			require.Zero(t, refresher.calls())
		})
	}
}

func TestRetryAfterRefreshUsesNewToken(t *testing.T) {
	client, rt, creds, refresher := createTestClient(t, "old-token", bearerGate("new-token"))

	req, err := NewRequest(http.MethodPost, "/tickets").WithJSON(Ticket{ClientID: 1, TripID: 2, SeatNumber: 14})
	require.NoError(t, err)

	var out map[string]bool
	require.NoError(t, client.DoJSON(context.Background(), req, &out))
	require.True(t, out["ok"])

	require.Equal(t, 2, rt.calls())
	require.Equal(t, 1, refresher.calls())
	require.Equal(t, []string{"old-token"}, refresher.stale)

	first, retry := rt.requests[0], rt.requests[1]
	require.Equal(t, "Bearer old-token", first.Header.Get("Authorization"))
	require.Equal(t, "Bearer new-token", retry.Header.Get("Authorization"))
	require.NotEqual(t, first.Header.Get("Authorization"), retry.Header.Get("Authorization"))
	require.Equal(t, first.Header.Get("X-Request-ID"), retry.Header.Get("X-Request-ID"))
	require.Equal(t, rt.bodies[0], rt.bodies[1])
	require.Contains(t, rt.bodies[1], `"seat_number":14`)
	require.Empty(t, creds.expired)
}

func TestSecond401AfterRefreshIsTerminal(t *testing.T) {
	client, rt, creds, refresher := createTestClient(t, "old-token", bearerGate("nobody"))

	_, err := client.Do(context.Background(), NewRequest(http.MethodGet, "/buses"))
	require.ErrorIs(t, err, ErrTerminalAuth)
	require.Contains(t, err.Error(), "after refresh")

	// one refresh, exactly one retry, no loop
	require.Equal(t, 2, rt.calls())
	require.Equal(t, 1, refresher.calls())
	require.Equal(t, []uint64{1}, creds.expired)

	require.Empty(t, creds.Credentials().AccessToken)
}

func TestRefreshFailureIsTerminal(t *testing.T) {
	refreshErr := errors.New("refresh token revoked")
	client, rt, _, refresher := createTestClient(t, "old-token", bearerGate("new-token"))
	refresher.err = refreshErr

	_, err := client.Do(context.Background(), NewRequest(http.MethodGet, "/routes"))
	require.ErrorIs(t, err, ErrTerminalAuth)
	require.ErrorIs(t, err, refreshErr)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.True(t, apiErr.Fatal())
	require.Equal(t, "Could not validate credentials", apiErr.Message)
	require.Equal(t, 1, rt.calls())
}

// cancellingRefresher cancels the caller's context while the refresh is pending
type cancellingRefresher struct {
	cancel context.CancelFunc
}

func (c *cancellingRefresher) Refresh(ctx context.Context, stale session.Credentials) (string, error) {
	c.cancel()
	<-ctx.Done()
	return "", ctx.Err()
}

func TestRefreshCancelledByCallerIsNotTerminal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt := &mockRoundTripper{handler: bearerGate("new-token")}
	creds := &mockCredentials{token: "old-token", generation: 1}
	client, err := NewClient(&http.Client{Transport: rt}, "http://bus.test/api", creds, &cancellingRefresher{cancel: cancel})
	require.NoError(t, err)

	_, err = client.Do(ctx, NewRequest(http.MethodGet, "/routes"))
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, ErrNetwork)
	require.False(t, IsKind(err, KindTerminalAuth))
	require.Empty(t, creds.expired)
}

func TestAnonymous401DoesNotRefresh(t *testing.T) {
	client, rt, _, refresher := createTestClient(t, "", bearerGate("new-token"))

	_, err := client.Do(context.Background(), NewRequest(http.MethodGet, "/drivers"))
	require.ErrorIs(t, err, ErrTerminalAuth)
	require.Equal(t, 1, rt.calls())
	require.Zero(t, refresher.calls())
}

func TestIsAuthEndpoint(t *testing.T) {
	tests := map[string]bool{
		"/auth/login":          true,
		"auth/login":           true,
		"/auth/refresh/":       true,
		"/auth/logout?all=1":   true,
		"/auth/register":       true,
		"/auth/verify-token":   true,
		"/auth/../auth/login":  true,
		"/clients":             false,
		"/auth/login-history":  false,
		"/users/me":            false,
		"":                     false,
		"/clients/auth/login":  false,
	}
	for p, want := range tests {
		require.Equal(t, want, IsAuthEndpoint(p), p)
	}
}

func TestMessageFromBody(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		want   string
	}{
		{name: "detail string", body: `{"detail":"Incorrect username or password"}`, status: 401, want: "Incorrect username or password"},
		{name: "detail list", body: `{"detail":[{"loc":["body","seat"],"msg":"field required"},{"msg":"value is not a valid integer"}]}`, status: 422, want: "field required; value is not a valid integer"},
		{name: "message", body: `{"message":"Bus is in maintenance"}`, status: 409, want: "Bus is in maintenance"},
		{name: "oauth error", body: `{"error":"invalid_grant","error_description":"Refresh token expired"}`, status: 400, want: "Refresh token expired"},
		{name: "detail wins", body: `{"detail":"first","message":"second"}`, status: 400, want: "first"},
		{name: "plain text", body: "upstream timeout", status: 504, want: "upstream timeout"},
		{name: "html", body: "<html>bad gateway</html>", status: 502, want: "Bad Gateway"},
		{name: "empty", body: "", status: 500, want: "Internal Server Error"},
		{name: "empty json", body: "{}", status: 404, want: "Not Found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, MessageFromBody([]byte(tt.body), tt.status))
		})
	}
}
