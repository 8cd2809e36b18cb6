package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matthieugras/busadmin/internal/session"
)

// refreshServer answers /auth/refresh with status and body and records
// the decoded request payloads
func refreshServer(t *testing.T, status int, body string) (*HTTPExchanger, *[]map[string]string) {
	t.Helper()
	var payloads []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, RefreshPath, r.URL.Path)
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		payloads = append(payloads, payload)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	ex, err := NewHTTPExchanger(srv.Client(), srv.URL)
	require.NoError(t, err)
	return ex, &payloads
}

func TestExchangeBearerSession(t *testing.T) {
	ex, payloads := refreshServer(t, http.StatusOK,
		`{"access_token":"fresh","refresh_token":"refresh-2","token_type":"bearer","expires_in":900}`)

	token, err := ex.Exchange(context.Background(), "refresh-1")
	require.NoError(t, err)
	require.Equal(t, "fresh", token.AccessToken)
	require.Equal(t, "refresh-2", token.RefreshToken)
	require.False(t, token.Expiry.IsZero())
	require.Equal(t, []map[string]string{{"refresh_token": "refresh-1"}}, *payloads)
}

func TestExchangeBearerSessionWithoutAccessToken(t *testing.T) {
	ex, _ := refreshServer(t, http.StatusOK, `{"token_type":"bearer"}`)

	_, err := ex.Exchange(context.Background(), "refresh-1")
	require.ErrorIs(t, err, ErrMissingAccessToken)
	var refreshErr *RefreshError
	require.ErrorAs(t, err, &refreshErr)
	require.Equal(t, http.StatusOK, refreshErr.StatusCode)
}

func TestExchangeCookieSessionWithoutAccessToken(t *testing.T) {
	ex, payloads := refreshServer(t, http.StatusOK, `{"token_type":"bearer"}`)

	token, err := ex.Exchange(context.Background(), session.CookieToken)
	require.NoError(t, err)
	require.Empty(t, token.AccessToken)
	// the cookie sentinel is never sent
	require.Equal(t, []map[string]string{{}}, *payloads)
}

func TestExchangeRejected(t *testing.T) {
	ex, _ := refreshServer(t, http.StatusUnauthorized, `{"detail":"Refresh token expired"}`)

	_, err := ex.Exchange(context.Background(), "refresh-1")
	var refreshErr *RefreshError
	require.ErrorAs(t, err, &refreshErr)
	require.Equal(t, http.StatusUnauthorized, refreshErr.StatusCode)
	require.Equal(t, "Refresh token expired", refreshErr.Message)
}

func TestEmptyAccessTokenEndsBearerSession(t *testing.T) {
	ex, _ := refreshServer(t, http.StatusOK, `{}`)
	store := storeWithSession(t, "stale", "refresh-1")
	c := NewCoordinator(store, ex, CoordinatorConfig{})

	_, err := c.Refresh(context.Background(), store.Credentials())
	require.ErrorIs(t, err, ErrMissingAccessToken)
	require.False(t, store.IsAuthenticated())
	require.Empty(t, store.AccessToken())
}
