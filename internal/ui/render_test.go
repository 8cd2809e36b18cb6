package ui

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/matthieugras/busadmin/internal/api"
	"github.com/matthieugras/busadmin/internal/auth"
	"github.com/matthieugras/busadmin/internal/session"
	"github.com/matthieugras/busadmin/internal/worker"
)

func TestRenderSession(t *testing.T) {
	out := RenderSession(session.Session{}, session.StateAnonymous)
	assert.Contains(t, out, "Not logged in")

	out = RenderSession(session.Session{
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(10 * time.Minute),
		User: &session.UserProfile{
			Username: "ana",
			Role:     session.RoleSecretary,
			Person:   &session.PersonRecord{FirstName: "Ana", LastName: "Quispe"},
		},
	}, session.StateAuthenticated)
	assert.Contains(t, out, "Ana Quispe")
	assert.Contains(t, out, "secretary")
	assert.Contains(t, out, "authenticated")
	assert.Contains(t, out, "Expires:   in")

	out = RenderSession(session.Session{
		AccessToken: session.CookieToken,
		User:        &session.UserProfile{Username: "ana", Role: session.RoleAdmin},
	}, session.StateAuthenticated)
	assert.Contains(t, out, "http-only cookie")
	assert.NotContains(t, out, session.CookieToken)
}

func TestRenderCounts(t *testing.T) {
	out := RenderCounts([]worker.JobResult{
		{Name: "clients", Count: 12},
		{Name: "buses", Error: &api.Error{Kind: api.KindHTTP, StatusCode: 500, Message: "boom"}},
		{Name: "trips", Skipped: true},
	}, 1500*time.Millisecond)

	assert.Contains(t, out, "clients")
	assert.Contains(t, out, "12")
	assert.Contains(t, out, "boom")
	assert.Contains(t, out, "skipped")
	assert.Contains(t, out, "Collections: 3")
}

func TestRenderTable(t *testing.T) {
	assert.Contains(t, RenderTable(nil), "No items")

	items := []json.RawMessage{
		json.RawMessage(`{"id":2,"last_name":"Flores","first_name":"Rosa"}`),
		json.RawMessage(`{"id":10,"first_name":"Luis","email":"luis@buslines.test"}`),
	}
	out := RenderTable(items)
	lines := strings.Split(out, "\n")

	header := lines[0]
	assert.Less(t, strings.Index(header, "id"), strings.Index(header, "email"))
	assert.Less(t, strings.Index(header, "email"), strings.Index(header, "first_name"))
	assert.Contains(t, out, "Rosa")
	assert.Contains(t, out, "luis@buslines.test")
	assert.Contains(t, out, "2 items")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdef...", truncate("abcdefghijklmnop", 9))
	assert.Equal(t, "ñandú", truncate("ñandú", 5))
}

func TestErrorText(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"terminal auth", &api.Error{Kind: api.KindTerminalAuth, StatusCode: 401}, "session expired, please log in again"},
		{"wrapped terminal", fmt.Errorf("count: %w", &api.Error{Kind: api.KindTerminalAuth}), "session expired"},
		{"refresh", &auth.RefreshError{StatusCode: 401, Message: "token revoked"}, "token revoked"},
		{"anonymous", session.ErrNotAuthenticated, "not logged in"},
		{"other", errors.New("disk full"), "disk full"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, errorText(tt.err), tt.want)
		})
	}
}
