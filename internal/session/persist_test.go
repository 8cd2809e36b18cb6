package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestPersistRoundTrip(t *testing.T) {
	slots := NewMemorySlots()
	user := UserProfile{
		ID:        3,
		Role:      RoleSecretary,
		Username:  "luis",
		FirstName: "Legacy",
		LastName:  "Flat",
		Person:    &PersonRecord{FirstName: "Luis", LastName: "Mamani"},
	}
	s := Session{AccessToken: "a", RefreshToken: "r", User: &user}
	require.NoError(t, SaveSession(slots, s))

	restored, err := LoadSession(slots)
	require.NoError(t, err)
	require.NotNil(t, restored.User)
	require.Equal(t, "a", restored.AccessToken)
	require.Equal(t, "r", restored.RefreshToken)
	require.Equal(t, "Luis Mamani", restored.User.DisplayName)
	require.Equal(t, "Luis", restored.User.FirstName)
	require.Equal(t, "Mamani", restored.User.LastName)
	require.Equal(t, user.Person, restored.User.Person)
}

func TestLoadSessionTreatsJunkAsNoSession(t *testing.T) {
	tests := []struct {
		name  string
		slots map[string]string
	}{
		{name: "empty", slots: map[string]string{}},
		{name: "undefined user", slots: map[string]string{SlotUser: "undefined", SlotAccessToken: "a"}},
		{name: "null user", slots: map[string]string{SlotUser: "null", SlotAccessToken: "a"}},
		{name: "blank user", slots: map[string]string{SlotUser: "  ", SlotAccessToken: "a"}},
		{name: "malformed user", slots: map[string]string{SlotUser: "{id: 3", SlotAccessToken: "a"}},
		{name: "user without identity", slots: map[string]string{SlotUser: "{}", SlotAccessToken: "a"}},
		{name: "token only", slots: map[string]string{SlotAccessToken: "a", SlotRefreshToken: "r"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slots := NewMemorySlots()
			for k, v := range tt.slots {
				require.NoError(t, slots.Set(k, v))
			}
			s, err := LoadSession(slots)
			require.NoError(t, err)
			require.True(t, s.IsZero())
		})
	}
}

func TestLoadSessionUserWithoutTokenIsCookieSession(t *testing.T) {
	slots := NewMemorySlots()
	require.NoError(t, slots.Set(SlotUser, `{"id":1,"role":"admin","username":"root"}`))
	require.NoError(t, slots.Set(SlotAccessToken, "undefined"))

	s, err := LoadSession(slots)
	require.NoError(t, err)
	require.Equal(t, CookieToken, s.AccessToken)
	require.Equal(t, CookieToken, s.RefreshToken)
	require.Equal(t, "root", s.User.DisplayName)
}

func TestSaveSessionNeverPersistsCookieSentinel(t *testing.T) {
	slots := NewMemorySlots()
	user := UserProfile{ID: 1, Username: "root"}
	require.NoError(t, SaveSession(slots, Session{AccessToken: CookieToken, RefreshToken: CookieToken, User: &user}))

	_, ok, _ := slots.Get(SlotAccessToken)
	require.False(t, ok)
	_, ok, _ = slots.Get(SlotRefreshToken)
	require.False(t, ok)
}

func TestExpiryFromToken(t *testing.T) {
	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ana",
		"exp": exp.Unix(),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	require.True(t, ExpiryFromToken(raw).Equal(exp))
	require.True(t, ExpiryFromToken("opaque-token").IsZero())
	require.True(t, ExpiryFromToken(CookieToken).IsZero())
	require.True(t, ExpiryFromToken("").IsZero())
}

func TestFileSlots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	slots := NewFileSlots(path)

	_, ok, err := slots.Get(SlotUser)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, slots.Set(SlotAccessToken, "a"))
	v, ok, err := NewFileSlots(path).Get(SlotAccessToken)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", v)

	require.NoError(t, slots.Delete(SlotAccessToken))
	_, ok, err = slots.Get(SlotAccessToken)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteSlots(t *testing.T) {
	slots, err := OpenSQLiteSlots(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	defer slots.Close()

	user := UserProfile{ID: 9, Role: RoleAdmin, Username: "root"}
	require.NoError(t, SaveSession(slots, Session{AccessToken: "a", RefreshToken: "r", User: &user}))
	require.NoError(t, SaveSession(slots, Session{AccessToken: "a2", RefreshToken: "r", User: &user}))

	s, err := LoadSession(slots)
	require.NoError(t, err)
	require.Equal(t, "a2", s.AccessToken)
	require.Equal(t, RoleAdmin, s.User.Role)

	require.NoError(t, ClearSession(slots))
	s, err = LoadSession(slots)
	require.NoError(t, err)
	require.True(t, s.IsZero())
}

// countingSlots records how each backend method is called
type countingSlots struct {
	*MemorySlots
	sets, deletes, updates int
}

func (c *countingSlots) Set(name, value string) error {
	c.sets++
	return c.MemorySlots.Set(name, value)
}

func (c *countingSlots) Delete(name string) error {
	c.deletes++
	return c.MemorySlots.Delete(name)
}

func (c *countingSlots) Update(set map[string]string, del []string) error {
	c.updates++
	return c.MemorySlots.Update(set, del)
}

func TestSaveSessionWritesOnce(t *testing.T) {
	slots := &countingSlots{MemorySlots: NewMemorySlots()}
	user := UserProfile{ID: 3, Role: RoleSecretary, Username: "ana"}

	require.NoError(t, SaveSession(slots, Session{AccessToken: "a", RefreshToken: "r", User: &user}))
	require.Equal(t, 1, slots.updates)
	require.Zero(t, slots.sets)
	require.Zero(t, slots.deletes)

	// Switching to a cookie session drops both token slots in the same write
	require.NoError(t, SaveSession(slots, Session{AccessToken: CookieToken, RefreshToken: CookieToken, User: &user}))
	require.Equal(t, 2, slots.updates)
	_, ok, _ := slots.Get(SlotAccessToken)
	require.False(t, ok)
	_, ok, _ = slots.Get(SlotRefreshToken)
	require.False(t, ok)

	require.NoError(t, ClearSession(slots))
	require.Equal(t, 3, slots.updates)
	require.Zero(t, slots.sets)
	require.Zero(t, slots.deletes)
	_, ok, _ = slots.Get(SlotUser)
	require.False(t, ok)
}

func TestFileSlotsUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	slots := NewFileSlots(path)
	require.NoError(t, slots.Set(SlotRefreshToken, "r"))

	require.NoError(t, slots.Update(map[string]string{SlotAccessToken: "a", SlotUser: `{"id":1}`}, []string{SlotRefreshToken}))

	other := NewFileSlots(path)
	v, ok, err := other.Get(SlotAccessToken)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", v)
	_, ok, err = other.Get(SlotRefreshToken)
	require.NoError(t, err)
	require.False(t, ok)

	// No change means no rewrite
	before, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(path, before.ModTime().Add(-time.Hour), before.ModTime().Add(-time.Hour)))
	require.NoError(t, slots.Update(map[string]string{SlotAccessToken: "a"}, []string{SlotRefreshToken}))
	after, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, before.ModTime().Add(-time.Hour).Unix(), after.ModTime().Unix())
}
