// Package guard decides which screens the current user may open. It only
// reads the session; it never talks to the backend.
package guard

import (
	"net/url"
	"path"
	"slices"
	"strings"

	"github.com/matthieugras/busadmin/internal/session"
)

const (
	LoginPath = "/login"
	HomePath  = "/"
)

// PublicPaths can be opened without a session
var PublicPaths = []string{"/login", "/register", "/forgot-password"}

// Identity is the read side of the credential store
type Identity interface {
	IsAuthenticated() bool
	Role() string
}

// Rule restricts every path under Prefix to Roles
type Rule struct {
	Prefix string
	Roles  []string
}

// DefaultRules matches the backend's permissions: fleet data is admin
// only, sales data is shared with secretaries, trips are visible to drivers.
func DefaultRules() []Rule {
	all := []string{session.RoleAdmin, session.RoleSecretary, session.RoleDriver}
	office := []string{session.RoleAdmin, session.RoleSecretary}
	return []Rule{
		{Prefix: "/buses", Roles: []string{session.RoleAdmin}},
		{Prefix: "/routes", Roles: []string{session.RoleAdmin}},
		{Prefix: "/drivers", Roles: []string{session.RoleAdmin}},
		{Prefix: "/clients", Roles: office},
		{Prefix: "/tickets", Roles: office},
		{Prefix: "/packages", Roles: office},
		{Prefix: "/dashboard", Roles: office},
		{Prefix: "/trips", Roles: all},
	}
}

// Decision is the outcome of Check. When Allow is false Redirect names
// where to go instead.
type Decision struct {
	Allow    bool
	Redirect string
	Reason   string
}

// Guard evaluates navigation requests
type Guard struct {
	identity Identity
	public   map[string]bool
	rules    []Rule
}

// New creates a guard. Rules are matched longest prefix first.
func New(identity Identity, rules []Rule) *Guard {
	public := make(map[string]bool, len(PublicPaths))
	for _, p := range PublicPaths {
		public[p] = true
	}
	sorted := slices.Clone(rules)
	slices.SortStableFunc(sorted, func(a, b Rule) int {
		return len(b.Prefix) - len(a.Prefix)
	})
	return &Guard{identity: identity, public: public, rules: sorted}
}

// Check decides whether the current identity may open p
func (g *Guard) Check(p string) Decision {
	p = cleanPath(p)
	authenticated := g.identity.IsAuthenticated()

	if g.public[p] {
		if authenticated {
			return Decision{Redirect: HomePath, Reason: "already signed in"}
		}
		return Decision{Allow: true}
	}

	if !authenticated {
		return Decision{
			Redirect: LoginPath + "?next=" + url.QueryEscape(p),
			Reason:   "sign in required",
		}
	}

	role := g.identity.Role()
	for _, rule := range g.rules {
		if !matches(p, rule.Prefix) {
			continue
		}
		if slices.Contains(rule.Roles, role) {
			return Decision{Allow: true}
		}
		return Decision{Redirect: HomePath, Reason: "role " + role + " cannot open " + rule.Prefix}
	}
	return Decision{Allow: true}
}

func matches(p, prefix string) bool {
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func cleanPath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return path.Clean("/" + p)
}
