package session

import "strings"

// Known roles issued by the backend.
const (
	RoleAdmin     = "admin"
	RoleSecretary = "secretary"
	RoleDriver    = "driver"
)

// PersonRecord is the person entry linked to a user account. When present
// it is the source of truth for names.
type PersonRecord struct {
	ID         int    `json:"id,omitempty"`
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	Phone      string `json:"phone,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
}

// FullName returns "first last", skipping empty parts
func (p *PersonRecord) FullName() string {
	if p == nil {
		return ""
	}
	return joinName(p.FirstName, p.LastName)
}

// UserProfile is the authenticated user as reported by the backend.
// FirstName/LastName are the legacy flat fields; Person wins over them.
type UserProfile struct {
	ID          int           `json:"id,omitempty"`
	Role        string        `json:"role,omitempty"`
	DisplayName string        `json:"display_name,omitempty"`
	Email       string        `json:"email,omitempty"`
	Username    string        `json:"username,omitempty"`
	FirstName   string        `json:"first_name,omitempty"`
	LastName    string        `json:"last_name,omitempty"`
	Person      *PersonRecord `json:"person,omitempty"`
}

// HasIdentity reports whether the profile identifies anybody at all.
func (u UserProfile) HasIdentity() bool {
	return u.ID != 0 || u.Username != "" || u.Email != ""
}

// Clone returns a deep copy
func (u UserProfile) Clone() UserProfile {
	if u.Person != nil {
		p := *u.Person
		u.Person = &p
	}
	return u
}

// Normalize returns a copy whose legacy name fields and display name are
// derived from Person when present.
func (u UserProfile) Normalize() UserProfile {
	out := u.Clone()
	if out.Person != nil {
		out.FirstName = out.Person.FirstName
		out.LastName = out.Person.LastName
	}

	switch {
	case out.Person.FullName() != "":
		out.DisplayName = out.Person.FullName()
	case joinName(out.FirstName, out.LastName) != "":
		out.DisplayName = joinName(out.FirstName, out.LastName)
	case out.DisplayName != "":
	case out.Username != "":
		out.DisplayName = out.Username
	default:
		out.DisplayName = out.Email
	}
	return out
}

// Merge overlays the non-empty fields of update onto u. Legacy name fields
// of update are ignored once either side carries a person record, so an
// older flat payload cannot overwrite person data.
func (u UserProfile) Merge(update UserProfile) UserProfile {
	out := u.Clone()
	if update.ID != 0 {
		out.ID = update.ID
	}
	if update.Role != "" {
		out.Role = update.Role
	}
	if update.Email != "" {
		out.Email = update.Email
	}
	if update.Username != "" {
		out.Username = update.Username
	}
	if update.Person != nil {
		p := *update.Person
		out.Person = &p
	}
	if out.Person == nil {
		if update.FirstName != "" {
			out.FirstName = update.FirstName
		}
		if update.LastName != "" {
			out.LastName = update.LastName
		}
		if update.DisplayName != "" {
			out.DisplayName = update.DisplayName
		}
	}
	return out.Normalize()
}

func joinName(first, last string) string {
	return strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
}
