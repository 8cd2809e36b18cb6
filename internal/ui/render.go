package ui

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/matthieugras/busadmin/internal/api"
	"github.com/matthieugras/busadmin/internal/auth"
	"github.com/matthieugras/busadmin/internal/guard"
	"github.com/matthieugras/busadmin/internal/session"
	"github.com/matthieugras/busadmin/internal/worker"
)

const maxCellWidth = 40

// RenderSession renders the current session for whoami and login
func RenderSession(s session.Session, state session.State) string {
	var b strings.Builder

	if s.User == nil {
		b.WriteString(MutedStyle.Render("Not logged in") + "\n")
		return b.String()
	}

	u := s.User.Normalize()
	name := u.DisplayName
	if name == "" {
		name = u.Username
	}
	b.WriteString(HighlightStyle.Render(name) + " " + RoleStyle.Render(u.Role) + "\n")
	if u.Username != "" {
		b.WriteString(fmt.Sprintf("Username:  %s\n", u.Username))
	}
	if u.Email != "" {
		b.WriteString(fmt.Sprintf("Email:     %s\n", u.Email))
	}
	b.WriteString(fmt.Sprintf("State:     %s\n", state))

	switch {
	case s.AccessToken == session.CookieToken:
		b.WriteString(fmt.Sprintf("Token:     %s\n", MutedStyle.Render("http-only cookie")))
	case !s.ExpiresAt.IsZero():
		left := time.Until(s.ExpiresAt).Round(time.Second)
		if left > 0 {
			b.WriteString(fmt.Sprintf("Expires:   in %s\n", left))
		} else {
			b.WriteString(fmt.Sprintf("Expires:   %s\n", WarningStyle.Render("expired, refreshes on next request")))
		}
	}

	return BoxStyle.Render(strings.TrimRight(b.String(), "\n")) + "\n"
}

// RenderCounts renders the dashboard summary
func RenderCounts(results []worker.JobResult, elapsed time.Duration) string {
	var b strings.Builder

	b.WriteString(TitleStyle.Render(" Dashboard ") + "\n\n")

	var failed, skipped int
	for _, r := range results {
		switch {
		case r.Skipped:
			skipped++
			b.WriteString(SkippedStyle.Render(fmt.Sprintf("  ⊘ %-10s skipped", r.Name)) + "\n")
		case r.Error != nil:
			failed++
			b.WriteString(ErrorStyle.Render(fmt.Sprintf("  ✗ %-10s %s", r.Name, truncate(errorText(r.Error), 50))) + "\n")
		default:
			b.WriteString(SuccessStyle.Render(fmt.Sprintf("  ✓ %-10s", r.Name)) + " " +
				HighlightStyle.Render(fmt.Sprintf("%d", r.Count)) + "\n")
		}
	}

	stats := fmt.Sprintf("Collections: %d  Failed: %s  Skipped: %s  Elapsed: %s",
		len(results),
		ErrorStyle.Render(fmt.Sprintf("%d", failed)),
		SkippedStyle.Render(fmt.Sprintf("%d", skipped)),
		elapsed.Round(time.Millisecond))
	b.WriteString(FooterStyle.Render(stats) + "\n")

	return b.String()
}

// RenderTable renders raw collection items as aligned columns. The id
// column comes first, the rest are sorted by name.
func RenderTable(items []json.RawMessage) string {
	if len(items) == 0 {
		return MutedStyle.Render("No items") + "\n"
	}

	rows := make([]map[string]any, 0, len(items))
	keys := map[string]bool{}
	for _, raw := range items {
		var row map[string]any
		if err := json.Unmarshal(raw, &row); err != nil {
			row = map[string]any{"value": string(raw)}
		}
		for k := range row {
			keys[k] = true
		}
		rows = append(rows, row)
	}

	columns := make([]string, 0, len(keys))
	for k := range keys {
		if k != "id" {
			columns = append(columns, k)
		}
	}
	sort.Strings(columns)
	if keys["id"] {
		columns = append([]string{"id"}, columns...)
	}

	rendered := make([]string, len(columns))
	for i, col := range columns {
		cells := make([]string, 0, len(rows)+1)
		cells = append(cells, CellHeaderStyle.Render(col))
		for _, row := range rows {
			cells = append(cells, CellStyle.Render(truncate(cellText(row[col]), maxCellWidth)))
		}
		rendered[i] = lipgloss.JoinVertical(lipgloss.Left, cells...)
	}

	table := lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
	return table + "\n" + FooterStyle.Render(fmt.Sprintf("%d items", len(rows))) + "\n"
}

// RenderDenied renders a guard decision that did not allow access
func RenderDenied(path string, d guard.Decision) string {
	return WarningStyle.Render(fmt.Sprintf("Access to %s denied: %s", path, d.Reason)) + "\n" +
		MutedStyle.Render("Redirect: "+d.Redirect) + "\n"
}

// RenderError renders an error for the terminal
func RenderError(err error) string {
	return ErrorStyle.Render("Error: "+errorText(err)) + "\n"
}

// errorText turns session-ending errors into something a user can act on
func errorText(err error) string {
	var refreshErr *auth.RefreshError
	switch {
	case api.IsKind(err, api.KindTerminalAuth):
		return "session expired, please log in again"
	case errors.As(err, &refreshErr):
		return "session expired, please log in again (" + refreshErr.Error() + ")"
	case errors.Is(err, session.ErrSessionTerminated), errors.Is(err, session.ErrNotAuthenticated):
		return "not logged in"
	default:
		return err.Error()
	}
}

func cellText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return fmt.Sprintf("%g", t)
	case map[string]any, []any:
		data, _ := json.Marshal(t)
		return string(data)
	default:
		return fmt.Sprint(t)
	}
}

func truncate(s string, maxLen int) string {
	if len([]rune(s)) <= maxLen {
		return s
	}
	r := []rune(s)
	return string(r[:maxLen-3]) + "..."
}
