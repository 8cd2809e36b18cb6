package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matthieugras/busadmin/internal/api"
	"github.com/matthieugras/busadmin/internal/auth"
	"github.com/matthieugras/busadmin/internal/logging"
	"github.com/matthieugras/busadmin/internal/output"
	"github.com/matthieugras/busadmin/internal/ui"
	"github.com/matthieugras/busadmin/internal/worker"
)

var errAccessDenied = errors.New("access denied")

// authorize applies the route guard to path before a command touches the API
func (a *app) authorize(path string) error {
	d := a.guard.Check(path)
	if d.Allow {
		return nil
	}
	fmt.Print(ui.RenderDenied(path, d))
	return fmt.Errorf("%w: %s", errAccessDenied, d.Reason)
}

func newLoginCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.store.IsAuthenticated() {
				if d := a.guard.Check("/login"); !d.Allow {
					fmt.Println(ui.MutedStyle.Render("Already logged in, log out first to switch users"))
					fmt.Print(ui.RenderSession(a.store.Snapshot(), a.store.State()))
					return nil
				}
			}

			username, password := a.cfg.Username, a.cfg.Password
			if username == "" {
				return fmt.Errorf("username is required (--username or BUSADMIN_USERNAME)")
			}
			if password == "" {
				var err error
				if password, err = promptLine("Password: "); err != nil {
					return err
				}
			}

			if _, err := a.auth.Login(cmd.Context(), username, password); err != nil {
				return err
			}
			fmt.Println(ui.SuccessStyle.Render("Logged in"))
			fmt.Print(ui.RenderSession(a.store.Snapshot(), a.store.State()))
			return nil
		},
	}
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session on the server and forget it locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.auth.Logout(cmd.Context())
			fmt.Println(ui.SuccessStyle.Render("Logged out"))
			return nil
		},
	}
}

func newWhoamiCmd(a *app) *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if verify && a.store.IsAuthenticated() {
				if !a.auth.VerifyToken(cmd.Context()) {
					fmt.Println(ui.WarningStyle.Render("Session is no longer valid"))
				} else if _, err := a.auth.Me(cmd.Context()); err != nil {
					logging.Warn("Profile refresh failed: %v", err)
				}
			}
			fmt.Print(ui.RenderSession(a.store.Snapshot(), a.store.State()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "Check the token with the server and reload the profile")
	return cmd
}

func newRegisterCmd(a *app) *cobra.Command {
	var req auth.RegisterRequest
	cmd := &cobra.Command{
		Use:   "register <username> <email>",
		Short: "Create a new user account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Username, req.Email = args[0], args[1]
			if req.Password == "" {
				var err error
				if req.Password, err = promptLine("New user's password: "); err != nil {
					return err
				}
			}
			profile, err := a.auth.Register(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessStyle.Render(fmt.Sprintf("Registered %s (%s)", profile.Username, profile.Role)))
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Password, "new-password", "", "Password for the new account")
	cmd.Flags().StringVar(&req.FirstName, "first-name", "", "First name")
	cmd.Flags().StringVar(&req.LastName, "last-name", "", "Last name")
	cmd.Flags().StringVar(&req.Role, "role", "", "Role: admin, secretary or driver")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var where []string
	cmd := &cobra.Command{
		Use:       "list <resource>",
		Short:     "List a collection: clients, tickets, packages, trips, buses, routes, drivers",
		Args:      cobra.ExactArgs(1),
		ValidArgs: api.NewServices(nil).Names(),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := a.fetch(cmd, args[0], where)
			if err != nil {
				return err
			}
			fmt.Print(ui.RenderTable(items))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&where, "where", nil, "Only show items where field=value (repeatable)")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var where []string
	cmd := &cobra.Command{
		Use:   "export <resource>",
		Short: "Export a collection to a JSONL file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := a.fetch(cmd, args[0], nil)
			if err != nil {
				return err
			}

			filter, err := output.ParseWhere(where)
			if err != nil {
				return err
			}
			fm, err := output.NewFileManager(a.cfg.OutputDir, a.cfg.Gzip)
			if err != nil {
				return fmt.Errorf("failed to setup output directory: %w", err)
			}
			w, path, err := fm.GetWriter(args[0], output.All(filter, output.UniqueByID()))
			if err != nil {
				return err
			}
			if err := w.WriteAll(items); err != nil {
				w.Close()
				return err
			}
			if err := w.Close(); err != nil {
				return err
			}

			fmt.Println(ui.SuccessStyle.Render(fmt.Sprintf("Exported %d %s to %s", w.Count(), args[0], path)))
			if n := w.FilteredCount(); n > 0 {
				fmt.Println(ui.MutedStyle.Render(fmt.Sprintf("%d items filtered out", n)))
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&where, "where", nil, "Only export items where field=value (repeatable)")
	return cmd
}

func newDashboardCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Count every collection concurrently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.authorize("/dashboard"); err != nil {
				return err
			}

			// Only count what the current role may open
			var counters []worker.Counter
			for _, l := range a.services.All() {
				if a.guard.Check("/" + l.Name()).Allow {
					counters = append(counters, l)
				}
			}

			start := time.Now()
			results := worker.CountAll(cmd.Context(), a.cfg.Workers, counters)
			fmt.Print(ui.RenderCounts(results, time.Since(start)))

			for _, r := range results {
				if r.Fatal {
					return r.Error
				}
			}
			return nil
		},
	}
}

// fetch checks access to resource and returns its raw items, filtered by where
func (a *app) fetch(cmd *cobra.Command, resource string, where []string) ([]json.RawMessage, error) {
	lister, ok := a.services.Lookup(resource)
	if !ok {
		return nil, fmt.Errorf("unknown resource %q, expected one of %s", resource, strings.Join(a.services.Names(), ", "))
	}
	if err := a.authorize("/" + resource); err != nil {
		return nil, err
	}

	filter, err := output.ParseWhere(where)
	if err != nil {
		return nil, err
	}

	items, err := lister.ListRaw(cmd.Context(), nil)
	if err != nil {
		return nil, err
	}
	if filter == nil {
		return items, nil
	}
	kept := items[:0]
	for _, item := range items {
		if filter(item) {
			kept = append(kept, item)
		}
	}
	return kept, nil
}

func promptLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
