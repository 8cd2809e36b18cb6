package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/matthieugras/busadmin/internal/api"
	"github.com/matthieugras/busadmin/internal/fakeapi"
	"github.com/matthieugras/busadmin/internal/logging"
	"github.com/matthieugras/busadmin/internal/session"
)

func main() {
	var (
		addr       string
		secret     string
		accessTTL  time.Duration
		cookieMode bool
		flatLogin  bool
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:   "fakeapi",
		Short: "Serve an in-memory bus company API for local testing",
		Long: `Serves the bus company API with seeded demo data.

Demo accounts: admin/admin123 (admin), ana/secret (secretary), pedro/driver (driver).`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.InitWriter(os.Stderr, verbose)
			defer logging.Close()

			srv := fakeapi.New(fakeapi.Options{
				Secret:     []byte(secret),
				AccessTTL:  accessTTL,
				CookieMode: cookieMode,
				FlatLogin:  flatLogin,
			})
			if err := seed(srv); err != nil {
				return fmt.Errorf("failed to seed data: %w", err)
			}
			return serve(cmd.Context(), addr, logRequests(srv.Handler()))
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&addr, "addr", "127.0.0.1:8000", "Listen address")
	flags.StringVar(&secret, "secret", "", "HMAC secret for access tokens")
	flags.DurationVar(&accessTTL, "access-ttl", 2*time.Minute, "Access token lifetime")
	flags.BoolVar(&cookieMode, "cookie-mode", false, "Deliver tokens in http-only cookies")
	flags.BoolVar(&flatLogin, "flat-login", false, "Return the user profile at the top level of the login response")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Log every request")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("fake API listening on %s", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logging.Info("shutting down")
		return server.Shutdown(shutdownCtx)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.Debug("%s %s -> %d (%s) request_id=%s", r.Method, r.URL.Path, rec.status,
			time.Since(start).Round(time.Microsecond), r.Header.Get("X-Request-ID"))
	})
}

func seed(srv *fakeapi.Server) error {
	users := []struct {
		username, password string
		profile            session.UserProfile
	}{
		{"admin", "admin123", session.UserProfile{
			Role: session.RoleAdmin, Email: "admin@buslines.test",
			Person: &session.PersonRecord{FirstName: "Carla", LastName: "Rojas"},
		}},
		{"ana", "secret", session.UserProfile{
			Role: session.RoleSecretary, Email: "ana@buslines.test",
			Person: &session.PersonRecord{FirstName: "Ana", LastName: "Quispe", Phone: "70000001"},
		}},
		{"pedro", "driver", session.UserProfile{
			Role: session.RoleDriver, Email: "pedro@buslines.test",
			FirstName: "Pedro", LastName: "Mamani",
		}},
	}
	for _, u := range users {
		if err := srv.AddUser(u.username, u.password, u.profile); err != nil {
			return err
		}
	}

	departure := time.Now().Add(24 * time.Hour).Truncate(time.Hour).UTC()
	seeds := []struct {
		name  string
		items []any
	}{
		{"clients", []any{
			api.ClientRecord{FirstName: "Luis", LastName: "Condori", DocumentID: "4839201"},
			api.ClientRecord{FirstName: "Rosa", LastName: "Flores", Phone: "70011223"},
			api.ClientRecord{FirstName: "Jorge", LastName: "Vargas", Email: "jorge@mail.test"},
		}},
		{"routes", []any{
			api.Route{Origin: "La Paz", Destination: "Oruro", DistanceKM: 229, DurationMin: 210, Price: 35},
			api.Route{Origin: "Oruro", Destination: "Cochabamba", DistanceKM: 212, DurationMin: 240, Price: 40},
		}},
		{"buses", []any{
			api.Bus{Plate: "2345-KLM", Model: "Volvo B420R", Capacity: 48, Status: "active"},
			api.Bus{Plate: "8812-ABC", Model: "Mercedes O500", Capacity: 44, Status: "maintenance"},
		}},
		{"drivers", []any{
			api.Driver{FirstName: "Pedro", LastName: "Mamani", LicenseNumber: "C-55012"},
		}},
		{"trips", []any{
			api.Trip{RouteID: 1, BusID: 1, DriverID: 1, DepartureAt: departure, State: "scheduled"},
			api.Trip{RouteID: 2, BusID: 1, DriverID: 1, DepartureAt: departure.Add(8 * time.Hour), State: "scheduled"},
		}},
		{"tickets", []any{
			api.Ticket{ClientID: 1, TripID: 1, SeatNumber: 12, Price: 35, State: "paid"},
			api.Ticket{ClientID: 2, TripID: 1, SeatNumber: 13, Price: 35, State: "reserved"},
		}},
		{"packages", []any{
			api.Package{SenderID: 1, RecipientID: 3, TripID: 2, WeightKG: 4.5, Description: "documents", Status: "in_transit"},
		}},
	}
	for _, s := range seeds {
		if err := srv.Seed(s.name, s.items...); err != nil {
			return err
		}
	}
	return nil
}
