package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/matthieugras/busadmin/internal/api"
	"github.com/matthieugras/busadmin/internal/auth"
	"github.com/matthieugras/busadmin/internal/config"
	"github.com/matthieugras/busadmin/internal/guard"
	"github.com/matthieugras/busadmin/internal/logging"
	"github.com/matthieugras/busadmin/internal/session"
	"github.com/matthieugras/busadmin/internal/ui"
)

var (
	version = "0.1.0"
)

// app holds everything a command needs, built once per invocation
type app struct {
	cfg      *config.Config
	store    *session.Store
	coord    *auth.Coordinator
	client   *api.Client
	auth     *auth.Service
	services *api.Services
	guard    *guard.Guard

	closers []func() error
}

func main() {
	// A .env next to the binary may carry BUSADMIN_* settings
	_ = godotenv.Load()

	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "busadmin",
		Short: "Administer the bus company backend from the terminal",
		Long: `A CLI client for the bus company administration API.

Logs in once and keeps the session between runs. Expired access tokens are
refreshed transparently; concurrent requests share a single refresh.`,
		Version:       version,
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // We handle error output ourselves
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	// Setup flags
	config.SetupFlags(rootCmd)

	rootCmd.AddCommand(
		newLoginCmd(a),
		newLogoutCmd(a),
		newWhoamiCmd(a),
		newRegisterCmd(a),
		newListCmd(a),
		newDashboardCmd(a),
		newExportCmd(a),
	)

	// Setup context with signal handling using NotifyContext.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprint(os.Stderr, ui.RenderError(err))
		a.close()
		logging.Close() // Ensure log file is flushed before exit
		os.Exit(1)
	}
	logging.Close()
}

// setup loads the configuration and wires the session, client and services
func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	a.cfg = cfg

	if err := logging.Init(cfg.LogFile, cfg.Verbose); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.Info("configuration loaded: base_url=%s store=%s workers=%d", cfg.BaseURL, cfg.SessionStore, cfg.Workers)

	slots, err := a.openSlots(ctx)
	if err != nil {
		return err
	}
	a.store = session.NewStore(slots)
	if err := a.store.Restore(); err != nil {
		logging.Warn("Could not restore the saved session: %v", err)
	}
	if fileSlots, ok := slots.(*session.FileSlots); ok {
		a.watch(ctx, fileSlots)
	}

	// One cookie jar for login, refresh and resource calls so that
	// cookie-based sessions see the same http-only cookies everywhere.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("failed to create cookie jar: %w", err)
	}
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
		Jar:     jar,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	exchanger, err := auth.NewHTTPExchanger(httpClient, cfg.BaseURL)
	if err != nil {
		return err
	}
	a.coord = auth.NewCoordinator(a.store, exchanger, auth.CoordinatorConfig{Timeout: cfg.RefreshTimeout})

	a.client, err = api.NewClient(httpClient, cfg.BaseURL, a.store, a.coord)
	if err != nil {
		return err
	}
	a.auth = auth.NewService(a.client, a.store)
	a.services = api.NewServices(a.client)
	a.guard = guard.New(a.store, guard.DefaultRules())
	return nil
}

// openSlots opens the configured session backend
func (a *app) openSlots(ctx context.Context) (session.Slots, error) {
	if a.cfg.SessionStore != config.StoreMemory {
		if err := os.MkdirAll(filepath.Dir(a.cfg.SessionPath), 0700); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
	}

	switch a.cfg.SessionStore {
	case config.StoreSQLite:
		slots, err := session.OpenSQLiteSlots(a.cfg.SessionPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, slots.Close)
		return slots, nil
	case config.StoreFile:
		return session.NewFileSlots(a.cfg.SessionPath), nil
	default:
		return session.NewMemorySlots(), nil
	}
}

// watch reloads the store when another process logs in or out
func (a *app) watch(ctx context.Context, slots *session.FileSlots) {
	err := slots.Watch(ctx, func() {
		if err := a.store.Restore(); err != nil {
			logging.Warn("Could not reload the session: %v", err)
		}
	})
	if err != nil {
		logging.Warn("Session file is not watched: %v", err)
	}
}

func (a *app) close() {
	if a.coord != nil && a.cfg != nil && a.cfg.Verbose {
		st := a.coord.Stats()
		logging.Debug("refresh stats: episodes=%d exchanges=%d succeeded=%d failed=%d",
			st.Episodes, st.Exchanges, st.Succeeded, st.Failed)
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			logging.Warn("close failed: %v", err)
		}
	}
	a.closers = nil
}
