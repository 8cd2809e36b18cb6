package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/matthieugras/busadmin/internal/auth"
)

// Session store backends
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// EnvPrefix prefixes every environment variable, e.g. BUSADMIN_BASE_URL
const EnvPrefix = "BUSADMIN"

// Config holds all configuration for the application
type Config struct {
	// Backend
	BaseURL     string        `mapstructure:"base-url"`
	HTTPTimeout time.Duration `mapstructure:"http-timeout"`

	// Credentials, only used by login
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// Session persistence
	SessionStore   string        `mapstructure:"session-store"`
	SessionPath    string        `mapstructure:"session-path"`
	RefreshTimeout time.Duration `mapstructure:"refresh-timeout"`

	// Processing
	Workers int `mapstructure:"workers"`

	// Output
	OutputDir string `mapstructure:"output"`
	Gzip      bool   `mapstructure:"gzip"`

	// Logging
	Verbose bool   `mapstructure:"verbose"`
	LogFile string `mapstructure:"log-file"`
}

// SetupFlags configures persistent CLI flags for the root command
func SetupFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()

	// Backend flags
	flags.String("base-url", "http://localhost:8000", "Base URL of the bus company API")
	flags.Duration("http-timeout", 30*time.Second, "Timeout for a single HTTP request")

	// Credential flags
	flags.StringP("username", "u", "", "Username for login (or set BUSADMIN_USERNAME)")
	flags.String("password", "", "Password for login (or set BUSADMIN_PASSWORD)")

	// Session flags
	flags.String("session-store", StoreFile, "Where the session is kept: file, sqlite or memory")
	flags.String("session-path", "", "Session file or database (default: user config dir)")
	flags.Duration("refresh-timeout", auth.DefaultRefreshTimeout, "Maximum time to wait for a token refresh")

	// Processing flags
	flags.IntP("workers", "w", 4, "Number of parallel requests for the dashboard")

	// Output flags
	flags.StringP("output", "o", "./exports", "Output directory for JSONL exports")
	flags.Bool("gzip", false, "Compress exports with gzip")

	// Other flags
	flags.BoolP("verbose", "v", false, "Enable verbose logging")
	flags.String("log-file", "", "Write log messages to this file")

	// Bind flags to viper
	viper.BindPFlags(flags)

	// Bind environment variables
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// Load loads configuration from flags, environment, and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom loads and validates the configuration held by v
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	// Unmarshal into config struct
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SessionStore = strings.ToLower(strings.TrimSpace(cfg.SessionStore))
	if cfg.SessionStore == "" {
		cfg.SessionStore = StoreFile
	}
	if cfg.SessionPath == "" && cfg.SessionStore != StoreMemory {
		path, err := DefaultSessionPath(cfg.SessionStore)
		if err != nil {
			return nil, err
		}
		cfg.SessionPath = path
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultSessionPath returns the per-user location for the given backend
func DefaultSessionPath(store string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	name := "session.json"
	if store == StoreSQLite {
		name = "session.db"
	}
	return filepath.Join(dir, "busadmin", name), nil
}

// Validate checks that all required configuration is present and valid
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base-url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base-url must be an http or https URL, got %q", c.BaseURL)
	}

	switch c.SessionStore {
	case StoreFile, StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("session-store must be one of file, sqlite, memory; got %q", c.SessionStore)
	}

	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http-timeout must be positive")
	}
	if c.RefreshTimeout <= 0 {
		return fmt.Errorf("refresh-timeout must be positive")
	}

	return nil
}

// HasCredentials reports whether both username and password are set
func (c *Config) HasCredentials() bool {
	return c.Username != "" && c.Password != ""
}
