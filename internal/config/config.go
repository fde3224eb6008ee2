package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"calsync/internal/engine"
	appLog "calsync/internal/log"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// BasicAuthConfig holds HTTP Basic Auth credentials for the control API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// TokenConfig controls bearer token acquisition retries.
type TokenConfig struct {
	Attempts int           `yaml:"attempts" json:"attempts"`
	Backoff  time.Duration `yaml:"backoff" json:"backoff"`
}

// OAuthConfig describes the refresh-token flow used to mint access tokens.
// Sign-in itself happens elsewhere; TokenFile must already hold a token.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"-"`
	TokenURL     string `yaml:"token_url" json:"token_url"`
	// TokenFile defaults to the XDG data directory.
	TokenFile string   `yaml:"token_file" json:"token_file"`
	Scopes    []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the control API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone events are resolved in (e.g. "Asia/Seoul").
	// Edits to this key are picked up while running.
	Timezone string `yaml:"timezone" json:"timezone"`

	// APIBaseURL is the remote calendar API root, e.g. "https://cal.example.com/api".
	APIBaseURL string `yaml:"api_base_url" json:"api_base_url"`

	// DBPath is the SQLite file of the local event mirror.
	DBPath string `yaml:"db_path" json:"db_path"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// for force-refreshing the visible date. "off" disables it.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// Window sizes the prefetch window around the visible date, in days.
	Window engine.Policy `yaml:"window" json:"window"`
	Token  TokenConfig  `yaml:"token" json:"token"`

	// OAuth, if non-nil, mints tokens from a stored refresh token.
	OAuth *OAuthConfig `yaml:"oauth,omitempty" json:"oauth,omitempty"`

	// APIToken is a fixed bearer token; used when OAuth is not configured.
	APIToken string `yaml:"api_token,omitempty" json:"-"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultPath is where the config lives when no -config flag is given.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "calsync", "config.yaml")
}

func defaultDBPath() string {
	return filepath.Join(xdg.DataHome, "calsync", "events.db")
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "127.0.0.1:8080",
		Timezone:    "Asia/Seoul",
		DBPath:      defaultDBPath(),
		LogLevel:    "info",
		RefreshCron: "*/15 * * * *",
		Window:      engine.DefaultPolicy(),
		Token:       TokenConfig{Attempts: 3, Backoff: 500 * time.Millisecond},
		BasicAuth:   nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "Asia/Seoul"
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		appLog.Warn("unknown timezone in config; using UTC", "timezone", c.Timezone)
		c.Timezone = "UTC"
	}
	c.APIBaseURL = strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	if c.DBPath == "" {
		c.DBPath = defaultDBPath()
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		c.LogLevel = "info"
	}

	if c.RefreshCron == "" {
		c.RefreshCron = "*/15 * * * *"
	}

	if c.Window == (engine.Policy{}) {
		c.Window = engine.DefaultPolicy()
	} else if err := c.Window.Validate(); err != nil {
		appLog.Warn("invalid window policy in config; using defaults", "window", fmt.Sprintf("%+v", c.Window), "err", err)
		c.Window = engine.DefaultPolicy()
	}

	if c.Token.Attempts <= 0 {
		c.Token.Attempts = 3
	}
	if c.Token.Backoff <= 0 {
		c.Token.Backoff = 500 * time.Millisecond
	}

	if c.OAuth != nil && c.OAuth.TokenFile == "" {
		c.OAuth.TokenFile = filepath.Join(xdg.DataHome, "calsync", "oauth-token.json")
	}
}

// RefreshEnabled reports whether the scheduled refresh should run.
func (c *Config) RefreshEnabled() bool {
	return c.RefreshCron != "" && !strings.EqualFold(c.RefreshCron, "off")
}

// LoadEnv reads an optional .env file into the process environment.
// Variables already set win over the file.
func LoadEnv(path string) {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		appLog.Warn("could not read env file", "path", path, "err", err)
	}
}

// ApplyEnv overlays CALSYNC_* environment variables onto c. Secrets are
// usually supplied this way rather than written to the YAML file.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CALSYNC_API_BASE_URL"); v != "" {
		c.APIBaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("CALSYNC_API_TOKEN"); v != "" {
		c.APIToken = v
	}
	if v := os.Getenv("CALSYNC_TIMEZONE"); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv("CALSYNC_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CALSYNC_TOKEN_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Token.Attempts = n
		}
	}

	id, secret := os.Getenv("CALSYNC_CLIENT_ID"), os.Getenv("CALSYNC_CLIENT_SECRET")
	if id != "" || secret != "" {
		if c.OAuth == nil {
			c.OAuth = &OAuthConfig{}
		}
		if id != "" {
			c.OAuth.ClientID = id
		}
		if secret != "" {
			c.OAuth.ClientSecret = secret
		}
	}

	c.Normalize()
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			appLog.Info("wrote default config", "path", path)
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save writes c to path; see the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
