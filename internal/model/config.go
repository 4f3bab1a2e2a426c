package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Credential store backends.
const (
	CredentialBackendKeyring = "keyring"
	CredentialBackendSQLite  = "sqlite"
)

// APIConfig holds the settings for the remote HTTP API.
type APIConfig struct {
	// BaseURL is the root of the API (login lives at BaseURL + "/login").
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// TimeoutSec bounds a single HTTP request.
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec"`

	// MaxRetries is how many times a rate-limited request is retried.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
}

// PushConfig holds the settings for the server-push channel.
type PushConfig struct {
	// URL is the WebSocket endpoint. The user id is appended as the
	// usuarioId query parameter.
	URL string `mapstructure:"url" yaml:"url"`

	ReconnectInitialMS int `mapstructure:"reconnect_initial_ms" yaml:"reconnect_initial_ms"`
	ReconnectMaxSec    int `mapstructure:"reconnect_max_sec" yaml:"reconnect_max_sec"`
}

// CredentialsConfig selects where the session is persisted.
type CredentialsConfig struct {
	// Backend is "keyring" or "sqlite".
	Backend string `mapstructure:"backend" yaml:"backend"`

	// SQLitePath is the database file used by the sqlite backend.
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`

	// FileDir is where the keyring's encrypted file fallback lives.
	FileDir string `mapstructure:"file_dir" yaml:"file_dir"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	API         APIConfig         `mapstructure:"api" yaml:"api"`
	Push        PushConfig        `mapstructure:"push" yaml:"push"`
	Credentials CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
}

// RequestTimeout returns the per-request timeout.
func (c APIConfig) RequestTimeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// ReconnectInitial returns the first reconnect delay.
func (c PushConfig) ReconnectInitial() time.Duration {
	return time.Duration(c.ReconnectInitialMS) * time.Millisecond
}

// ReconnectMax returns the reconnect delay ceiling.
func (c PushConfig) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxSec) * time.Second
}

// configDir returns ~/.config/helpdesk, or the working directory when the
// home directory cannot be resolved.
func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "helpdesk")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/helpdesk/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	dir := configDir()
	v.SetDefault("api.base_url", "http://localhost:3333")
	v.SetDefault("api.timeout_sec", 30)
	v.SetDefault("api.max_retries", 3)
	v.SetDefault("push.url", "ws://localhost:3333/ws/notificaciones")
	v.SetDefault("push.reconnect_initial_ms", 500)
	v.SetDefault("push.reconnect_max_sec", 30)
	v.SetDefault("credentials.backend", CredentialBackendKeyring)
	v.SetDefault("credentials.sqlite_path", filepath.Join(dir, "session.db"))
	v.SetDefault("credentials.file_dir", filepath.Join(dir, "credentials"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", filepath.Join(dir, "helpdesk.log"))
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Every key can be overridden through HELPDESK_* environment variables
// (HELPDESK_API_BASE_URL, HELPDESK_LOG_LEVEL, ...). A missing file yields
// the defaults.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("helpdesk")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		_, isPathErr := err.(*os.PathError)
		_, isNotFound := err.(viper.ConfigFileNotFoundError)
		if !isPathErr && !isNotFound {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the values that have no usable fallback.
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if strings.TrimSpace(c.Push.URL) == "" {
		return fmt.Errorf("push.url is required")
	}
	switch c.Credentials.Backend {
	case CredentialBackendKeyring, CredentialBackendSQLite:
	default:
		return fmt.Errorf("credentials.backend must be %q or %q, got %q",
			CredentialBackendKeyring, CredentialBackendSQLite, c.Credentials.Backend)
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("api", cfg.API)
	v.Set("push", cfg.Push)
	v.Set("credentials", cfg.Credentials)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
