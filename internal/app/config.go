package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/florianilch/ghdevice/internal/auth"
	"github.com/florianilch/ghdevice/internal/observability"
	"github.com/florianilch/ghdevice/internal/ratelimit"
	"github.com/florianilch/ghdevice/internal/tokensource"
	"github.com/florianilch/ghdevice/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = observability.FormatText
	LogFormatJSON LogFormat = observability.FormatJSON
)

// TokenStorageType represents the different storage types supported for the token record.
type TokenStorageType string

const (
	TokenStorageTypeFile    TokenStorageType = "file"
	TokenStorageTypeEnv     TokenStorageType = "env"
	TokenStorageTypeKeyring TokenStorageType = "keyring"
)

// Default configuration values
const (
	DefaultConfigLogFormat          = LogFormatText
	DefaultConfigGitHubBaseURL      = tokensource.DefaultBaseURL
	DefaultConfigGitHubAPIURL       = tokensource.DefaultAPIURL
	DefaultConfigAuthStorage        = TokenStorageTypeFile
	DefaultConfigAuthNamespace      = "github.com"
	DefaultConfigAuthEnvPrefix      = "GITHUB_"
	DefaultConfigDeviceMaxAttempts  = auth.DefaultMaxAttempts
	DefaultConfigRateLimitBaseDelay = ratelimit.DefaultBaseDelay
	DefaultConfigRateLimitMaxDelay  = ratelimit.DefaultMaxBackoff
	DefaultConfigHTTPTimeout        = 30 * time.Second
	DefaultConfigServerHost         = "127.0.0.1"
	DefaultConfigServerPort         = 4100
	DefaultConfigShutdownTimeout    = 5 * time.Second
)

// keyringService is the service name under which tokens are kept in the OS keyring.
const keyringService = "ghdevice"

// DefaultConfigScopes is requested when no scopes are configured.
var DefaultConfigScopes = []string{"repo", "read:org"}

// GitHubConfig identifies the OAuth app and the GitHub instance.
type GitHubConfig struct {
	ClientID string `json:"client_id" validate:"required"`
	// ClientSecret is optional for device flow; it authenticates revocation.
	ClientSecret string   `json:"client_secret,omitempty"`
	Scopes       []string `json:"scopes" validate:"required,min=1,dive,required"`
	BaseURL      string   `json:"base_url" validate:"required,url"`
	APIURL       string   `json:"api_url" validate:"required,url"`
}

// AuthConfig describes where the token record is kept.
type AuthConfig struct {
	Storage TokenStorageType `json:"storage" validate:"required,oneof=file env keyring"`

	// Namespace separates records of different GitHub instances.
	Namespace string `json:"namespace" validate:"required"`

	// Storage-specific settings (used depending on Storage type)
	File        string `json:"file,omitempty"`         // For file storage: path to credentials file
	KeyringUser string `json:"keyring_user,omitempty"` // For keyring storage: user identifier
	EnvPrefix   string `json:"env_prefix,omitempty"`   // For env storage: variable prefix (GITHUB_ reads GITHUB_TOKEN)
}

// NewCredentialStore creates a CredentialStore from the configuration.
func (a *AuthConfig) NewCredentialStore() (tokenstore.CredentialStore, error) {
	switch a.Storage {
	case TokenStorageTypeFile:
		return tokenstore.NewFileStore(a.File, a.Namespace)
	case TokenStorageTypeEnv:
		return tokenstore.NewEnvStore(a.EnvPrefix)
	case TokenStorageTypeKeyring:
		return tokenstore.NewKeyringStore(keyringService, a.KeyringUser+"@"+a.Namespace)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", a.Storage)
	}
}

// Writable reports whether tokens can be stored, i.e. whether login and logout work.
func (a *AuthConfig) Writable() bool {
	return a.Storage != TokenStorageTypeEnv
}

// DeviceConfig tunes the device authorization flow.
type DeviceConfig struct {
	MaxAttempts int `json:"max_attempts" validate:"gte=1"`
}

// RateLimitConfig tunes the rate-limit governor.
type RateLimitConfig struct {
	BaseDelay         time.Duration `json:"base_delay"`
	MaxBackoff        time.Duration `json:"max_backoff" validate:"gtefield=BaseDelay"`
	RequestsPerSecond float64       `json:"requests_per_second" validate:"gte=0"`
	Burst             int           `json:"burst" validate:"gte=0"`
}

// HTTPConfig holds outbound HTTP client settings.
type HTTPConfig struct {
	Timeout time.Duration `json:"timeout"`
}

// ServerConfig holds proxy server configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level `json:"log_level"`
	LogFormat LogFormat  `json:"log_format" validate:"oneof=text json"`
	// LogExporter routes logs through OpenTelemetry when set.
	LogExporter string          `json:"log_exporter" validate:"omitempty,oneof=stdout otlp-http otlp-grpc"`
	GitHub      GitHubConfig    `json:"github"`
	Auth        AuthConfig      `json:"auth"`
	Device      DeviceConfig    `json:"device"`
	RateLimit   RateLimitConfig `json:"rate_limit"`
	HTTP        HTTPConfig      `json:"http"`
	Server      ServerConfig    `json:"server"`
	Shutdown    ShutdownConfig  `json:"shutdown"`
}

// ConfigError reports configuration that makes authentication impossible.
// It is fatal and never retried.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return "invalid config: " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, auth.ErrConfig) match configuration errors.
func (e *ConfigError) Is(target error) bool {
	return target == auth.ErrConfig
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
// The client id has no default.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if len(c.GitHub.Scopes) == 0 {
		c.GitHub.Scopes = append([]string(nil), DefaultConfigScopes...)
	}
	if c.GitHub.BaseURL == "" {
		c.GitHub.BaseURL = DefaultConfigGitHubBaseURL
	}
	if c.GitHub.APIURL == "" {
		c.GitHub.APIURL = DefaultConfigGitHubAPIURL
	}
	if c.Auth.Storage == "" {
		c.Auth.Storage = DefaultConfigAuthStorage
	}
	if c.Auth.Namespace == "" {
		c.Auth.Namespace = DefaultConfigAuthNamespace
	}
	if c.Device.MaxAttempts == 0 {
		c.Device.MaxAttempts = DefaultConfigDeviceMaxAttempts
	}
	if c.RateLimit.BaseDelay == 0 {
		c.RateLimit.BaseDelay = DefaultConfigRateLimitBaseDelay
	}
	if c.RateLimit.MaxBackoff == 0 {
		c.RateLimit.MaxBackoff = DefaultConfigRateLimitMaxDelay
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = DefaultConfigHTTPTimeout
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}

	// Dynamic defaults based on storage type
	switch c.Auth.Storage {
	case TokenStorageTypeFile:
		if c.Auth.File == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("auth.file required (auto-detect failed: %w)", err)
			}
			c.Auth.File = filepath.Join(configDir, "ghdevice", "credentials.json")
		}
	case TokenStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("auth.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Auth.KeyringUser = currentUser.Username
		}
	case TokenStorageTypeEnv:
		if c.Auth.EnvPrefix == "" {
			c.Auth.EnvPrefix = DefaultConfigAuthEnvPrefix
		}
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
// Failures are returned as *ConfigError.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return &ConfigError{Err: err}
	}

	switch c.Auth.Storage {
	case TokenStorageTypeFile:
		if c.Auth.File == "" {
			return &ConfigError{Err: errors.New("file path required for file storage")}
		}
	case TokenStorageTypeEnv:
		if c.Auth.EnvPrefix == "" {
			return &ConfigError{Err: errors.New("env_prefix required for env storage")}
		}
	case TokenStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			return &ConfigError{Err: errors.New("keyring_user required for keyring storage")}
		}
	}

	return nil
}

// Endpoints resolves the GitHub endpoints from the configuration.
func (c *Config) Endpoints() (tokensource.Endpoints, error) {
	if c.GitHub.BaseURL == DefaultConfigGitHubBaseURL && c.GitHub.APIURL == DefaultConfigGitHubAPIURL {
		return tokensource.DefaultEndpoints(), nil
	}
	return tokensource.NewEndpoints(c.GitHub.BaseURL, c.GitHub.APIURL)
}
