package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MinSigningSecretLength is the smallest accepted HS256 signing secret, in bytes.
const MinSigningSecretLength = 32

// Config holds all configuration for the entitlement service.
type Config struct {
	SigningSecret       string
	DataDir             string
	BindAddress         string
	Port                int
	BaseURL             string
	AllowedOrigin       string
	OperatorDomain      string // e-mail domain granted the operator override (empty disables it)
	StoreTimeout        time.Duration
	RedisURL            string // optional shared counter store for rate limiting
	OIDCIssuer          string
	OIDCClientID        string
	OIDCClientSecret    string
	StripeWebhookSecret string
	LogLevel            string
	LogFormat           string
	CarrierCookie       string
}

// DatabasePath returns the SQLite database file inside DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "themegpt.db")
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// OIDCEnabled reports whether an identity provider is configured.
func (c *Config) OIDCEnabled() bool {
	return c.OIDCIssuer != "" && c.OIDCClientID != ""
}

// OIDCRedirectURL is the callback registered with the identity provider.
func (c *Config) OIDCRedirectURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/auth/callback"
}

// Load reads configuration from environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("THEMEGPT_PORT", 8080)
	if err != nil {
		return nil, err
	}
	storeTimeout, err := envOrDefaultDuration("THEMEGPT_STORE_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		SigningSecret:       os.Getenv("THEMEGPT_SIGNING_SECRET"),
		DataDir:             envOrDefault("THEMEGPT_DATA_DIR", "./data"),
		BindAddress:         envOrDefault("THEMEGPT_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		BaseURL:             envOrDefault("THEMEGPT_BASE_URL", "http://localhost:8080"),
		AllowedOrigin:       envOrDefault("THEMEGPT_ALLOWED_ORIGIN", "https://themegpt.ai"),
		OperatorDomain:      strings.ToLower(strings.TrimPrefix(strings.TrimSpace(os.Getenv("THEMEGPT_OPERATOR_DOMAIN")), "@")),
		StoreTimeout:        storeTimeout,
		RedisURL:            strings.TrimSpace(os.Getenv("THEMEGPT_REDIS_URL")),
		OIDCIssuer:          strings.TrimSpace(os.Getenv("THEMEGPT_OIDC_ISSUER")),
		OIDCClientID:        strings.TrimSpace(os.Getenv("THEMEGPT_OIDC_CLIENT_ID")),
		OIDCClientSecret:    strings.TrimSpace(os.Getenv("THEMEGPT_OIDC_CLIENT_SECRET")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		LogLevel:            envOrDefault("THEMEGPT_LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("THEMEGPT_LOG_FORMAT", "auto"),
		CarrierCookie:       envOrDefault("THEMEGPT_CARRIER_COOKIE", "__session"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate reports every missing or malformed setting in a single error.
func (c *Config) Validate() error {
	var problems []string

	switch {
	case c.SigningSecret == "":
		problems = append(problems, "THEMEGPT_SIGNING_SECRET is required")
	case len(c.SigningSecret) < MinSigningSecretLength:
		problems = append(problems, fmt.Sprintf("THEMEGPT_SIGNING_SECRET must be at least %d bytes", MinSigningSecretLength))
	}

	if c.Port < 1 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("THEMEGPT_PORT must be between 1 and 65535, got %d", c.Port))
	}
	if c.StoreTimeout <= 0 {
		problems = append(problems, "THEMEGPT_STORE_TIMEOUT must be positive")
	}
	if c.DataDir == "" {
		problems = append(problems, "THEMEGPT_DATA_DIR must not be empty")
	}
	if c.CarrierCookie == "" || strings.ContainsAny(c.CarrierCookie, " ;=,") {
		problems = append(problems, "THEMEGPT_CARRIER_COOKIE must be a valid cookie name")
	}
	if err := validateHTTPURL(c.BaseURL); err != nil {
		problems = append(problems, "THEMEGPT_BASE_URL "+err.Error())
	}
	if c.AllowedOrigin != "*" {
		if err := validateHTTPURL(c.AllowedOrigin); err != nil {
			problems = append(problems, "THEMEGPT_ALLOWED_ORIGIN "+err.Error())
		}
	}
	if c.OIDCIssuer != "" && c.OIDCClientID == "" {
		problems = append(problems, "THEMEGPT_OIDC_CLIENT_ID is required when THEMEGPT_OIDC_ISSUER is set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func validateHTTPURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("must use http or https scheme")
	}
	if parsed.Host == "" {
		return fmt.Errorf("must include a host")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
