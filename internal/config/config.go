package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/pit/internal/auth"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Deployment modes.
const (
	ModeSingleTenant = "single-tenant"
	ModeMultiTenant  = "multi-tenant"
)

// Store backends.
const (
	BackendBolt  = "bolt"
	BackendRedis = "redis"
)

// Config holds all environment-based configuration for pit.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8090"`

	// PublicBaseURL is the externally visible origin, e.g.
	// https://pit.example.com. When empty the origin is taken from each
	// request.
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`

	// TrustProxyHeaders honours X-Forwarded-Proto and X-Forwarded-Host.
	// Only enable behind a proxy that overwrites them.
	TrustProxyHeaders bool `env:"TRUST_PROXY_HEADERS" envDefault:"false"`

	JWTSecretKey string `env:"JWT_SECRET_KEY"`
	TokenIssuer  string `env:"TOKEN_ISSUER" envDefault:"pit"`

	GitHubClientID     string   `env:"GITHUB_CLIENT_ID"`
	GitHubClientSecret string   `env:"GITHUB_CLIENT_SECRET"`
	GitHubAllowedUsers []string `env:"GITHUB_ALLOWED_USERS" envSeparator:","`

	// DeploymentMode decides whether GITHUB_ALLOWED_USERS is enforced.
	DeploymentMode string `env:"DEPLOYMENT_MODE" envDefault:"single-tenant"`

	// TrustedClientsFile is a YAML file overriding the built-in list of
	// domains eligible for client auto-registration.
	TrustedClientsFile string `env:"TRUSTED_CLIENTS_FILE"`

	RegistrationRatePerMinute int `env:"REGISTRATION_RATE_PER_MINUTE" envDefault:"10"`

	UpstreamTimeout     time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"10s"`
	UpstreamMaxAttempts uint          `env:"UPSTREAM_MAX_ATTEMPTS" envDefault:"3"`

	StoreBackend string `env:"STORE_BACKEND" envDefault:"bolt"`

	// StateDBPath defaults to ~/.pit/state.db.
	StateDBPath string `env:"STATE_DB_PATH"`

	RedisAddr      string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisUsername  string `env:"REDIS_USERNAME"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB" envDefault:"0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"pit:"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the JWT secret and GitHub credentials.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	cfg.DeploymentMode = strings.ToLower(strings.TrimSpace(cfg.DeploymentMode))
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StoreBackend == BackendBolt && cfg.StateDBPath != "" {
		abs, err := filepath.Abs(cfg.StateDBPath)
		if err != nil {
			return nil, fmt.Errorf("resolving state db path: %w", err)
		}

		cfg.StateDBPath = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecretKey == "" {
		return fmt.Errorf("JWT_SECRET_KEY is required")
	}

	if len(c.JWTSecretKey) < auth.MinSecretLength {
		return fmt.Errorf("JWT_SECRET_KEY must be at least %d characters", auth.MinSecretLength)
	}

	if c.TokenIssuer == "" {
		return fmt.Errorf("TOKEN_ISSUER must not be empty")
	}

	if c.PublicBaseURL != "" {
		u, err := url.Parse(c.PublicBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("PUBLIC_BASE_URL must be an absolute http(s) URL")
		}
	}

	if (c.GitHubClientID == "") != (c.GitHubClientSecret == "") {
		return fmt.Errorf("GITHUB_CLIENT_ID and GITHUB_CLIENT_SECRET must be set together")
	}

	switch c.DeploymentMode {
	case ModeSingleTenant, ModeMultiTenant:
	default:
		return fmt.Errorf("DEPLOYMENT_MODE must be %q or %q, got %q", ModeSingleTenant, ModeMultiTenant, c.DeploymentMode)
	}

	switch c.StoreBackend {
	case BackendBolt:
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when STORE_BACKEND is redis")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendBolt, BackendRedis, c.StoreBackend)
	}

	if c.RegistrationRatePerMinute <= 0 {
		return fmt.Errorf("REGISTRATION_RATE_PER_MINUTE must be positive")
	}

	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive")
	}

	if c.UpstreamMaxAttempts == 0 {
		return fmt.Errorf("UPSTREAM_MAX_ATTEMPTS must be at least 1")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// AllowedLogins returns the GitHub logins permitted to authorize. It is
// empty, meaning everyone, in multi-tenant mode or when no list is set.
func (c *Config) AllowedLogins() []string {
	if c.DeploymentMode != ModeSingleTenant {
		return nil
	}

	var logins []string

	for _, l := range c.GitHubAllowedUsers {
		if l = strings.TrimSpace(l); l != "" {
			logins = append(logins, l)
		}
	}

	return logins
}
