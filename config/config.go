// Package config loads gateway settings from the environment. A .env file
// in the working directory is read first when present.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/jmcleod/gatehouse/oauth"
	"github.com/jmcleod/gatehouse/session"
)

// Session store backends.
const (
	StoreMemory   = "memory"
	StoreBolt     = "bolt"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds every gateway setting.
type Config struct {
	Port          int           `env:"GATEHOUSE_PORT" envDefault:"8080"`
	Store         string        `env:"GATEHOUSE_STORE" envDefault:"memory"`
	DataDir       string        `env:"GATEHOUSE_DATA_DIR" envDefault:"./data"`
	PostgresDSN   string        `env:"GATEHOUSE_POSTGRES_DSN"`
	WrappingKey   string        `env:"GATEHOUSE_WRAPPING_KEY"`
	RedisURL      string        `env:"GATEHOUSE_REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisPrefix   string        `env:"GATEHOUSE_REDIS_PREFIX" envDefault:"gatehouse"`
	IdleTimeout   time.Duration `env:"GATEHOUSE_IDLE_TIMEOUT" envDefault:"15m"`
	MaxSessions   int           `env:"GATEHOUSE_MAX_SESSIONS" envDefault:"1"`
	SessionPolicy string        `env:"GATEHOUSE_SESSION_POLICY" envDefault:"evict-oldest"`
	LandingPath   string        `env:"GATEHOUSE_LANDING_PATH" envDefault:"/dashboard"`
	LogLevel      string        `env:"GATEHOUSE_LOG_LEVEL" envDefault:"info"`

	AllowedOrigins []string `env:"GATEHOUSE_ALLOWED_ORIGINS" envSeparator:","`
	TrustedProxies []string `env:"GATEHOUSE_TRUSTED_PROXIES" envSeparator:","`
	SecureCookies  bool     `env:"GATEHOUSE_SECURE_COOKIES"`
	TLSCert        string   `env:"GATEHOUSE_TLS_CERT"`
	TLSKey         string   `env:"GATEHOUSE_TLS_KEY"`

	OAuth OAuthConfig
}

// OAuthConfig describes the identity provider registration.
type OAuthConfig struct {
	Provider     string   `env:"OAUTH_PROVIDER" envDefault:"github"`
	ClientID     string   `env:"OAUTH_CLIENT_ID"`
	ClientSecret string   `env:"OAUTH_CLIENT_SECRET"`
	RedirectURL  string   `env:"OAUTH_REDIRECT_URL" envDefault:"http://localhost:8080/login-callback"`
	Scopes       []string `env:"OAUTH_SCOPES" envSeparator:","`
	AuthURL      string   `env:"OAUTH_AUTH_URL"`
	TokenURL     string   `env:"OAUTH_TOKEN_URL"`
	UserInfoURL  string   `env:"OAUTH_USERINFO_URL"`
	IssuerURL    string   `env:"OAUTH_ISSUER_URL"`
}

// Load reads .env (if present) and then the process environment.
func Load() (*Config, error) {
	// A missing .env file is normal outside development.
	_ = godotenv.Load()
	return Parse()
}

// Parse reads the process environment without touching .env.
func Parse() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return &cfg, nil
}

// Validate checks cross-field constraints. It runs after command-line
// overrides have been applied.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Store {
	case StoreMemory, StoreRedis:
	case StoreBolt, StorePostgres:
		if _, err := c.WrappingKeyBytes(); err != nil {
			errs = append(errs, err)
		}
		if c.Store == StorePostgres && c.PostgresDSN == "" {
			errs = append(errs, errors.New("GATEHOUSE_POSTGRES_DSN is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown session store %q", c.Store))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, errors.New("idle timeout must be positive"))
	}
	if c.MaxSessions < 1 {
		errs = append(errs, errors.New("max sessions must be at least 1"))
	}
	if _, err := session.ParsePolicy(c.SessionPolicy); err != nil {
		errs = append(errs, err)
	}
	if !strings.HasPrefix(c.LandingPath, "/") || strings.HasPrefix(c.LandingPath, "//") {
		errs = append(errs, fmt.Errorf("landing path %q must be a local absolute path", c.LandingPath))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("TLS certificate and key must be set together"))
	}
	if _, err := c.TrustedPrefixes(); err != nil {
		errs = append(errs, err)
	}
	if c.OAuth.ClientID == "" {
		errs = append(errs, errors.New("OAUTH_CLIENT_ID is required"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Policy returns the parsed session policy.
func (c *Config) Policy() (session.Policy, error) {
	return session.ParsePolicy(c.SessionPolicy)
}

// WrappingKeyBytes decodes the base64 wrapping key. Standard and URL-safe
// alphabets are accepted, with or without padding.
func (c *Config) WrappingKeyBytes() ([]byte, error) {
	if c.WrappingKey == "" {
		return nil, fmt.Errorf("GATEHOUSE_WRAPPING_KEY is required for the %s store", c.Store)
	}
	s := strings.TrimRight(strings.TrimSpace(c.WrappingKey), "=")
	for _, enc := range []*base64.Encoding{base64.RawStdEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(s); err == nil {
			if len(key) != session.WrappingKeySize {
				return nil, fmt.Errorf("wrapping key must decode to %d bytes, got %d", session.WrappingKeySize, len(key))
			}
			return key, nil
		}
	}
	return nil, errors.New("wrapping key is not valid base64")
}

// TrustedPrefixes parses TrustedProxies. Bare addresses become
// single-host prefixes.
func (c *Config) TrustedPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", raw)
		}
		out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return out, nil
}

// ProviderConfig maps the OAuth settings onto oauth.Config.
func (c *Config) ProviderConfig() oauth.Config {
	return oauth.Config{
		Kind:         c.OAuth.Provider,
		ClientID:     c.OAuth.ClientID,
		ClientSecret: c.OAuth.ClientSecret,
		RedirectURL:  c.OAuth.RedirectURL,
		Scopes:       c.OAuth.Scopes,
		AuthURL:      c.OAuth.AuthURL,
		TokenURL:     c.OAuth.TokenURL,
		UserInfoURL:  c.OAuth.UserInfoURL,
		IssuerURL:    c.OAuth.IssuerURL,
	}
}
