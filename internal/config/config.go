// Package config loads server settings from the environment, with a .env
// file fallback for local development.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Auth modes returned by EffectiveAuthMode.
const (
	AuthModeDev      = "development"
	AuthModeExternal = "external"
)

// Config carries every runtime setting. Fields map one to one onto
// environment variables through their mapstructure tags.
type Config struct {
	HTTPPort string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`

	// AuthMode is "development", "external", or empty to infer from Env.
	AuthMode     string `mapstructure:"AUTH_MODE"`
	OIDCIssuer   string `mapstructure:"AUTH_ISSUER"`
	JWKSURL      string `mapstructure:"AUTH_JWKS_URL"`
	OIDCAudience string `mapstructure:"AUTH_AUDIENCE"`

	DBURL      string `mapstructure:"DATABASE_URL"`
	DBMaxConns int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns int32  `mapstructure:"DB_MIN_CONNS"`

	// RedisURL enables the shared response cache. Empty keeps the
	// in-process cache.
	RedisURL string `mapstructure:"REDIS_URL"`

	CORSAllowedOrigins []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int      `mapstructure:"RATE_LIMIT_BURST"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

// envDefaults seed viper before the environment and any .env file are
// read. AUTH_MODE is deliberately absent: empty means "infer from ENV"
// (see ResolvedAuthMode).
var envDefaults = map[string]any{
	"PORT":             "8000",
	"ENV":              "development",
	"DB_MAX_CONNS":     20,
	"DB_MIN_CONNS":     5,
	"CORS_ORIGINS":     "http://localhost:3000",
	"RATE_LIMIT_RPS":   100,
	"RATE_LIMIT_BURST": 200,
}

// envKeys lists every variable Load reads. AutomaticEnv alone does not
// feed Unmarshal, so each key is bound explicitly.
var envKeys = []string{
	"PORT", "ENV",
	"AUTH_MODE", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

// Load builds the Config from the process environment. DATABASE_URL is
// the only hard requirement; everything else has a default or is
// optional.
func Load() (*Config, error) {
	vp := viper.New()
	vp.SetConfigFile(".env")
	vp.AutomaticEnv()

	for key, val := range envDefaults {
		vp.SetDefault(key, val)
	}
	for _, key := range envKeys {
		vp.BindEnv(key)
	}

	_ = vp.ReadInConfig() // the .env file is a convenience; absence is not an error

	cfg := &Config{}
	if err := vp.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.CORSAllowedOrigins = splitOrigins(cfg.CORSAllowedOrigins, vp.GetString("CORS_ORIGINS"))

	if cfg.DBURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}
	return cfg, nil
}

// splitOrigins normalizes CORS_ORIGINS when it survives Unmarshal as a
// raw comma separated string instead of a slice.
func splitOrigins(parsed []string, raw string) []string {
	if parsed != nil {
		return parsed
	}
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func (c *Config) IsDev() bool { return c.Env == "development" }

// IsProduction reports whether the server is configured for production.
func (c *Config) IsProduction() bool { return c.Env == "production" }

// EffectiveAuthMode returns the auth mode the server will run with. An
// explicit AUTH_MODE wins; otherwise ENV=development maps to AuthModeDev
// (no auth, every request runs as admin) and anything else to
// AuthModeExternal (JWTs from Keycloak, Auth0, etc.).
func (c *Config) EffectiveAuthMode() string {
	if mode := c.AuthMode; mode != "" {
		return mode
	}
	if c.IsDev() {
		return AuthModeDev
	}
	return AuthModeExternal
}

// Validate checks the configuration is safe to run with. External auth
// requires an issuer so real JWT verification is enforced, and enabling
// TLS requires both halves of the key pair.
func (c *Config) Validate() error {
	switch mode := c.EffectiveAuthMode(); mode {
	case AuthModeDev:
	case AuthModeExternal:
		if c.OIDCIssuer == "" {
			return fmt.Errorf(
				"AUTH_ISSUER is required for external auth (ENV=%q); refusing to start unauthenticated", c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeDev, AuthModeExternal, mode)
	}

	if c.TLSEnabled && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_ENABLED needs both TLS_CERT_FILE and TLS_KEY_FILE")
	}
	return nil
}
