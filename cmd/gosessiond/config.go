package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	goSession "github.com/ngthtrong/goSession"
)

// Config is the daemon configuration, read from the environment and an
// optional .env file in the working directory.
type Config struct {
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	UsersTable     string `mapstructure:"USERS_TABLE"`
	MigrateOnStart bool   `mapstructure:"MIGRATE_ON_START"`

	// SessionStore is "redis" or "postgres".
	SessionStore string `mapstructure:"SESSION_STORE"`
	RedisAddr    string `mapstructure:"REDIS_ADDR"`
	RedisPrefix  string `mapstructure:"REDIS_PREFIX"`

	JWTSigningMethod string `mapstructure:"JWT_SIGNING_METHOD"`
	// JWTPrivateKey and JWTPublicKey hold PEM text, a path to a PEM file, or
	// base64 of the raw key bytes.
	JWTPrivateKey string        `mapstructure:"JWT_PRIVATE_KEY"`
	JWTPublicKey  string        `mapstructure:"JWT_PUBLIC_KEY"`
	JWTIssuer     string        `mapstructure:"JWT_ISSUER"`
	JWTAudience   string        `mapstructure:"JWT_AUDIENCE"`
	JWTKeyID      string        `mapstructure:"JWT_KEY_ID"`
	AccessTTL     time.Duration `mapstructure:"ACCESS_TTL"`

	RefreshLifetime      time.Duration `mapstructure:"REFRESH_LIFETIME"`
	AbsoluteLifetimeCap  time.Duration `mapstructure:"ABSOLUTE_LIFETIME_CAP"`
	MaxSessionsPerUser   int           `mapstructure:"MAX_SESSIONS_PER_USER"`
	PruneOldestOnLimit   bool          `mapstructure:"PRUNE_OLDEST_ON_LIMIT"`
	TokenRepresentation  string        `mapstructure:"TOKEN_REPRESENTATION"`
	RequireVerifiedEmail bool          `mapstructure:"REQUIRE_VERIFIED_EMAIL"`
	StoreOpTimeout       time.Duration `mapstructure:"STORE_OP_TIMEOUT"`
	ProductionMode       bool          `mapstructure:"PRODUCTION_MODE"`

	CookieName     string `mapstructure:"COOKIE_NAME"`
	CookieDomain   string `mapstructure:"COOKIE_DOMAIN"`
	CookieInsecure bool   `mapstructure:"COOKIE_INSECURE"`
	RoutePrefix    string `mapstructure:"ROUTE_PREFIX"`
	TrustProxy     bool   `mapstructure:"TRUST_PROXY"`

	SweepInterval time.Duration `mapstructure:"SWEEP_INTERVAL"`
	SweepGrace    time.Duration `mapstructure:"SWEEP_GRACE"`

	KafkaBrokers    string `mapstructure:"KAFKA_BROKERS"`
	KafkaReuseTopic string `mapstructure:"KAFKA_REUSE_TOPIC"`
	KafkaAuditTopic string `mapstructure:"KAFKA_AUDIT_TOPIC"`

	MetricsEnabled bool `mapstructure:"METRICS_ENABLED"`
}

// LoadConfig reads .env (if present) and the environment. Environment
// variables win over .env.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("USERS_TABLE", "users")
	v.SetDefault("MIGRATE_ON_START", false)
	v.SetDefault("SESSION_STORE", "redis")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PREFIX", "gs")
	v.SetDefault("JWT_SIGNING_METHOD", "ed25519")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "gosession")
	v.SetDefault("JWT_AUDIENCE", "")
	v.SetDefault("JWT_KEY_ID", "")
	v.SetDefault("ACCESS_TTL", "15m")
	v.SetDefault("REFRESH_LIFETIME", "168h")
	v.SetDefault("ABSOLUTE_LIFETIME_CAP", "720h")
	v.SetDefault("MAX_SESSIONS_PER_USER", 0)
	v.SetDefault("PRUNE_OLDEST_ON_LIMIT", false)
	v.SetDefault("TOKEN_REPRESENTATION", "opaque")
	v.SetDefault("REQUIRE_VERIFIED_EMAIL", false)
	v.SetDefault("STORE_OP_TIMEOUT", "2s")
	v.SetDefault("PRODUCTION_MODE", false)
	v.SetDefault("COOKIE_NAME", "gs_refresh")
	v.SetDefault("COOKIE_DOMAIN", "")
	v.SetDefault("COOKIE_INSECURE", false)
	v.SetDefault("ROUTE_PREFIX", "/auth")
	v.SetDefault("TRUST_PROXY", false)
	v.SetDefault("SWEEP_INTERVAL", "5m")
	v.SetDefault("SWEEP_GRACE", "24h")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_REUSE_TOPIC", "gosession.reuse")
	v.SetDefault("KAFKA_AUDIT_TOPIC", "")
	v.SetDefault("METRICS_ENABLED", true)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	switch c.SessionStore {
	case "redis":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("config: SESSION_STORE=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: SESSION_STORE must be redis or postgres, got %q", c.SessionStore)
	}
	if c.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL must be set for the users table")
	}
	if c.JWTPrivateKey == "" {
		return errors.New("config: JWT_PRIVATE_KEY must be set")
	}
	return nil
}

// KafkaBrokersList splits KAFKA_BROKERS on commas.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// EngineConfig maps the daemon settings onto the engine configuration.
func (c *Config) EngineConfig() (goSession.Config, error) {
	cfg := goSession.DefaultConfig()

	cfg.Sessions.RefreshLifetime = c.RefreshLifetime
	cfg.Sessions.AbsoluteLifetimeCap = c.AbsoluteLifetimeCap
	cfg.Sessions.MaxSessionsPerUser = c.MaxSessionsPerUser
	cfg.Sessions.PruneOldestOnLimit = c.PruneOldestOnLimit
	cfg.Sessions.TokenRepresentation = goSession.TokenRepresentation(strings.ToLower(c.TokenRepresentation))
	cfg.Verifier.RequireVerifiedEmail = c.RequireVerifiedEmail
	cfg.Store.RedisPrefix = c.RedisPrefix
	cfg.Store.OpTimeout = c.StoreOpTimeout
	cfg.Security.ProductionMode = c.ProductionMode
	cfg.Metrics.Enabled = c.MetricsEnabled
	cfg.Metrics.EnableLatencyHistograms = c.MetricsEnabled
	cfg.Audit.Enabled = c.KafkaAuditTopic != "" && len(c.KafkaBrokersList()) > 0

	cfg.JWT.SigningMethod = strings.ToLower(c.JWTSigningMethod)
	cfg.JWT.AccessTTL = c.AccessTTL
	cfg.JWT.Issuer = c.JWTIssuer
	cfg.JWT.Audience = c.JWTAudience
	cfg.JWT.KeyID = c.JWTKeyID

	priv, err := loadKey(c.JWTPrivateKey)
	if err != nil {
		return goSession.Config{}, fmt.Errorf("config: JWT_PRIVATE_KEY: %w", err)
	}
	cfg.JWT.PrivateKey = priv
	if c.JWTPublicKey != "" {
		pub, err := loadKey(c.JWTPublicKey)
		if err != nil {
			return goSession.Config{}, fmt.Errorf("config: JWT_PUBLIC_KEY: %w", err)
		}
		cfg.JWT.PublicKey = pub
	}

	if err := cfg.Validate(); err != nil {
		return goSession.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// loadKey accepts PEM text, a path to a file, or base64 of raw key bytes.
func loadKey(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "-----BEGIN") {
		return []byte(value), nil
	}
	if st, err := os.Stat(value); err == nil && !st.IsDir() {
		return os.ReadFile(value)
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, errors.New("not PEM, a readable file, or base64")
	}
	return raw, nil
}
