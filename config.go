package goSession

import (
	"errors"
	"time"
)

// Config is the complete engine configuration. Start from [DefaultConfig]
// and override what differs; [Builder.Build] validates the result.
type Config struct {
	Sessions SessionsConfig
	JWT      JWTConfig
	Verifier VerifierConfig
	Password PasswordConfig
	Store    StoreConfig
	Security SecurityConfig
	Audit    AuditConfig
	Notify   NotifyConfig
	Metrics  MetricsConfig
}

/*
====================================
SESSIONS CONFIG
====================================
*/

// SessionsConfig controls refresh lifetimes and the concurrent session policy.
type SessionsConfig struct {
	// RefreshLifetime is the expiry of each refresh token, reset on rotation.
	RefreshLifetime time.Duration
	// AbsoluteLifetimeCap bounds a family from its first issuance. Zero
	// disables the cap.
	AbsoluteLifetimeCap time.Duration
	// MaxSessionsPerUser counts live families. Zero means unlimited.
	MaxSessionsPerUser int
	// PruneOldestOnLimit evicts the oldest families instead of refusing.
	PruneOldestOnLimit  bool
	TokenRepresentation TokenRepresentation
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig configures access tokens and signed refresh tokens.
type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
}

// VerifierConfig controls credential verification policy.
type VerifierConfig struct {
	RequireVerifiedEmail bool
}

// PasswordConfig holds argon2id parameters for dummy and new hashes.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// StoreConfig controls the bounded store wrapper and Redis key layout.
type StoreConfig struct {
	RedisPrefix string
	OpTimeout   time.Duration
	RetryReads  bool
}

// SecurityConfig controls throttles and production hardening checks.
type SecurityConfig struct {
	ProductionMode        bool
	EnableLoginThrottle   bool
	MaxLoginAttempts      int
	LoginCooldown         time.Duration
	EnableRefreshThrottle bool
	MaxRefreshAttempts    int
	RefreshCooldown       time.Duration
}

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// NotifyConfig controls the reuse notification queue. Notifications are
// always dropped rather than blocking a request.
type NotifyConfig struct {
	BufferSize int
}

// MetricsConfig controls in-process metrics.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns a conservative configuration. Keys still have to be
// supplied.
func DefaultConfig() Config {
	return Config{
		Sessions: SessionsConfig{
			RefreshLifetime:     7 * 24 * time.Hour,
			AbsoluteLifetimeCap: 30 * 24 * time.Hour,
			MaxSessionsPerUser:  0,
			PruneOldestOnLimit:  false,
			TokenRepresentation: TokenOpaque,
		},
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			SigningMethod: "ed25519",
		},
		Password: PasswordConfig{
			Memory:      65536,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Store: StoreConfig{
			RedisPrefix: "gs",
			OpTimeout:   2 * time.Second,
			RetryReads:  true,
		},
		Security: SecurityConfig{
			EnableLoginThrottle:   true,
			MaxLoginAttempts:      5,
			LoginCooldown:         15 * time.Minute,
			EnableRefreshThrottle: true,
			MaxRefreshAttempts:    20,
			RefreshCooldown:       time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Notify: NotifyConfig{
			BufferSize: 256,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	if cfg.JWT.VerifyKeys != nil {
		out.JWT.VerifyKeys = make(map[string][]byte, len(cfg.JWT.VerifyKeys))
		for kid, key := range cfg.JWT.VerifyKeys {
			out.JWT.VerifyKeys[kid] = cloneBytes(key)
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	// Sessions
	if c.Sessions.RefreshLifetime <= 0 {
		return errors.New("Sessions RefreshLifetime must be > 0")
	}
	if c.Sessions.AbsoluteLifetimeCap < 0 {
		return errors.New("Sessions AbsoluteLifetimeCap must be >= 0")
	}
	if c.Sessions.AbsoluteLifetimeCap > 0 && c.Sessions.AbsoluteLifetimeCap < c.Sessions.RefreshLifetime {
		return errors.New("Sessions AbsoluteLifetimeCap must be >= RefreshLifetime")
	}
	if c.Sessions.MaxSessionsPerUser < 0 {
		return errors.New("Sessions MaxSessionsPerUser must be >= 0")
	}
	if !c.Sessions.TokenRepresentation.Valid() {
		return errors.New("Sessions TokenRepresentation must be 'signed' or 'opaque'")
	}

	// JWT
	if c.JWT.AccessTTL < time.Minute || c.JWT.AccessTTL > time.Hour {
		return errors.New("JWT AccessTTL must be between 1m and 1h")
	}
	switch c.JWT.SigningMethod {
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 {
			return errors.New("ed25519 requires PrivateKey")
		}
		if len(c.JWT.PublicKey) == 0 && len(c.JWT.VerifyKeys) == 0 {
			return errors.New("ed25519 requires PublicKey")
		}
	case "hs256":
		if len(c.JWT.PrivateKey) < 32 {
			return errors.New("hs256 requires PrivateKey of at least 32 bytes")
		}
	default:
		return errors.New("unsupported JWT signing method")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be between 0 and 2m")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}

	// Store
	if c.Store.OpTimeout <= 0 {
		return errors.New("Store OpTimeout must be > 0")
	}

	// Security
	if c.Security.EnableLoginThrottle {
		if c.Security.MaxLoginAttempts <= 0 {
			return errors.New("Security MaxLoginAttempts must be > 0 when login throttle is enabled")
		}
		if c.Security.LoginCooldown <= 0 {
			return errors.New("Security LoginCooldown must be > 0 when login throttle is enabled")
		}
	}
	if c.Security.EnableRefreshThrottle {
		if c.Security.MaxRefreshAttempts <= 0 {
			return errors.New("Security MaxRefreshAttempts must be > 0 when refresh throttle is enabled")
		}
		if c.Security.RefreshCooldown <= 0 {
			return errors.New("Security RefreshCooldown must be > 0 when refresh throttle is enabled")
		}
	}

	// Audit / notify
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}
	if c.Notify.BufferSize < 0 {
		return errors.New("Notify BufferSize must be >= 0")
	}

	if c.Security.ProductionMode {
		if c.JWT.AccessTTL > 15*time.Minute {
			return errors.New("ProductionMode requires JWT AccessTTL <= 15m")
		}
		if c.Sessions.RefreshLifetime > 30*24*time.Hour {
			return errors.New("ProductionMode requires Sessions RefreshLifetime <= 30d")
		}
		if c.Sessions.AbsoluteLifetimeCap == 0 {
			return errors.New("ProductionMode requires Sessions AbsoluteLifetimeCap")
		}
		if c.Password.Memory < 65536 {
			return errors.New("ProductionMode requires Password Memory >= 65536 KB")
		}
		if c.Password.Time < 2 {
			return errors.New("ProductionMode requires Password Time >= 2")
		}
		if c.Password.KeyLength < 32 {
			return errors.New("ProductionMode requires Password KeyLength >= 32")
		}
		if !c.Security.EnableLoginThrottle {
			return errors.New("ProductionMode requires the login throttle")
		}
	}

	return nil
}
