package goSession

import "time"

// SecurityReport summarizes the effective security posture of an engine.
// It holds no key material and is safe to log at startup.
type SecurityReport struct {
	ProductionMode        bool
	SigningAlgorithm      string
	TokenRepresentation   string
	AccessTTL             time.Duration
	RefreshLifetime       time.Duration
	AbsoluteLifetimeCap   time.Duration
	MaxSessionsPerUser    int
	PruneOldestOnLimit    bool
	Argon2                PasswordConfigReport
	LoginThrottleActive   bool
	RefreshThrottleActive bool
	RequireVerifiedEmail  bool
	AuditEnabled          bool
	ReuseNotifications    bool
}

type PasswordConfigReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}
	cfg := e.config

	return SecurityReport{
		ProductionMode:      cfg.Security.ProductionMode,
		SigningAlgorithm:    cfg.JWT.SigningMethod,
		TokenRepresentation: string(cfg.Sessions.TokenRepresentation),
		AccessTTL:           cfg.JWT.AccessTTL,
		RefreshLifetime:     cfg.Sessions.RefreshLifetime,
		AbsoluteLifetimeCap: cfg.Sessions.AbsoluteLifetimeCap,
		MaxSessionsPerUser:  cfg.Sessions.MaxSessionsPerUser,
		PruneOldestOnLimit:  cfg.Sessions.PruneOldestOnLimit,
		Argon2: PasswordConfigReport{
			Memory:      cfg.Password.Memory,
			Time:        cfg.Password.Time,
			Parallelism: cfg.Password.Parallelism,
			SaltLength:  cfg.Password.SaltLength,
			KeyLength:   cfg.Password.KeyLength,
		},
		// Throttles need Redis even when enabled in config.
		LoginThrottleActive:   e.limiter != nil && cfg.Security.EnableLoginThrottle,
		RefreshThrottleActive: e.limiter != nil && cfg.Security.EnableRefreshThrottle,
		RequireVerifiedEmail:  cfg.Verifier.RequireVerifiedEmail,
		AuditEnabled:          cfg.Audit.Enabled,
		ReuseNotifications:    e.notices != nil,
	}
}
