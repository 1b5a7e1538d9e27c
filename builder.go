package goSession

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ngthtrong/goSession/internal"
	"github.com/ngthtrong/goSession/internal/audit"
	"github.com/ngthtrong/goSession/internal/flows"
	"github.com/ngthtrong/goSession/internal/rate"
	"github.com/ngthtrong/goSession/jwt"
	"github.com/ngthtrong/goSession/password"
	"github.com/ngthtrong/goSession/session"
)

// Builder assembles an [Engine]. A Builder can be used for one Build only.
type Builder struct {
	config Config
	redis  redis.UniversalClient
	store  session.Store

	userProvider UserProvider
	exchanger    IdentityExchanger
	notifier     Notifier
	auditSink    AuditSink
	logger       *slog.Logger
	now          func() time.Time

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis supplies the client used for the default session store and the
// throttles. Throttles are disabled without it.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithStore overrides the session store, for example with a
// [session.PostgresStore]. The engine wraps it in [session.Bounded].
func (b *Builder) WithStore(store session.Store) *Builder {
	b.store = store
	return b
}

func (b *Builder) WithUserProvider(up UserProvider) *Builder {
	b.userProvider = up
	return b
}

// WithIdentityExchanger enables [Engine.Exchange].
func (b *Builder) WithIdentityExchanger(x IdentityExchanger) *Builder {
	b.exchanger = x
	return b
}

// WithNotifier receives reuse notices on a background worker.
func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock replaces time.Now for every expiry decision and token timestamp.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.userProvider == nil {
		return nil, errors.New("user provider required")
	}

	store := b.store
	if store == nil {
		if b.redis == nil {
			return nil, errors.New("session store or redis client required")
		}
		store = session.NewRedisStore(b.redis, cfg.Store.RedisPrefix)
	}

	now := b.now
	if now == nil {
		now = time.Now
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	engine := &Engine{
		config:    cloneConfig(cfg),
		logger:    logger,
		now:       now,
		users:     b.userProvider,
		exchanger: b.exchanger,
		notifier:  b.notifier,
		metrics:   NewMetrics(cfg.Metrics),
	}

	engine.store = session.NewBounded(store, session.BoundedOptions{
		Timeout:    cfg.Store.OpTimeout,
		RetryReads: cfg.Store.RetryReads,
		OnRetry:    func(string) { engine.metrics.Inc(MetricStoreRetry) },
		OnTimeout:  func(string) { engine.metrics.Inc(MetricStoreTimeout) },
	})

	if b.redis != nil {
		engine.limiter = rate.New(b.redis, rate.Config{
			Prefix:                  cfg.Store.RedisPrefix,
			EnableLoginThrottle:     cfg.Security.EnableLoginThrottle,
			EnableRefreshThrottle:   cfg.Security.EnableRefreshThrottle,
			MaxLoginAttempts:        cfg.Security.MaxLoginAttempts,
			LoginCooldownDuration:   cfg.Security.LoginCooldown,
			MaxRefreshAttempts:      cfg.Security.MaxRefreshAttempts,
			RefreshCooldownDuration: cfg.Security.RefreshCooldown,
		})
	}

	pv, err := password.NewVerifier(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	engine.passwords = pv

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(strings.ToLower(cfg.JWT.SigningMethod)),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		KeyID:         cfg.JWT.KeyID,
		VerifyKeys:    cfg.JWT.VerifyKeys,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}
	engine.jwtManager = jm

	// Background workers start last so a failed Build leaks nothing.
	engine.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)
	if b.notifier != nil {
		engine.notices = audit.NewQueue(audit.Config{
			Enabled:    true,
			BufferSize: cfg.Notify.BufferSize,
			DropIfFull: true,
		}, engine.deliverNotice)
	}

	engine.flows = flows.New(engine.flowDeps())
	b.built = true
	return engine, nil
}

func (e *Engine) flowDeps() flows.Deps {
	cfg := e.config
	hooks := e.flowHooks()
	users := userLookup{provider: e.users}

	tokens := flows.TokenDeps{
		Representation: cfg.Sessions.TokenRepresentation,
		Signer:         e.jwtManager,
		StatusClaim:    func(s uint8) string { return AccountStatus(s).String() },
		NewJTI:         internal.NewJTI,
		NewRecordID:    internal.NewRecordID,
	}
	isDeactivated := func(s uint8) bool { return AccountStatus(s) == AccountDeactivated }

	// A nil *rate.Limiter must not become a non-nil interface.
	var loginLimiter flows.LoginRateLimiter
	var refreshLimiter flows.RefreshRateLimiter
	if e.limiter != nil {
		loginLimiter = e.limiter
		refreshLimiter = e.limiter
	}

	var exchange func(context.Context, string) (flows.ExchangedIdentity, error)
	if e.exchanger != nil {
		exchange = func(ctx context.Context, code string) (flows.ExchangedIdentity, error) {
			id, err := e.exchanger.Exchange(ctx, code)
			if err != nil {
				return flows.ExchangedIdentity{}, err
			}
			return flows.ExchangedIdentity{Subject: id.Subject, Email: id.Email, EmailVerified: id.EmailVerified}, nil
		}
	}

	return flows.Deps{
		Verify: flows.VerifyDeps{
			Users:                users,
			UserNotFound:         ErrUserNotFound,
			Passwords:            e.passwords,
			RateLimiter:          loginLimiter,
			Exchange:             exchange,
			IsDeactivated:        isDeactivated,
			IsActive:             func(s uint8) bool { return AccountStatus(s) == AccountActive },
			RequireVerifiedEmail: cfg.Verifier.RequireVerifiedEmail,
			Hooks:                hooks,
		},
		Issue: flows.IssueDeps{
			Now:             e.now,
			Store:           e.store,
			Tokens:          tokens,
			RefreshLifetime: cfg.Sessions.RefreshLifetime,
			Govern: flows.GovernDeps{
				Store:       e.store,
				MaxSessions: cfg.Sessions.MaxSessionsPerUser,
				PruneOldest: cfg.Sessions.PruneOldestOnLimit,
				AbsoluteCap: cfg.Sessions.AbsoluteLifetimeCap,
				Hooks:       hooks,
			},
		},
		Refresh: flows.RefreshDeps{
			Now:             e.now,
			Store:           e.store,
			Tokens:          tokens,
			RefreshLifetime: cfg.Sessions.RefreshLifetime,
			AbsoluteCap:     cfg.Sessions.AbsoluteLifetimeCap,
			Users:           users,
			UserNotFound:    ErrUserNotFound,
			IsDeactivated:   isDeactivated,
			RateLimiter:     refreshLimiter,
			Hooks:           hooks,
		},
		Sessions: flows.SessionDeps{
			Now:         e.now,
			Store:       e.store,
			Tokens:      tokens,
			AbsoluteCap: cfg.Sessions.AbsoluteLifetimeCap,
			Hooks:       hooks,
		},
		Validate: flows.ValidateDeps{
			ParseAccess: e.jwtManager.ParseAccess,
		},
	}
}

// userLookup adapts a UserProvider to the flow-local account view.
type userLookup struct {
	provider UserProvider
}

func (u userLookup) ByEmail(ctx context.Context, email string) (flows.Account, error) {
	rec, err := u.provider.GetUserByEmail(ctx, email)
	if err != nil {
		return flows.Account{}, err
	}
	return toAccount(rec), nil
}

func (u userLookup) ByID(ctx context.Context, userID string) (flows.Account, error) {
	rec, err := u.provider.GetUserByID(ctx, userID)
	if err != nil {
		return flows.Account{}, err
	}
	return toAccount(rec), nil
}

func toAccount(rec UserRecord) flows.Account {
	return flows.Account{
		UserID:       rec.UserID,
		Email:        rec.Email,
		Role:         rec.Role,
		Status:       uint8(rec.Status),
		PasswordHash: rec.PasswordHash,
	}
}
