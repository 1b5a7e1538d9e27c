package goSession

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ngthtrong/goSession/internal/audit"
	"github.com/ngthtrong/goSession/internal/flows"
	"github.com/ngthtrong/goSession/internal/rate"
	"github.com/ngthtrong/goSession/jwt"
	"github.com/ngthtrong/goSession/password"
	"github.com/ngthtrong/goSession/session"
)

// Engine issues, rotates and revokes sessions. It is safe for concurrent use
// once built and until Close.
type Engine struct {
	config     Config
	logger     *slog.Logger
	now        func() time.Time
	store      session.Store
	users      UserProvider
	exchanger  IdentityExchanger
	notifier   Notifier
	notices    *audit.Queue[ReuseNotice]
	audit      *audit.Dispatcher
	metrics    *Metrics
	passwords  *password.Verifier
	jwtManager *jwt.Manager
	limiter    *rate.Limiter
	flows      flows.Service
}

// Close drains the audit and notification workers. The session store and
// Redis client belong to the caller.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.notices.Close()
	e.audit.Close()
}

// AuditDropped returns the number of audit events dropped on a full buffer.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// NotifyDropped returns the number of reuse notices dropped on a full buffer.
func (e *Engine) NotifyDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.notices.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Ping checks the session store.
func (e *Engine) Ping(ctx context.Context) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Login verifies email and password and starts a new session family.
func (e *Engine) Login(ctx context.Context, email, password string, device DeviceInfo) (*Issuance, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	device = e.deviceFromContext(ctx, device)

	res := e.flows.Login(ctx, email, password, device.IP)
	if res.Failure != flows.FailureNone {
		err := e.failure(res.Failure, res.Err)
		if res.Failure == flows.FailureRateLimited {
			e.metrics.Inc(MetricLoginRateLimited)
		} else {
			e.metrics.Inc(MetricLoginFailure)
		}
		e.emitAudit(ctx, auditEventLoginFailure, false, "", "", err, nil)
		return nil, err
	}

	iss, err := e.issue(ctx, res.Account, device)
	if err != nil {
		e.metrics.Inc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, res.Account.UserID, "", err, nil)
		return nil, err
	}
	e.metrics.Inc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, res.Account.UserID, iss.FamilyID, nil, nil)
	return iss, nil
}

// Exchange runs the single external identity exchange step for code and
// starts a new session family for the matching local account.
func (e *Engine) Exchange(ctx context.Context, code string, device DeviceInfo) (*Issuance, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	device = e.deviceFromContext(ctx, device)

	res := e.flows.Exchange(ctx, code)
	if res.Failure != flows.FailureNone {
		err := e.failure(res.Failure, res.Err)
		e.metrics.Inc(MetricExchangeFailure)
		e.emitAudit(ctx, auditEventExchangeFailure, false, "", "", err, nil)
		return nil, err
	}

	iss, err := e.issue(ctx, res.Account, device)
	if err != nil {
		e.metrics.Inc(MetricExchangeFailure)
		e.emitAudit(ctx, auditEventExchangeFailure, false, res.Account.UserID, "", err, nil)
		return nil, err
	}
	e.metrics.Inc(MetricExchangeSuccess)
	e.emitAudit(ctx, auditEventExchangeSuccess, true, res.Account.UserID, iss.FamilyID, nil, nil)
	return iss, nil
}

func (e *Engine) issue(ctx context.Context, acct flows.Account, device DeviceInfo) (*Issuance, error) {
	res := e.flows.Issue(ctx, acct, flows.Device{
		DeviceID:  device.DeviceID,
		UserAgent: device.UserAgent,
		IP:        device.IP,
	})
	if res.Failure != flows.FailureNone {
		if res.Failure == flows.FailureSessionLimit {
			e.metrics.Inc(MetricSessionLimitReached)
		}
		return nil, e.failure(res.Failure, res.Err)
	}
	e.metrics.Inc(MetricSessionCreated)
	e.emitAudit(ctx, auditEventSessionCreated, true, acct.UserID, res.Tokens.Record.FamilyID, nil, func() map[string]string {
		return map[string]string{"evicted": fmt.Sprint(len(res.Evicted))}
	})
	return e.issuance(res.Tokens), nil
}

// Refresh rotates a refresh token. Any error means no tokens were issued
// and the presented token must be treated as spent or invalid.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*Issuance, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	start := time.Now()
	defer func() { e.metrics.Observe(MetricRefreshLatency, time.Since(start)) }()

	res := e.flows.Refresh(ctx, refreshToken)
	if res.Failure != flows.FailureNone {
		err := e.failure(res.Failure, res.Err)
		switch res.Failure {
		case flows.FailureRateLimited:
			e.metrics.Inc(MetricRefreshRateLimited)
		case flows.FailureTokenReuse:
			// Already counted and audited by the reuse hook.
		default:
			e.metrics.Inc(MetricRefreshFailure)
		}
		if res.Failure != flows.FailureTokenReuse {
			userID, familyID := "", ""
			if res.Record != nil {
				userID, familyID = res.Record.UserID, res.Record.FamilyID
			}
			e.emitAudit(ctx, auditEventRefreshFailure, false, userID, familyID, err, nil)
		}
		return nil, err
	}

	e.metrics.Inc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, res.Record.UserID, res.Record.FamilyID, nil, nil)
	return e.issuance(res.Tokens), nil
}

// Logout revokes the session the refresh token belongs to. It reports
// success for unknown, malformed or already revoked tokens.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	e.metrics.Inc(MetricLogout)
	if rec := e.flows.Logout(ctx, refreshToken); rec != nil {
		e.emitAudit(ctx, auditEventLogout, true, rec.UserID, rec.FamilyID, nil, nil)
	}
	return nil
}

// LogoutAll revokes every live session of userID and returns how many were
// ended.
func (e *Engine) LogoutAll(ctx context.Context, userID string) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	n, kind, err := e.flows.LogoutAll(ctx, userID)
	if kind != flows.FailureNone {
		return n, e.failure(kind, err)
	}
	e.metrics.Inc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, userID, "", nil, func() map[string]string {
		return map[string]string{"families": fmt.Sprint(n)}
	})
	return n, nil
}

// ValidateAccess verifies an access token without touching the store.
func (e *Engine) ValidateAccess(ctx context.Context, accessToken string) (*AuthResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	start := time.Now()
	defer func() { e.metrics.Observe(MetricValidateLatency, time.Since(start)) }()

	res := e.flows.Validate(ctx, accessToken)
	if res.Failure != flows.FailureNone {
		e.metrics.Inc(MetricValidateFailure)
		return nil, ErrInvalidToken
	}
	out := &AuthResult{
		UserID:   res.Claims.Subject,
		Role:     res.Claims.Role,
		Status:   res.Claims.Status,
		FamilyID: res.Claims.FamilyID,
	}
	if res.Claims.ExpiresAt != nil {
		out.ExpiresAt = res.Claims.ExpiresAt.Time
	}
	return out, nil
}

// ListSessions returns userID's live sessions, oldest first. A family
// attached with [WithFamilyID] is flagged as current.
func (e *Engine) ListSessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	res := e.flows.ListSessions(ctx, userID)
	if res.Failure != flows.FailureNone {
		return nil, e.failure(res.Failure, res.Err)
	}

	current := familyIDFromContext(ctx)
	out := make([]SessionInfo, 0, len(res.Records))
	for _, rec := range res.Records {
		out = append(out, SessionInfo{
			ID:        rec.ID,
			FamilyID:  rec.FamilyID,
			CreatedAt: rec.FamilyIssuedAt,
			LastUsed:  rec.IssuedAt,
			ExpiresAt: rec.ExpiresAt,
			DeviceID:  rec.DeviceID,
			UserAgent: rec.UserAgent,
			IP:        rec.IP,
			Current:   current != "" && current == rec.FamilyID,
		})
	}
	return out, nil
}

// RevokeSession ends the whole family that sessionID belongs to.
func (e *Engine) RevokeSession(ctx context.Context, userID, sessionID string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	kind, err := e.flows.RevokeSession(ctx, userID, sessionID)
	return e.failure(kind, err)
}

func (e *Engine) ready() bool {
	return e != nil && e.flows.Initialized()
}

func (e *Engine) issuance(t flows.Tokens) *Issuance {
	expiresIn := int64(t.AccessExpiresAt.Sub(e.now()).Round(time.Second) / time.Second)
	if expiresIn <= 0 {
		expiresIn = int64(e.config.JWT.AccessTTL / time.Second)
	}
	return &Issuance{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
		FamilyID:     t.Record.FamilyID,
	}
}

func (e *Engine) deviceFromContext(ctx context.Context, d DeviceInfo) DeviceInfo {
	if d.IP == "" {
		d.IP = clientIPFromContext(ctx)
	}
	if d.UserAgent == "" {
		d.UserAgent = userAgentFromContext(ctx)
	}
	return d
}

// failure maps a flow failure to its sentinel. Backend failures keep their
// cause for logs; every other kind returns the bare sentinel.
func (e *Engine) failure(kind flows.FailureKind, cause error) error {
	var err error
	switch kind {
	case flows.FailureNone:
		return nil
	case flows.FailureInvalidCredential:
		err = ErrInvalidCredential
	case flows.FailureAccountDeactivated:
		err = ErrAccountDeactivated
	case flows.FailureEmailUnverified:
		err = ErrEmailUnverified
	case flows.FailureInvalidToken:
		err = ErrInvalidToken
	case flows.FailureTokenExpired:
		err = ErrTokenExpired
	case flows.FailureTokenRevoked:
		err = ErrTokenRevoked
	case flows.FailureSessionExpired:
		err = ErrSessionExpired
	case flows.FailureTokenReuse:
		err = ErrTokenReuseDetected
	case flows.FailureSessionLimit:
		err = ErrSessionLimitReached
	case flows.FailureSessionNotFound:
		err = ErrSessionNotFound
	case flows.FailureRateLimited:
		err = ErrRateLimited
	default:
		e.metrics.Inc(MetricStoreUnavailable)
		e.logger.Warn("goSession: backend failure", "kind", kind.String(), "error", cause)
		if cause == nil {
			return ErrStoreUnavailable
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, cause)
	}
	return err
}
