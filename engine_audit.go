package goSession

import (
	"context"
	"log/slog"
	"time"

	"github.com/ngthtrong/goSession/internal/flows"
	"github.com/ngthtrong/goSession/session"
)

const (
	auditEventLoginSuccess         = "login_success"
	auditEventLoginFailure         = "login_failure"
	auditEventExchangeSuccess      = "exchange_success"
	auditEventExchangeFailure      = "exchange_failure"
	auditEventRefreshSuccess       = "refresh_success"
	auditEventRefreshFailure       = "refresh_failure"
	auditEventRefreshReuseDetected = "refresh_reuse_detected"
	auditEventSessionCreated       = "session_created"
	auditEventSessionEvicted       = "session_evicted"
	auditEventFamilyRevoked        = "family_revoked"
	auditEventLogout               = "logout"
	auditEventLogoutAll            = "logout_all"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	familyID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	e.audit.Emit(ctx, AuditEvent{
		Timestamp: e.now().UTC(),
		EventType: eventType,
		UserID:    userID,
		FamilyID:  familyID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Kind:      ErrorKind(err),
		Metadata:  metadata,
	})
}

// flowHooks routes flow side effects into logs, metrics, audit and the
// notification queue.
func (e *Engine) flowHooks() flows.Hooks {
	return flows.Hooks{
		Warn: func(msg string, args ...any) {
			e.logger.Warn(msg, args...)
		},
		ReuseDetected: e.onReuse,
		FamilyRevoked: func(ctx context.Context, userID, familyID, reason string, revoked int) {
			e.metrics.Add(MetricFamilyRevoked, uint64(revoked))
			e.emitAudit(ctx, auditEventFamilyRevoked, true, userID, familyID, nil, func() map[string]string {
				return map[string]string{"reason": reason}
			})
		},
		Evicted: func(ctx context.Context, rec *session.Record) {
			e.metrics.Inc(MetricSessionEvicted)
			e.emitAudit(ctx, auditEventSessionEvicted, true, rec.UserID, rec.FamilyID, nil, nil)
		},
	}
}

func (e *Engine) onReuse(ctx context.Context, rec *session.Record, revoked int) {
	e.metrics.Inc(MetricRefreshReuseDetected)
	e.logger.LogAttrs(ctx, slog.LevelWarn, "goSession: refresh token reuse detected",
		slog.String("kind", ErrorKind(ErrTokenReuseDetected)),
		slog.String("user_id", rec.UserID),
		slog.String("family_id", rec.FamilyID),
		slog.Int("revoked", revoked),
	)
	e.emitAudit(ctx, auditEventRefreshReuseDetected, false, rec.UserID, rec.FamilyID, ErrTokenReuseDetected, func() map[string]string {
		return map[string]string{"jti": rec.JTI}
	})
	e.notices.Enqueue(ctx, ReuseNotice{
		UserID:     rec.UserID,
		FamilyID:   rec.FamilyID,
		JTI:        rec.JTI,
		DeviceID:   rec.DeviceID,
		IP:         clientIPFromContext(ctx),
		DetectedAt: e.now().UTC(),
		Revoked:    revoked,
	})
}

func (e *Engine) deliverNotice(ctx context.Context, notice ReuseNotice) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.notifier.NotifyReuse(ctx, notice); err != nil {
		e.logger.Warn("goSession: reuse notification failed", "family_id", notice.FamilyID, "error", err)
	}
}
