package flows

import (
	"context"
	"errors"
	"time"

	"github.com/ngthtrong/goSession/internal/rate"
	"github.com/ngthtrong/goSession/session"
)

// Account is the flow-local view of a user record. Status carries the root
// package's AccountStatus value.
type Account struct {
	UserID       string
	Email        string
	Role         string
	Status       uint8
	PasswordHash string
}

// Device is client metadata stored on a new session root.
type Device struct {
	DeviceID  string
	UserAgent string
	IP        string
}

// Tokens is the credential pair handed back on a successful issuance or
// rotation. Record is the new live tip.
type Tokens struct {
	AccessToken     string
	AccessExpiresAt time.Time
	RefreshToken    string
	Record          *session.Record
}

// Revoke reasons passed to Hooks.FamilyRevoked.
const (
	RevokeReasonReuse       = "reuse"
	RevokeReasonCap         = "absolute_cap"
	RevokeReasonUser        = "user_missing"
	RevokeReasonDeactivated = "account_deactivated"
	RevokeReasonEvicted     = "evicted"
	RevokeReasonSession     = "session_revoked"
	RevokeReasonLogoutAll   = "logout_all"
)

// Hooks receives side effects the root engine turns into audit events,
// metrics and notifications. Every field is optional.
type Hooks struct {
	Warn          func(msg string, args ...any)
	ReuseDetected func(ctx context.Context, rec *session.Record, revoked int)
	FamilyRevoked func(ctx context.Context, userID, familyID, reason string, revoked int)
	Evicted       func(ctx context.Context, rec *session.Record)
}

func (h Hooks) warn(msg string, args ...any) {
	if h.Warn != nil {
		h.Warn(msg, args...)
	}
}

func (h Hooks) reuse(ctx context.Context, rec *session.Record, revoked int) {
	if h.ReuseDetected != nil {
		h.ReuseDetected(ctx, rec, revoked)
	}
}

func (h Hooks) revoked(ctx context.Context, userID, familyID, reason string, n int) {
	if h.FamilyRevoked != nil {
		h.FamilyRevoked(ctx, userID, familyID, reason, n)
	}
}

func (h Hooks) evicted(ctx context.Context, rec *session.Record) {
	if h.Evicted != nil {
		h.Evicted(ctx, rec)
	}
}

// UserLookup resolves accounts. Implementations return NotFound (see the
// deps structs) for unknown users.
type UserLookup interface {
	ByEmail(ctx context.Context, email string) (Account, error)
	ByID(ctx context.Context, userID string) (Account, error)
}

func clock(now func() time.Time) time.Time {
	if now == nil {
		return time.Now().UTC().Truncate(time.Millisecond)
	}
	return now().UTC().Truncate(time.Millisecond)
}

// revokeFamily is the best-effort family kill shared by several flows.
func revokeFamily(ctx context.Context, store session.Store, hooks Hooks, userID, familyID, reason string, now time.Time) int {
	n, err := store.RevokeFamily(ctx, userID, familyID, now)
	if err != nil {
		hooks.warn("goSession: family revoke failed", "reason", reason, "family_id", familyID, "error", err)
		return 0
	}
	hooks.revoked(ctx, userID, familyID, reason, n)
	return n
}

// storeFailure maps a store error onto the fail-closed kinds.
func storeFailure(err error) FailureKind {
	if session.IsTransient(err) {
		return FailureUnavailable
	}
	return FailureInternal
}

// throttleFailure separates a tripped throttle from a throttle backend that
// could not answer. Both refuse the request.
func throttleFailure(err error) FailureKind {
	if errors.Is(err, rate.ErrRateLimited) {
		return FailureRateLimited
	}
	return FailureUnavailable
}
