package flows

import (
	"context"
	"errors"
	"time"

	"github.com/ngthtrong/goSession/session"
)

// RefreshRateLimiter throttles refreshes per family.
type RefreshRateLimiter interface {
	CheckRefresh(ctx context.Context, familyID string) error
}

// RefreshDeps captures refresh rotation dependencies.
type RefreshDeps struct {
	Now             func() time.Time
	Store           session.Store
	Tokens          TokenDeps
	RefreshLifetime time.Duration
	AbsoluteCap     time.Duration
	Users           UserLookup
	UserNotFound    error
	IsDeactivated   func(uint8) bool
	RateLimiter     RefreshRateLimiter
	Hooks           Hooks
}

// RefreshResult carries either the rotated token pair or failure metadata.
// Record is the presented record when one was found.
type RefreshResult struct {
	Failure FailureKind
	Err     error
	Record  *session.Record
	Tokens  Tokens
}

func refreshFail(kind FailureKind, err error, rec *session.Record) RefreshResult {
	return RefreshResult{Failure: kind, Err: err, Record: rec}
}

// RunRefresh validates a presented refresh token and rotates it.
//
// Checks run in a fixed order: token binding, own expiry, revocation, family
// cap, reuse, throttle, user state. Rotation itself is one conditional store
// write; losing that race is treated exactly like presenting a rotated token.
func RunRefresh(ctx context.Context, token string, deps RefreshDeps) RefreshResult {
	now := clock(deps.Now)

	p, err := deps.Tokens.resolve(token)
	if err != nil {
		return refreshFail(FailureInvalidToken, err, nil)
	}

	rec, err := deps.Store.FindByJTI(ctx, p.jti)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrCorrupt) {
			return refreshFail(FailureInvalidToken, err, nil)
		}
		return refreshFail(storeFailure(err), err, nil)
	}
	if !p.matches(rec) {
		return refreshFail(FailureInvalidToken, errTokenForm, nil)
	}

	if rec.Expired(now) {
		return refreshFail(FailureTokenExpired, nil, rec)
	}
	if rec.Revoked() {
		return refreshFail(FailureTokenRevoked, nil, rec)
	}
	if rec.FamilyCapExceeded(now, deps.AbsoluteCap) {
		revokeFamily(ctx, deps.Store, deps.Hooks, rec.UserID, rec.FamilyID, RevokeReasonCap, now)
		return refreshFail(FailureSessionExpired, nil, rec)
	}
	if rec.Rotated() {
		return reuseDetected(ctx, rec, now, deps)
	}

	if deps.RateLimiter != nil {
		if err := deps.RateLimiter.CheckRefresh(ctx, rec.FamilyID); err != nil {
			return refreshFail(throttleFailure(err), err, rec)
		}
	}

	acct, err := deps.Users.ByID(ctx, rec.UserID)
	if err != nil {
		if deps.UserNotFound != nil && errors.Is(err, deps.UserNotFound) {
			revokeFamily(ctx, deps.Store, deps.Hooks, rec.UserID, rec.FamilyID, RevokeReasonUser, now)
			return refreshFail(FailureInvalidToken, err, rec)
		}
		return refreshFail(FailureUnavailable, err, rec)
	}
	if deps.IsDeactivated != nil && deps.IsDeactivated(acct.Status) {
		revokeFamily(ctx, deps.Store, deps.Hooks, rec.UserID, rec.FamilyID, RevokeReasonDeactivated, now)
		return refreshFail(FailureAccountDeactivated, nil, rec)
	}

	child := rec.Child(deps.Tokens.NewRecordID(), deps.Tokens.NewJTI(), nil, now, deps.RefreshLifetime)

	// Both tokens are minted before the write so a committed rotation always
	// has credentials to return.
	tokens, err := deps.Tokens.mint(acct, child)
	if err != nil {
		return refreshFail(FailureInternal, err, rec)
	}

	switch err := deps.Store.MarkRotated(ctx, rec.JTI, now, child); {
	case err == nil:
		return RefreshResult{Record: rec, Tokens: tokens}
	case errors.Is(err, session.ErrAlreadyRotated):
		return reuseDetected(ctx, rec, now, deps)
	case errors.Is(err, session.ErrRevoked):
		return refreshFail(FailureTokenRevoked, err, rec)
	case errors.Is(err, session.ErrNotFound):
		return refreshFail(FailureInvalidToken, err, rec)
	default:
		return refreshFail(storeFailure(err), err, rec)
	}
}

// reuseDetected marks rec, kills its family and reports the theft signal.
// Store failures here are logged; the result is a failure either way.
func reuseDetected(ctx context.Context, rec *session.Record, now time.Time, deps RefreshDeps) RefreshResult {
	if err := deps.Store.MarkReused(ctx, rec.JTI, now); err != nil {
		deps.Hooks.warn("goSession: mark reused failed", "family_id", rec.FamilyID, "error", err)
	}
	n, err := deps.Store.RevokeFamily(ctx, rec.UserID, rec.FamilyID, now)
	if err != nil {
		deps.Hooks.warn("goSession: family revoke after reuse failed", "family_id", rec.FamilyID, "error", err)
	} else {
		deps.Hooks.revoked(ctx, rec.UserID, rec.FamilyID, RevokeReasonReuse, n)
	}
	deps.Hooks.reuse(ctx, rec, n)
	return refreshFail(FailureTokenReuse, session.ErrAlreadyRotated, rec)
}
