package flows

import (
	"context"
	"errors"
	"time"

	"github.com/ngthtrong/goSession/session"
)

// SessionDeps captures session management dependencies.
type SessionDeps struct {
	Now         func() time.Time
	Store       session.Store
	Tokens      TokenDeps
	AbsoluteCap time.Duration
	Hooks       Hooks
}

// SessionsResult carries live tips or a failure.
type SessionsResult struct {
	Failure FailureKind
	Err     error
	Records []*session.Record
}

// RunListSessions returns userID's live tips, oldest family first.
func RunListSessions(ctx context.Context, userID string, deps SessionDeps) SessionsResult {
	now := clock(deps.Now)
	tips, err := deps.Store.ListLive(ctx, userID, now)
	if err != nil {
		return SessionsResult{Failure: storeFailure(err), Err: err}
	}
	out := tips[:0]
	for _, rec := range tips {
		if rec.Live(now, deps.AbsoluteCap) {
			out = append(out, rec)
		}
	}
	return SessionsResult{Records: out}
}

// RunRevokeSession revokes the family that recordID belongs to. Records of
// other users are reported as not found.
func RunRevokeSession(ctx context.Context, userID, recordID string, deps SessionDeps) (FailureKind, error) {
	now := clock(deps.Now)
	rec, err := deps.Store.FindByID(ctx, recordID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return FailureSessionNotFound, err
		}
		return storeFailure(err), err
	}
	if rec.UserID != userID {
		return FailureSessionNotFound, session.ErrNotFound
	}
	n, err := deps.Store.RevokeFamily(ctx, userID, rec.FamilyID, now)
	if err != nil {
		return storeFailure(err), err
	}
	deps.Hooks.revoked(ctx, userID, rec.FamilyID, RevokeReasonSession, n)
	return FailureNone, nil
}

// RunLogout revokes the record a refresh token names. It never fails from
// the caller's point of view; the matched record is returned when found.
func RunLogout(ctx context.Context, token string, deps SessionDeps) *session.Record {
	p, err := deps.Tokens.resolve(token)
	if err != nil {
		return nil
	}
	rec, err := deps.Store.FindByJTI(ctx, p.jti)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			deps.Hooks.warn("goSession: logout lookup failed", "error", err)
		}
		return nil
	}
	if !p.matches(rec) {
		return nil
	}
	if err := deps.Store.RevokeByID(ctx, rec.UserID, rec.ID, clock(deps.Now)); err != nil {
		deps.Hooks.warn("goSession: logout revoke failed", "family_id", rec.FamilyID, "error", err)
		return nil
	}
	return rec
}

// RunLogoutAll revokes every live family of userID and returns how many
// families were ended.
func RunLogoutAll(ctx context.Context, userID string, deps SessionDeps) (int, FailureKind, error) {
	now := clock(deps.Now)
	tips, err := deps.Store.ListLive(ctx, userID, now)
	if err != nil {
		return 0, storeFailure(err), err
	}
	families := 0
	for _, rec := range tips {
		n, err := deps.Store.RevokeFamily(ctx, userID, rec.FamilyID, now)
		if err != nil {
			return families, storeFailure(err), err
		}
		if n > 0 {
			families++
		}
		deps.Hooks.revoked(ctx, userID, rec.FamilyID, RevokeReasonLogoutAll, n)
	}
	return families, FailureNone, nil
}
