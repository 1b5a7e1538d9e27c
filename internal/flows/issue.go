package flows

import (
	"context"
	"errors"
	"time"

	"github.com/ngthtrong/goSession/session"
)

// IssueDeps captures root-session issuance dependencies.
type IssueDeps struct {
	Now             func() time.Time
	Store           session.Store
	Tokens          TokenDeps
	RefreshLifetime time.Duration
	Govern          GovernDeps
}

// IssueResult carries a new family's tokens or a failure.
type IssueResult struct {
	Failure FailureKind
	Err     error
	Tokens  Tokens
	Evicted []*session.Record
}

// RunIssue applies the session governor and starts a new family for acct.
func RunIssue(ctx context.Context, acct Account, dev Device, deps IssueDeps) IssueResult {
	now := clock(deps.Now)

	gov := RunGovern(ctx, acct.UserID, now, deps.Govern)
	if gov.Failure != FailureNone {
		return IssueResult{Failure: gov.Failure, Err: gov.Err}
	}

	jti := deps.Tokens.NewJTI()
	rec := &session.Record{
		ID:             deps.Tokens.NewRecordID(),
		UserID:         acct.UserID,
		JTI:            jti,
		FamilyID:       jti,
		TokenType:      deps.Tokens.Representation,
		IssuedAt:       now,
		ExpiresAt:      now.Add(deps.RefreshLifetime),
		FamilyIssuedAt: now,
		DeviceID:       dev.DeviceID,
		UserAgent:      dev.UserAgent,
		IP:             dev.IP,
	}

	tokens, err := deps.Tokens.mint(acct, rec)
	if err != nil {
		return IssueResult{Failure: FailureInternal, Err: err}
	}
	evicted, err := deps.Store.CreateRoot(ctx, rec, deps.Govern.limit(), now)
	if err != nil {
		if errors.Is(err, session.ErrLimitReached) {
			return IssueResult{Failure: FailureSessionLimit, Err: err}
		}
		return IssueResult{Failure: storeFailure(err), Err: err}
	}
	for _, v := range evicted {
		deps.Govern.Hooks.evicted(ctx, v)
	}
	return IssueResult{Tokens: tokens, Evicted: evicted}
}
