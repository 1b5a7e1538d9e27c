package flows

import (
	"context"
	"time"

	"github.com/ngthtrong/goSession/session"
)

// GovernDeps captures the concurrent-session policy.
type GovernDeps struct {
	Store       session.Store
	MaxSessions int
	PruneOldest bool
	AbsoluteCap time.Duration
	Hooks       Hooks
}

func (d GovernDeps) limit() session.Limit {
	return session.Limit{Max: d.MaxSessions, Prune: d.PruneOldest, AbsoluteCap: d.AbsoluteCap}
}

// GovernResult reports a store failure met while preparing the limit.
type GovernResult struct {
	Failure FailureKind
	Err     error
}

// RunGovern prepares userID for one more session at now.
//
// Families past the absolute cap are not live and are revoked before the
// limit is applied. The limit itself is checked by [session.Store.CreateRoot]
// in the write that inserts the new root: the oldest families are revoked
// there when PruneOldest is set, otherwise the issuance is refused.
func RunGovern(ctx context.Context, userID string, now time.Time, deps GovernDeps) GovernResult {
	if deps.MaxSessions <= 0 || deps.AbsoluteCap <= 0 {
		return GovernResult{}
	}

	count, err := deps.Store.CountLive(ctx, userID, now)
	if err != nil {
		return GovernResult{Failure: storeFailure(err), Err: err}
	}
	if count < deps.MaxSessions {
		return GovernResult{}
	}

	tips, err := deps.Store.ListLive(ctx, userID, now)
	if err != nil {
		return GovernResult{Failure: storeFailure(err), Err: err}
	}
	for _, rec := range tips {
		if rec.FamilyCapExceeded(now, deps.AbsoluteCap) {
			revokeFamily(ctx, deps.Store, deps.Hooks, userID, rec.FamilyID, RevokeReasonCap, now)
		}
	}
	return GovernResult{}
}
