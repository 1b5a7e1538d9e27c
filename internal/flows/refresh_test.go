package flows

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ngthtrong/goSession/internal/rate"
	"github.com/ngthtrong/goSession/refresh"
	"github.com/ngthtrong/goSession/session"
)

func TestRefreshRotatesAndChains(t *testing.T) {
	for _, rep := range []session.TokenType{session.TokenOpaque, session.TokenSigned} {
		t.Run(string(rep), func(t *testing.T) {
			f := newFixture(t, rep, nil)
			first := f.issue(t)

			f.clock.Advance(time.Minute)
			res := f.refresh(t, first.RefreshToken)
			assertFailure(t, res.Failure, FailureNone)

			child := res.Tokens.Record
			if child.FamilyID != first.Record.FamilyID {
				t.Fatal("child must stay in the family")
			}
			if child.ParentJTI != first.Record.JTI {
				t.Fatal("child must point at its parent")
			}
			if !child.FamilyIssuedAt.Equal(first.Record.FamilyIssuedAt) {
				t.Fatal("family issue time must carry over")
			}
			if !child.ExpiresAt.Equal(f.clock.Now().Add(time.Hour)) {
				t.Fatalf("child expiry = %v", child.ExpiresAt)
			}
			if res.Tokens.RefreshToken == first.RefreshToken || res.Tokens.AccessToken == "" {
				t.Fatal("expected fresh credentials")
			}

			parent, err := f.store.FindByJTI(context.Background(), first.Record.JTI)
			if err != nil || !parent.Rotated() {
				t.Fatalf("parent should be rotated: %+v %v", parent, err)
			}

			claims, err := f.signer.ParseAccess(res.Tokens.AccessToken)
			if err != nil {
				t.Fatalf("ParseAccess: %v", err)
			}
			if claims.FamilyID != first.Record.FamilyID || claims.Subject != "u1" {
				t.Fatalf("unexpected claims %+v", claims)
			}
		})
	}
}

func TestRefreshReuseRevokesFamily(t *testing.T) {
	f := newFixture(t, session.TokenOpaque, nil)
	first := f.issue(t)

	second := f.refresh(t, first.RefreshToken)
	assertFailure(t, second.Failure, FailureNone)

	replay := f.refresh(t, first.RefreshToken)
	assertFailure(t, replay.Failure, FailureTokenReuse)
	if f.log.reuseCount() != 1 {
		t.Fatalf("expected one reuse signal, got %d", f.log.reuseCount())
	}

	// The legitimate holder's tip is dead too.
	tip := f.refresh(t, second.Tokens.RefreshToken)
	assertFailure(t, tip.Failure, FailureTokenRevoked)

	parent, _ := f.store.FindByJTI(context.Background(), first.Record.JTI)
	if parent.ReusedAt.IsZero() {
		t.Fatal("reused_at should be recorded")
	}
}

func TestRefreshConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t, session.TokenOpaque, nil)
	first := f.issue(t)

	const workers = 24
	start := make(chan struct{})
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		reuses  atomic.Int32
		revoked atomic.Int32
		other   atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res := f.service().Refresh(context.Background(), first.RefreshToken)
			switch res.Failure {
			case FailureNone:
				winners.Add(1)
			case FailureTokenReuse:
				reuses.Add(1)
			case FailureTokenRevoked:
				// Read the record after the family kill.
				revoked.Add(1)
			default:
				other.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if winners.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners.Load())
	}
	if reuses.Load() == 0 || other.Load() != 0 {
		t.Fatalf("losers must fail closed: reuse=%d revoked=%d other=%d", reuses.Load(), revoked.Load(), other.Load())
	}

	n, err := f.store.CountLive(context.Background(), "u1", f.clock.Now())
	if err != nil || n != 0 {
		t.Fatalf("family should be dead after the race: live=%d err=%v", n, err)
	}
}

func TestRefreshExpiredWinsOverRevoked(t *testing.T) {
	f := newFixture(t, session.TokenOpaque, nil)
	first := f.issue(t)

	if _, err := f.store.RevokeFamily(context.Background(), "u1", first.Record.FamilyID, f.clock.Now()); err != nil {
		t.Fatalf("RevokeFamily: %v", err)
	}
	assertFailure(t, f.refresh(t, first.RefreshToken).Failure, FailureTokenRevoked)

	f.clock.Advance(2 * time.Hour)
	assertFailure(t, f.refresh(t, first.RefreshToken).Failure, FailureTokenExpired)
}

func TestRefreshAbsoluteCap(t *testing.T) {
	f := newFixture(t, session.TokenOpaque, func(d *Deps) {
		d.Refresh.AbsoluteCap = 90 * time.Minute
	})
	tok := f.issue(t).RefreshToken

	for i := 0; i < 2; i++ {
		f.clock.Advance(40 * time.Minute)
		res := f.refresh(t, tok)
		assertFailure(t, res.Failure, FailureNone)
		tok = res.Tokens.RefreshToken
	}

	f.clock.Advance(40 * time.Minute)
	assertFailure(t, f.refresh(t, tok).Failure, FailureSessionExpired)

	n, _ := f.store.CountLive(context.Background(), "u1", f.clock.Now())
	if n != 0 {
		t.Fatalf("capped family should be revoked, live=%d", n)
	}
}

func TestRefreshInvalidInputs(t *testing.T) {
	f := newFixture(t, session.TokenOpaque, nil)
	first := f.issue(t)

	jti, _, err := refresh.Decode(first.RefreshToken)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	other, err := refresh.NewSecret()
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	forged, _ := refresh.Encode(jti, other)

	unknown, _, _ := refresh.Issue("6e1f5b8a-3b1c-4c55-9a8e-1f2d3c4b5a69")

	cases := map[string]string{
		"empty":         "",
		"garbage":       "not-a-token",
		"wrong secret":  forged,
		"unknown jti":   unknown,
		"jwt-shaped":    "a.b.c",
		"access as ref": first.AccessToken,
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			assertFailure(t, f.refresh(t, tok).Failure, FailureInvalidToken)
		})
	}

	// None of the failures consumed the real token.
	assertFailure(t, f.refresh(t, first.RefreshToken).Failure, FailureNone)
}

func TestRefreshTokenFormMustMatchRecord(t *testing.T) {
	f := newFixture(t, session.TokenSigned, nil)
	signed := f.issue(t)

	// An opaque token that names a signed record's jti is rejected.
	forged, _, _ := refresh.Issue(signed.Record.JTI)
	assertFailure(t, f.refresh(t, forged).Failure, FailureInvalidToken)
	assertFailure(t, f.refresh(t, signed.RefreshToken).Failure, FailureNone)
}

func TestRefreshUserStateRevokesFamily(t *testing.T) {
	f := newFixture(t, session.TokenOpaque, nil)
	tok := f.issue(t).RefreshToken

	f.users.setStatus("u1", statusDeactivated)
	assertFailure(t, f.refresh(t, tok).Failure, FailureAccountDeactivated)

	f.users.setStatus("u1", statusActive)
	assertFailure(t, f.refresh(t, tok).Failure, FailureTokenRevoked)

	tok = f.issue(t).RefreshToken
	f.users.remove("u1")
	assertFailure(t, f.refresh(t, tok).Failure, FailureInvalidToken)
}

type denyRefresh struct{ err error }

func (d denyRefresh) CheckRefresh(context.Context, string) error { return d.err }

func TestRefreshRateLimitedKeepsToken(t *testing.T) {
	f := newFixture(t, session.TokenOpaque, nil)
	tok := f.issue(t).RefreshToken

	limited := f.deps.Refresh
	limited.RateLimiter = denyRefresh{err: rate.ErrRateLimited}
	assertFailure(t, RunRefresh(context.Background(), tok, limited).Failure, FailureRateLimited)

	limited.RateLimiter = denyRefresh{err: rate.ErrRedisUnavailable}
	assertFailure(t, RunRefresh(context.Background(), tok, limited).Failure, FailureUnavailable)

	assertFailure(t, f.refresh(t, tok).Failure, FailureNone)
}

func TestRefreshThrottleRunsBeforeUserLookup(t *testing.T) {
	f := newFixture(t, session.TokenOpaque, nil)
	first := f.issue(t)
	f.users.remove("u1")

	limited := f.deps.Refresh
	limited.RateLimiter = denyRefresh{err: rate.ErrRateLimited}
	assertFailure(t, RunRefresh(context.Background(), first.RefreshToken, limited).Failure, FailureRateLimited)

	rec, err := f.store.FindByJTI(context.Background(), first.Record.JTI)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if rec.Revoked() {
		t.Fatal("a throttled refresh must not reach the user check")
	}
}
