package session

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// runStoreSuite exercises the behaviour every Store backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndFind", func(t *testing.T) { testCreateAndFind(t, newStore(t)) })
	t.Run("RotateSingleWinner", func(t *testing.T) { testRotateSingleWinner(t, newStore(t)) })
	t.Run("RotateSentinels", func(t *testing.T) { testRotateSentinels(t, newStore(t)) })
	t.Run("MarkReusedKeepsFirst", func(t *testing.T) { testMarkReusedKeepsFirst(t, newStore(t)) })
	t.Run("RevokeFamily", func(t *testing.T) { testRevokeFamily(t, newStore(t)) })
	t.Run("RevokeByIDOwnerScoped", func(t *testing.T) { testRevokeByIDOwnerScoped(t, newStore(t)) })
	t.Run("LiveOrdering", func(t *testing.T) { testLiveOrdering(t, newStore(t)) })
	t.Run("DeleteExpired", func(t *testing.T) { testDeleteExpired(t, newStore(t)) })
	t.Run("CreateRootLimit", func(t *testing.T) { testCreateRootLimit(t, newStore(t)) })
	t.Run("CreateRootSerializesUser", func(t *testing.T) { testCreateRootSerializesUser(t, newStore(t)) })
}

func testNow() time.Time {
	return truncate(time.Now())
}

func secretHash(seed string) []byte {
	sum := sha256.Sum256([]byte(seed))
	return sum[:]
}

func rootRecord(userID string, now time.Time) *Record {
	jti := uuid.NewString()
	return &Record{
		ID:             ulid.Make().String(),
		UserID:         userID,
		JTI:            jti,
		FamilyID:       jti,
		TokenType:      TokenOpaque,
		TokenHash:      secretHash(jti),
		IssuedAt:       now,
		ExpiresAt:      now.Add(time.Hour),
		FamilyIssuedAt: now,
		DeviceID:       "dev-1",
		UserAgent:      "test-agent",
		IP:             "203.0.113.7",
	}
}

func childOf(parent *Record, now time.Time) *Record {
	jti := uuid.NewString()
	return parent.Child(ulid.Make().String(), jti, secretHash(jti), now, time.Hour)
}

func mustCreate(t *testing.T, store Store, rec *Record) {
	t.Helper()
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("create %s: %v", rec.JTI, err)
	}
}

func mustRotate(t *testing.T, store Store, parent *Record, now time.Time) *Record {
	t.Helper()
	child := childOf(parent, now)
	if err := store.MarkRotated(context.Background(), parent.JTI, now, child); err != nil {
		t.Fatalf("rotate %s: %v", parent.JTI, err)
	}
	return child
}

func mustFind(t *testing.T, store Store, jti string) *Record {
	t.Helper()
	rec, err := store.FindByJTI(context.Background(), jti)
	if err != nil {
		t.Fatalf("find %s: %v", jti, err)
	}
	return rec
}

func testCreateAndFind(t *testing.T, store Store) {
	ctx := context.Background()
	now := testNow()
	rec := rootRecord(uuid.NewString(), now)
	mustCreate(t, store, rec)

	got := mustFind(t, store, rec.JTI)
	if got.ID != rec.ID || got.UserID != rec.UserID || got.FamilyID != rec.FamilyID {
		t.Fatalf("identifiers mismatch: got %+v want %+v", got, rec)
	}
	if got.TokenType != TokenOpaque || string(got.TokenHash) != string(rec.TokenHash) {
		t.Fatalf("token material mismatch: %+v", got)
	}
	if !got.IssuedAt.Equal(rec.IssuedAt) || !got.ExpiresAt.Equal(rec.ExpiresAt) || !got.FamilyIssuedAt.Equal(rec.FamilyIssuedAt) {
		t.Fatalf("times mismatch: got %v/%v/%v", got.IssuedAt, got.ExpiresAt, got.FamilyIssuedAt)
	}
	if got.Revoked() || got.Rotated() || !got.ReusedAt.IsZero() {
		t.Fatalf("fresh record should carry no markers: %+v", got)
	}
	if got.DeviceID != "dev-1" || got.UserAgent != "test-agent" || got.IP != "203.0.113.7" {
		t.Fatalf("device metadata mismatch: %+v", got)
	}

	byID, err := store.FindByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if byID.JTI != rec.JTI {
		t.Fatalf("find by id returned jti %s, want %s", byID.JTI, rec.JTI)
	}

	if err := store.Create(ctx, rec); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate on second create, got %v", err)
	}
	if _, err := store.FindByJTI(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown jti, got %v", err)
	}
	if _, err := store.FindByID(ctx, ulid.Make().String()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func testRotateSingleWinner(t *testing.T, store Store) {
	ctx := context.Background()
	now := testNow()
	userID := uuid.NewString()
	root := rootRecord(userID, now)
	mustCreate(t, store, root)

	const workers = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(workers)

	type outcome struct {
		child *Record
		err   error
	}
	results := make(chan outcome, workers)
	for i := 0; i < workers; i++ {
		child := childOf(root, now)
		go func(child *Record) {
			defer wg.Done()
			<-start
			results <- outcome{child: child, err: store.MarkRotated(ctx, root.JTI, now, child)}
		}(child)
	}

	close(start)
	wg.Wait()
	close(results)

	var winner *Record
	for res := range results {
		switch {
		case res.err == nil:
			if winner != nil {
				t.Fatalf("two rotations succeeded: %s and %s", winner.JTI, res.child.JTI)
			}
			winner = res.child
		case errors.Is(res.err, ErrAlreadyRotated):
		default:
			t.Fatalf("unexpected rotate error: %v", res.err)
		}
	}
	if winner == nil {
		t.Fatalf("expected exactly one winner, got none")
	}

	parent := mustFind(t, store, root.JTI)
	if !parent.Rotated() {
		t.Fatalf("expected parent rotated_at to be set")
	}

	live, err := store.ListLive(ctx, userID, now)
	if err != nil {
		t.Fatalf("list live: %v", err)
	}
	if len(live) != 1 || live[0].JTI != winner.JTI {
		t.Fatalf("expected only the winning child live, got %d records", len(live))
	}
	if live[0].FamilyID != root.FamilyID || live[0].ParentJTI != root.JTI {
		t.Fatalf("child lineage mismatch: %+v", live[0])
	}
}

func testRotateSentinels(t *testing.T, store Store) {
	ctx := context.Background()
	now := testNow()
	userID := uuid.NewString()

	missing := rootRecord(userID, now)
	if err := store.MarkRotated(ctx, missing.JTI, now, childOf(missing, now)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	root := rootRecord(userID, now)
	mustCreate(t, store, root)
	if _, err := store.RevokeFamily(ctx, userID, root.FamilyID, now); err != nil {
		t.Fatalf("revoke family: %v", err)
	}
	if err := store.MarkRotated(ctx, root.JTI, now, childOf(root, now)); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}

	other := rootRecord(userID, now)
	mustCreate(t, store, other)
	child := mustRotate(t, store, other, now)
	if err := store.MarkRotated(ctx, other.JTI, now, childOf(other, now)); !errors.Is(err, ErrAlreadyRotated) {
		t.Fatalf("expected ErrAlreadyRotated, got %v", err)
	}

	// A colliding child jti must not land and must leave the parent untouched.
	tip := mustFind(t, store, child.JTI)
	clash := childOf(tip, now)
	clash.JTI = other.JTI
	if err := store.MarkRotated(ctx, tip.JTI, now, clash); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if got := mustFind(t, store, tip.JTI); got.Rotated() {
		t.Fatalf("parent must stay unrotated after a failed insert")
	}
}

func testMarkReusedKeepsFirst(t *testing.T, store Store) {
	ctx := context.Background()
	now := testNow()
	root := rootRecord(uuid.NewString(), now)
	mustCreate(t, store, root)
	mustRotate(t, store, root, now)

	first := now.Add(time.Second)
	if err := store.MarkReused(ctx, root.JTI, first); err != nil {
		t.Fatalf("mark reused: %v", err)
	}
	if err := store.MarkReused(ctx, root.JTI, first.Add(time.Minute)); err != nil {
		t.Fatalf("second mark reused: %v", err)
	}
	got := mustFind(t, store, root.JTI)
	if !got.ReusedAt.Equal(first) {
		t.Fatalf("expected first reuse timestamp kept, got %v want %v", got.ReusedAt, first)
	}

	if err := store.MarkReused(ctx, uuid.NewString(), now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown jti, got %v", err)
	}
}

func testRevokeFamily(t *testing.T, store Store) {
	ctx := context.Background()
	now := testNow()
	userID := uuid.NewString()
	root := rootRecord(userID, now)
	mustCreate(t, store, root)
	child := mustRotate(t, store, root, now)
	tip := mustRotate(t, store, child, now)

	keep := rootRecord(userID, now)
	mustCreate(t, store, keep)

	n, err := store.RevokeFamily(ctx, "someone-else", root.FamilyID, now)
	if err != nil {
		t.Fatalf("foreign revoke: %v", err)
	}
	if n != 0 {
		t.Fatalf("foreign revoke must not touch records, revoked %d", n)
	}
	if mustFind(t, store, tip.JTI).Revoked() {
		t.Fatalf("foreign revoke revoked the tip")
	}

	n, err = store.RevokeFamily(ctx, userID, root.FamilyID, now)
	if err != nil {
		t.Fatalf("revoke family: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 records revoked, got %d", n)
	}
	for _, jti := range []string{root.JTI, child.JTI, tip.JTI} {
		if !mustFind(t, store, jti).Revoked() {
			t.Fatalf("record %s not revoked", jti)
		}
	}

	n, err = store.RevokeFamily(ctx, userID, root.FamilyID, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("second revoke family: %v", err)
	}
	if n != 0 {
		t.Fatalf("second revoke should be a no-op, revoked %d", n)
	}
	if got := mustFind(t, store, tip.JTI); !got.RevokedAt.Equal(now) {
		t.Fatalf("revoked_at must keep the first timestamp, got %v", got.RevokedAt)
	}

	count, err := store.CountLive(ctx, userID, now)
	if err != nil {
		t.Fatalf("count live: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected the unrelated family to stay live, count=%d", count)
	}
}

func testRevokeByIDOwnerScoped(t *testing.T, store Store) {
	ctx := context.Background()
	now := testNow()
	userID := uuid.NewString()
	rec := rootRecord(userID, now)
	mustCreate(t, store, rec)

	if err := store.RevokeByID(ctx, "intruder", rec.ID, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for non-owner, got %v", err)
	}
	if mustFind(t, store, rec.JTI).Revoked() {
		t.Fatalf("non-owner revoke must not revoke")
	}
	if err := store.RevokeByID(ctx, userID, rec.ID, now); err != nil {
		t.Fatalf("owner revoke: %v", err)
	}
	if err := store.RevokeByID(ctx, userID, rec.ID, now.Add(time.Second)); err != nil {
		t.Fatalf("repeat revoke should be idempotent: %v", err)
	}
	if err := store.RevokeByID(ctx, userID, ulid.Make().String(), now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing id, got %v", err)
	}

	count, err := store.CountLive(ctx, userID, now)
	if err != nil {
		t.Fatalf("count live: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no live sessions, got %d", count)
	}
}

func testLiveOrdering(t *testing.T, store Store) {
	ctx := context.Background()
	now := testNow()
	userID := uuid.NewString()

	oldest := rootRecord(userID, now.Add(-3*time.Minute))
	middle := rootRecord(userID, now.Add(-2*time.Minute))
	newest := rootRecord(userID, now.Add(-time.Minute))
	expired := rootRecord(userID, now.Add(-4*time.Minute))
	expired.ExpiresAt = now.Add(-time.Second)
	for _, rec := range []*Record{newest, expired, middle, oldest} {
		mustCreate(t, store, rec)
	}
	// Rotation moves the tip but keeps the family's position.
	middleTip := mustRotate(t, store, middle, now)

	live, err := store.ListLive(ctx, userID, now)
	if err != nil {
		t.Fatalf("list live: %v", err)
	}
	want := []string{oldest.JTI, middleTip.JTI, newest.JTI}
	if len(live) != len(want) {
		t.Fatalf("expected %d live tips, got %d", len(want), len(live))
	}
	for i, rec := range live {
		if rec.JTI != want[i] {
			t.Fatalf("live[%d]=%s, want %s", i, rec.JTI, want[i])
		}
	}

	count, err := store.CountLive(ctx, userID, now)
	if err != nil {
		t.Fatalf("count live: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected count 3, got %d", count)
	}

	first, err := store.FindOldestLive(ctx, userID, 2, now)
	if err != nil {
		t.Fatalf("find oldest live: %v", err)
	}
	if len(first) != 2 || first[0].JTI != oldest.JTI || first[1].JTI != middleTip.JTI {
		t.Fatalf("unexpected oldest selection: %d records", len(first))
	}

	none, err := store.FindOldestLive(ctx, userID, 0, now)
	if err != nil {
		t.Fatalf("find oldest live zero: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no records for n=0, got %d", len(none))
	}
}

func testDeleteExpired(t *testing.T, store Store) {
	ctx := context.Background()
	now := testNow()
	userID := uuid.NewString()

	stale := rootRecord(userID, now.Add(-2*time.Hour))
	stale.ExpiresAt = now.Add(-time.Hour)
	fresh := rootRecord(userID, now)
	mustCreate(t, store, stale)
	mustCreate(t, store, fresh)

	n, err := store.DeleteExpired(ctx, now, 1000)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n < 1 {
		t.Fatalf("expected at least one record deleted, got %d", n)
	}
	if _, err := store.FindByJTI(ctx, stale.JTI); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected stale record gone, got %v", err)
	}
	if _, err := store.FindByID(ctx, stale.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected stale id index gone, got %v", err)
	}
	mustFind(t, store, fresh.JTI)
}

func testCreateRootLimit(t *testing.T, store Store) {
	ctx := context.Background()
	now := testNow()
	userID := uuid.NewString()

	older := rootRecord(userID, now.Add(-2*time.Minute))
	newer := rootRecord(userID, now.Add(-time.Minute))
	for _, rec := range []*Record{older, newer} {
		if _, err := store.CreateRoot(ctx, rec, Limit{Max: 2}, now); err != nil {
			t.Fatalf("create root under limit: %v", err)
		}
	}
	olderTip := mustRotate(t, store, older, now)

	refused := rootRecord(userID, now)
	if _, err := store.CreateRoot(ctx, refused, Limit{Max: 2}, now); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("expected ErrLimitReached, got %v", err)
	}
	if _, err := store.FindByJTI(ctx, refused.JTI); !errors.Is(err, ErrNotFound) {
		t.Fatalf("refused root must not be stored, got %v", err)
	}

	// A family past the cap does not count toward the limit.
	if _, err := store.CreateRoot(ctx, refused, Limit{Max: 2, AbsoluteCap: 90 * time.Second}, now); err != nil {
		t.Fatalf("create root beside a capped family: %v", err)
	}

	admitted := rootRecord(userID, now.Add(time.Second))
	evicted, err := store.CreateRoot(ctx, admitted, Limit{Max: 2, Prune: true}, now)
	if err != nil {
		t.Fatalf("create root with pruning: %v", err)
	}
	if len(evicted) != 2 || evicted[0].JTI != olderTip.JTI || evicted[1].FamilyID != newer.FamilyID {
		t.Fatalf("expected the two oldest families evicted, got %d records", len(evicted))
	}
	for _, jti := range []string{older.JTI, olderTip.JTI, newer.JTI} {
		if !mustFind(t, store, jti).Revoked() {
			t.Fatalf("expected %s revoked", jti)
		}
	}

	count, err := store.CountLive(ctx, userID, now)
	if err != nil || count != 2 {
		t.Fatalf("expected 2 live families, got %d err=%v", count, err)
	}

	if _, err := store.CreateRoot(ctx, admitted, Limit{Max: 5}, now); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func testCreateRootSerializesUser(t *testing.T, store Store) {
	ctx := context.Background()
	now := testNow()
	userID := uuid.NewString()

	const workers = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(workers)

	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		rec := rootRecord(userID, now)
		go func(rec *Record) {
			defer wg.Done()
			<-start
			_, err := store.CreateRoot(ctx, rec, Limit{Max: 3}, now)
			errs <- err
		}(rec)
	}

	close(start)
	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrLimitReached):
		default:
			t.Fatalf("unexpected create root error: %v", err)
		}
	}
	if created != 3 {
		t.Fatalf("expected 3 roots admitted, got %d", created)
	}

	count, err := store.CountLive(ctx, userID, now)
	if err != nil || count != 3 {
		t.Fatalf("expected 3 live families, got %d err=%v", count, err)
	}
}
