package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record matches the lookup, including
	// owner-scoped lookups against another user's record.
	ErrNotFound = errors.New("session record not found")
	// ErrAlreadyRotated is returned by MarkRotated when the parent lost the
	// conditional write to a concurrent rotation.
	ErrAlreadyRotated = errors.New("session record already rotated")
	// ErrRevoked is returned by MarkRotated when the parent was revoked.
	ErrRevoked = errors.New("session record revoked")
	// ErrDuplicate is returned when a record with the same jti or id exists.
	ErrDuplicate = errors.New("session record already exists")
	// ErrUnavailable wraps transport and backend failures.
	ErrUnavailable = errors.New("session store unavailable")
	// ErrCorrupt is returned when a stored record cannot be decoded.
	ErrCorrupt = errors.New("session record corrupt")
	// ErrLimitReached is returned by CreateRoot when the user holds the
	// maximum number of live families and pruning is off.
	ErrLimitReached = errors.New("session limit reached")
)

// Limit bounds the live families a user may hold when a new root is created.
// A non-positive Max disables the bound.
type Limit struct {
	Max int
	// Prune revokes the oldest live families to make room instead of refusing.
	Prune bool
	// AbsoluteCap leaves families older than the cap out of the count.
	AbsoluteCap time.Duration
}

// Store persists refresh-token records.
//
// Implementations must make MarkRotated a single conditional write: at most
// one caller may rotate a given parent, and the child insert must be part of
// the same atomic unit. CreateRoot likewise counts, evicts and inserts as
// one unit per user, so concurrent logins cannot overshoot the limit.
//
// Times are passed in by the caller so that every expiry decision uses the
// engine's clock.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	// CreateRoot inserts a family root under limit and returns the tips of
	// the families it revoked to make room.
	CreateRoot(ctx context.Context, rec *Record, limit Limit, now time.Time) ([]*Record, error)
	FindByJTI(ctx context.Context, jti string) (*Record, error)
	FindByID(ctx context.Context, id string) (*Record, error)
	MarkRotated(ctx context.Context, oldJTI string, now time.Time, child *Record) error
	MarkReused(ctx context.Context, jti string, now time.Time) error
	RevokeByID(ctx context.Context, userID, id string, now time.Time) error
	RevokeFamily(ctx context.Context, userID, familyID string, now time.Time) (int, error)
	CountLive(ctx context.Context, userID string, now time.Time) (int, error)
	ListLive(ctx context.Context, userID string, now time.Time) ([]*Record, error)
	FindOldestLive(ctx context.Context, userID string, n int, now time.Time) ([]*Record, error)
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
	Ping(ctx context.Context) error
}

// IsTransient reports whether err is a backend failure that may succeed on a
// second attempt.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

func validateRecord(rec *Record) error {
	switch {
	case rec == nil:
		return errors.New("nil record")
	case rec.ID == "" || rec.JTI == "" || rec.UserID == "" || rec.FamilyID == "":
		return errors.New("record requires id, jti, user id and family id")
	case !rec.TokenType.Valid():
		return errors.New("record token type is invalid")
	case rec.TokenType == TokenOpaque && len(rec.TokenHash) == 0:
		return errors.New("opaque record requires token hash")
	case rec.IsRoot() && rec.FamilyID != rec.JTI:
		return errors.New("root record family id must equal its jti")
	case rec.ExpiresAt.IsZero() || rec.IssuedAt.IsZero() || rec.FamilyIssuedAt.IsZero():
		return errors.New("record requires issued, expiry and family issued times")
	}
	return nil
}
