package session

import (
	"time"
)

// TokenType identifies how a refresh token is represented on the wire.
type TokenType string

const (
	// TokenSigned is a self-contained JWT verifiable by signature alone.
	TokenSigned TokenType = "signed"
	// TokenOpaque is a random secret; only its hash is stored.
	TokenOpaque TokenType = "opaque"
)

// Valid reports whether t is a known representation.
func (t TokenType) Valid() bool {
	return t == TokenSigned || t == TokenOpaque
}

// Record is one issued refresh token. A record is immutable once rotated;
// only RevokedAt and ReusedAt may still change afterwards.
//
// Zero time values stand for null.
type Record struct {
	ID        string
	UserID    string
	JTI       string
	FamilyID  string
	ParentJTI string
	TokenType TokenType
	TokenHash []byte

	IssuedAt       time.Time
	ExpiresAt      time.Time
	FamilyIssuedAt time.Time

	RevokedAt time.Time
	RotatedAt time.Time
	ReusedAt  time.Time

	DeviceID  string
	UserAgent string
	IP        string
}

// IsRoot reports whether r started its family.
func (r *Record) IsRoot() bool {
	return r.ParentJTI == ""
}

// Revoked reports whether r was invalidated by logout, revoke or family kill.
func (r *Record) Revoked() bool {
	return !r.RevokedAt.IsZero()
}

// Rotated reports whether r has been superseded by a child.
func (r *Record) Rotated() bool {
	return !r.RotatedAt.IsZero()
}

// Expired reports whether now is past r's own expiry.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// FamilyCapExceeded reports whether the family's absolute lifetime has elapsed.
// A non-positive limit disables the cap.
func (r *Record) FamilyCapExceeded(now time.Time, limit time.Duration) bool {
	if limit <= 0 {
		return false
	}
	return now.Sub(r.FamilyIssuedAt) > limit
}

// Live reports whether r is the usable tip of its family at now.
func (r *Record) Live(now time.Time, limit time.Duration) bool {
	return !r.Revoked() && !r.Rotated() && !r.Expired(now) && !r.FamilyCapExceeded(now, limit)
}

// Child derives the successor of r for a rotation at now. The caller supplies
// the fresh identifiers and secret hash.
func (r *Record) Child(id, jti string, tokenHash []byte, now time.Time, lifetime time.Duration) *Record {
	return &Record{
		ID:             id,
		UserID:         r.UserID,
		JTI:            jti,
		FamilyID:       r.FamilyID,
		ParentJTI:      r.JTI,
		TokenType:      r.TokenType,
		TokenHash:      cloneBytes(tokenHash),
		IssuedAt:       now,
		ExpiresAt:      now.Add(lifetime),
		FamilyIssuedAt: r.FamilyIssuedAt,
		DeviceID:       r.DeviceID,
		UserAgent:      r.UserAgent,
		IP:             r.IP,
	}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.TokenHash = cloneBytes(r.TokenHash)
	return &out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// truncate normalizes t to the millisecond precision stores persist.
func truncate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.UnixMilli(t.UnixMilli()).UTC()
}
