package flows

import (
	"errors"
	"strings"
	"time"

	"github.com/ngthtrong/goSession/jwt"
	"github.com/ngthtrong/goSession/refresh"
	"github.com/ngthtrong/goSession/session"
)

// Signer is the subset of *jwt.Manager the flows need.
type Signer interface {
	CreateAccess(in jwt.AccessInput) (string, time.Time, error)
	CreateRefresh(in jwt.RefreshInput) (string, error)
	ParseRefresh(token string) (*jwt.RefreshClaims, error)
}

// TokenDeps mints and resolves credentials.
type TokenDeps struct {
	Representation session.TokenType
	Signer         Signer
	StatusClaim    func(uint8) string
	NewJTI         func() string
	NewRecordID    func() string
}

var errTokenForm = errors.New("refresh token form does not match record")

// presented is what a client-supplied refresh token claims to be.
type presented struct {
	jti     string
	typ     session.TokenType
	subject string
	secret  refresh.Secret
}

// resolve parses a refresh token without consulting the store. Signed tokens
// are recognized by their three JWS segments.
func (d TokenDeps) resolve(token string) (presented, error) {
	if strings.Count(token, ".") == 2 {
		if d.Signer == nil {
			return presented{}, errTokenForm
		}
		claims, err := d.Signer.ParseRefresh(token)
		if err != nil {
			return presented{}, err
		}
		return presented{jti: claims.ID, typ: session.TokenSigned, subject: claims.Subject}, nil
	}

	jti, secret, err := refresh.Decode(token)
	if err != nil {
		return presented{}, err
	}
	return presented{jti: jti, typ: session.TokenOpaque, secret: secret}, nil
}

// matches binds the presented token to its record.
func (p presented) matches(rec *session.Record) bool {
	if rec.TokenType != p.typ || rec.JTI != p.jti {
		return false
	}
	switch p.typ {
	case session.TokenSigned:
		return p.subject == rec.UserID
	case session.TokenOpaque:
		return p.secret.Matches(rec.TokenHash)
	}
	return false
}

// mintRefresh produces the client token for rec. For opaque records it also
// fills rec.TokenHash, so it must run before the record is written.
func (d TokenDeps) mintRefresh(rec *session.Record) (string, error) {
	switch rec.TokenType {
	case session.TokenOpaque:
		token, hash, err := refresh.Issue(rec.JTI)
		if err != nil {
			return "", err
		}
		rec.TokenHash = hash
		return token, nil
	case session.TokenSigned:
		if d.Signer == nil {
			return "", errTokenForm
		}
		rec.TokenHash = nil
		return d.Signer.CreateRefresh(jwt.RefreshInput{
			UserID:    rec.UserID,
			JTI:       rec.JTI,
			FamilyID:  rec.FamilyID,
			IssuedAt:  rec.IssuedAt,
			ExpiresAt: rec.ExpiresAt,
		})
	}
	return "", errTokenForm
}

func (d TokenDeps) mintAccess(acct Account, familyID string) (string, time.Time, error) {
	status := ""
	if d.StatusClaim != nil {
		status = d.StatusClaim(acct.Status)
	}
	return d.Signer.CreateAccess(jwt.AccessInput{
		UserID:   acct.UserID,
		Role:     acct.Role,
		Status:   status,
		FamilyID: familyID,
	})
}

// mint builds both tokens for rec and returns them with rec attached.
func (d TokenDeps) mint(acct Account, rec *session.Record) (Tokens, error) {
	refreshToken, err := d.mintRefresh(rec)
	if err != nil {
		return Tokens{}, err
	}
	access, exp, err := d.mintAccess(acct, rec.FamilyID)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{
		AccessToken:     access,
		AccessExpiresAt: exp,
		RefreshToken:    refreshToken,
		Record:          rec,
	}, nil
}
