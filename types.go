package goSession

import (
	"context"
	"io"
	"time"

	"github.com/ngthtrong/goSession/internal/audit"
	"github.com/ngthtrong/goSession/session"
)

// AccountStatus represents the lifecycle state of a user account.
type AccountStatus uint8

const (
	// AccountPendingActivation accounts may log in unless verified email is required.
	AccountPendingActivation AccountStatus = iota
	// AccountActive is a fully usable account.
	AccountActive
	// AccountDeactivated accounts cannot log in or refresh.
	AccountDeactivated
)

func (s AccountStatus) String() string {
	switch s {
	case AccountPendingActivation:
		return "pending_activation"
	case AccountActive:
		return "active"
	case AccountDeactivated:
		return "deactivated"
	default:
		return "unknown"
	}
}

// TokenRepresentation selects how refresh tokens are handed to clients.
type TokenRepresentation = session.TokenType

const (
	// TokenOpaque refresh tokens are base64url(jti || secret) with a hashed secret at rest.
	TokenOpaque = session.TokenOpaque
	// TokenSigned refresh tokens are JWTs whose jti names the record.
	TokenSigned = session.TokenSigned
)

// UserRecord is the identity view the engine reads through [UserProvider].
type UserRecord struct {
	UserID       string
	Email        string
	Role         string
	Status       AccountStatus
	PasswordHash string
}

// UserProvider resolves identities. Implementations return [ErrUserNotFound]
// for unknown users and any other error for backend failures.
type UserProvider interface {
	GetUserByEmail(ctx context.Context, email string) (UserRecord, error)
	GetUserByID(ctx context.Context, userID string) (UserRecord, error)
}

// ExternalIdentity is the result of a single identity exchange step.
type ExternalIdentity struct {
	Subject       string
	Email         string
	EmailVerified bool
}

// IdentityExchanger turns an authorization code into an external identity.
type IdentityExchanger interface {
	Exchange(ctx context.Context, code string) (ExternalIdentity, error)
}

// DeviceInfo is client metadata recorded on a new session.
type DeviceInfo struct {
	DeviceID  string
	UserAgent string
	IP        string
}

// Issuance is the credential set returned by Login, Exchange and Refresh.
type Issuance struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`

	// FamilyID identifies the session for ListSessions and RevokeSession.
	FamilyID string `json:"-"`
}

// SessionInfo describes one live session of a user.
type SessionInfo struct {
	ID        string    `json:"id"`
	FamilyID  string    `json:"familyId"`
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	DeviceID  string    `json:"deviceId,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Current   bool      `json:"current"`
}

// AuthResult is returned by [Engine.ValidateAccess].
type AuthResult struct {
	UserID    string
	Role      string
	Status    string
	FamilyID  string
	ExpiresAt time.Time
}

// ReuseNotice is published when a rotated refresh token is presented again.
type ReuseNotice struct {
	UserID     string    `json:"userId"`
	FamilyID   string    `json:"familyId"`
	JTI        string    `json:"jti"`
	DeviceID   string    `json:"deviceId,omitempty"`
	IP         string    `json:"ip,omitempty"`
	DetectedAt time.Time `json:"detectedAt"`
	Revoked    int       `json:"revoked"`
}

// Notifier receives security notifications. Notify runs on a background
// worker; its error is logged and otherwise ignored.
type Notifier interface {
	NotifyReuse(ctx context.Context, notice ReuseNotice) error
}

// AuditEvent is one security-relevant event.
type AuditEvent = audit.Event

// AuditSink receives audit events from the background dispatcher.
type AuditSink = audit.Sink

// NoOpSink drops audit events.
type NoOpSink = audit.NoOpSink

// ChannelSink buffers audit events in a channel for tests and fan-out.
type ChannelSink = audit.ChannelSink

// JSONWriterSink writes one JSON audit event per line.
type JSONWriterSink = audit.JSONWriterSink

// SlogSink logs audit events through slog.
type SlogSink = audit.SlogSink

// MultiSink fans audit events out to several sinks.
type MultiSink = audit.MultiSink

func NewChannelSink(buffer int) *ChannelSink { return audit.NewChannelSink(buffer) }

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}
