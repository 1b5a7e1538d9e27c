package userstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	goSession "github.com/ngthtrong/goSession"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Postgres implements goSession.UserProvider over a table with the columns
// id, email, role, status and password_hash. status holds one of
// "pending_activation", "active" or "deactivated".
type Postgres struct {
	pool   *pgxpool.Pool
	byID   string
	byMail string
}

// NewPostgres returns a provider reading from table, optionally schema
// qualified ("auth.users").
func NewPostgres(pool *pgxpool.Pool, table string) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("userstore: nil pool")
	}
	if table == "" {
		table = "users"
	}
	for _, part := range strings.Split(table, ".") {
		if !identRe.MatchString(part) {
			return nil, fmt.Errorf("userstore: invalid table name %q", table)
		}
	}

	cols := "id::text, email, role, status, password_hash"
	return &Postgres{
		pool:   pool,
		byID:   "SELECT " + cols + " FROM " + table + " WHERE id::text = $1",
		byMail: "SELECT " + cols + " FROM " + table + " WHERE lower(email) = lower($1)",
	}, nil
}

func (p *Postgres) GetUserByID(ctx context.Context, userID string) (goSession.UserRecord, error) {
	return p.one(ctx, p.byID, userID)
}

func (p *Postgres) GetUserByEmail(ctx context.Context, email string) (goSession.UserRecord, error) {
	return p.one(ctx, p.byMail, strings.TrimSpace(email))
}

func (p *Postgres) one(ctx context.Context, query, arg string) (goSession.UserRecord, error) {
	var (
		rec    goSession.UserRecord
		status string
	)
	err := p.pool.QueryRow(ctx, query, arg).Scan(&rec.UserID, &rec.Email, &rec.Role, &status, &rec.PasswordHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return goSession.UserRecord{}, goSession.ErrUserNotFound
	}
	if err != nil {
		return goSession.UserRecord{}, fmt.Errorf("userstore: %w", err)
	}
	rec.Status = ParseStatus(status)
	return rec, nil
}

// ParseStatus maps a stored status string to an account status. Unknown
// values are treated as deactivated so that a bad row cannot log in.
func ParseStatus(s string) goSession.AccountStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active":
		return goSession.AccountActive
	case "pending_activation", "pending":
		return goSession.AccountPendingActivation
	default:
		return goSession.AccountDeactivated
	}
}
