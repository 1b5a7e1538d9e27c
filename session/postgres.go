package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

const recordColumns = `
	id, user_id, jti, family_id, parent_jti, token_type, token_hash,
	issued_at, expires_at, family_issued_at,
	revoked_at, rotated_at, reused_at,
	device_id, user_agent, ip`

// PostgresStore implements Store on the session_records table. Apply the
// embedded migrations with [Migrate] before use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a Postgres-backed record store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Create inserts a new record.
func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	return pgError(insertRecord(ctx, s.pool, rec))
}

// CreateRoot enforces limit and inserts rec in one transaction. A
// transaction-scoped advisory lock keyed on the user serializes concurrent
// roots for that user until commit.
func (s *PostgresStore) CreateRoot(ctx context.Context, rec *Record, limit Limit, now time.Time) ([]*Record, error) {
	if err := validateRecord(rec); err != nil {
		return nil, err
	}
	if limit.Max <= 0 {
		return []*Record{}, s.Create(ctx, rec)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, pgError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rec.UserID); err != nil {
		return nil, pgError(err)
	}

	var cutoff any
	if limit.AbsoluteCap > 0 {
		cutoff = truncate(now.Add(-limit.AbsoluteCap))
	}
	rows, err := tx.Query(ctx, `
		SELECT `+recordColumns+`
		FROM session_records
		WHERE user_id = $1
		  AND revoked_at IS NULL
		  AND rotated_at IS NULL
		  AND expires_at >= $2
		  AND ($3::timestamptz IS NULL OR family_issued_at >= $3)
		ORDER BY family_issued_at ASC, jti ASC
	`, rec.UserID, truncate(now), cutoff)
	if err != nil {
		return nil, pgError(err)
	}
	live, err := collectRecords(rows)
	if err != nil {
		return nil, pgError(err)
	}

	evicted := []*Record{}
	if len(live) >= limit.Max {
		if !limit.Prune {
			return nil, ErrLimitReached
		}
		evicted = live[:len(live)-limit.Max+1]
		families := make([]string, len(evicted))
		for i, v := range evicted {
			families[i] = v.FamilyID
			v.RevokedAt = truncate(now)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE session_records
			SET revoked_at = $3
			WHERE user_id = $1
			  AND family_id = ANY($2)
			  AND revoked_at IS NULL
		`, rec.UserID, families, truncate(now)); err != nil {
			return nil, pgError(err)
		}
	}

	if err := insertRecord(ctx, tx, rec); err != nil {
		return nil, pgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, pgError(err)
	}
	return evicted, nil
}

// FindByJTI loads a record by token identifier.
func (s *PostgresStore) FindByJTI(ctx context.Context, jti string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM session_records WHERE jti = $1`, jti)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, pgError(err)
	}
	return rec, nil
}

// FindByID loads a record by record identifier.
func (s *PostgresStore) FindByID(ctx context.Context, id string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM session_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, pgError(err)
	}
	return rec, nil
}

// MarkRotated runs the conditional parent update and the child insert in one
// transaction. Concurrent callers serialize on the parent row; losers see
// rotated_at already set and affect zero rows.
func (s *PostgresStore) MarkRotated(ctx context.Context, oldJTI string, now time.Time, child *Record) error {
	if err := validateRecord(child); err != nil {
		return err
	}
	if child.ParentJTI != oldJTI {
		return errors.New("child parent jti does not match rotated record")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pgError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE session_records
		SET rotated_at = $2
		WHERE jti = $1
		  AND family_id = $3
		  AND rotated_at IS NULL
		  AND revoked_at IS NULL
	`, oldJTI, truncate(now), child.FamilyID)
	if err != nil {
		return pgError(err)
	}
	if tag.RowsAffected() == 0 {
		return classifyUnrotated(ctx, tx, oldJTI, child.FamilyID)
	}

	if err := insertRecord(ctx, tx, child); err != nil {
		return pgError(err)
	}
	return pgError(tx.Commit(ctx))
}

func classifyUnrotated(ctx context.Context, tx pgx.Tx, jti, familyID string) error {
	var (
		rotatedAt *time.Time
		revokedAt *time.Time
		family    string
	)
	err := tx.QueryRow(ctx, `
		SELECT rotated_at, revoked_at, family_id
		FROM session_records
		WHERE jti = $1
	`, jti).Scan(&rotatedAt, &revokedAt, &family)
	if err != nil {
		return pgError(err)
	}
	switch {
	case rotatedAt != nil:
		return ErrAlreadyRotated
	case revokedAt != nil:
		return ErrRevoked
	case family != familyID:
		return fmt.Errorf("%w: child family does not match parent", ErrCorrupt)
	}
	// The row changed between the update and this read; report it as a lost race.
	return ErrAlreadyRotated
}

// MarkReused stamps reused_at once.
func (s *PostgresStore) MarkReused(ctx context.Context, jti string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE session_records
		SET reused_at = COALESCE(reused_at, $2)
		WHERE jti = $1
	`, jti, truncate(now))
	if err != nil {
		return pgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeByID revokes one record owned by userID (idempotent).
func (s *PostgresStore) RevokeByID(ctx context.Context, userID, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE session_records
		SET revoked_at = COALESCE(revoked_at, $3)
		WHERE id = $1 AND user_id = $2
	`, id, userID, truncate(now))
	if err != nil {
		return pgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeFamily revokes every unrevoked record of the family and returns the
// number of rows changed.
func (s *PostgresStore) RevokeFamily(ctx context.Context, userID, familyID string, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE session_records
		SET revoked_at = $3
		WHERE user_id = $1
		  AND family_id = $2
		  AND revoked_at IS NULL
	`, userID, familyID, truncate(now))
	if err != nil {
		return 0, pgError(err)
	}
	return int(tag.RowsAffected()), nil
}

// CountLive counts unrevoked, unrotated, unexpired records for userID.
func (s *PostgresStore) CountLive(ctx context.Context, userID string, now time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM session_records
		WHERE user_id = $1
		  AND revoked_at IS NULL
		  AND rotated_at IS NULL
		  AND expires_at >= $2
	`, userID, truncate(now)).Scan(&n)
	if err != nil {
		return 0, pgError(err)
	}
	return n, nil
}

// ListLive returns live tips ordered by family issue time.
func (s *PostgresStore) ListLive(ctx context.Context, userID string, now time.Time) ([]*Record, error) {
	return s.liveTips(ctx, userID, nil, now)
}

// FindOldestLive returns at most n live tips, oldest family first.
func (s *PostgresStore) FindOldestLive(ctx context.Context, userID string, n int, now time.Time) ([]*Record, error) {
	if n <= 0 {
		return []*Record{}, nil
	}
	return s.liveTips(ctx, userID, n, now)
}

func (s *PostgresStore) liveTips(ctx context.Context, userID string, limit any, now time.Time) ([]*Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM session_records
		WHERE user_id = $1
		  AND revoked_at IS NULL
		  AND rotated_at IS NULL
		  AND expires_at >= $2
		ORDER BY family_issued_at ASC, jti ASC
		LIMIT $3
	`, userID, truncate(now), limit)
	if err != nil {
		return nil, pgError(err)
	}
	out, err := collectRecords(rows)
	if err != nil {
		return nil, pgError(err)
	}
	return out, nil
}

func collectRecords(rows pgx.Rows) ([]*Record, error) {
	defer rows.Close()

	out := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteExpired removes up to limit records that expired before the cutoff.
func (s *PostgresStore) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM session_records
		WHERE id IN (
			SELECT id FROM session_records
			WHERE expires_at < $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
	`, truncate(before), limit)
	if err != nil {
		return 0, pgError(err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return pgError(s.pool.Ping(ctx))
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertRecord(ctx context.Context, db execer, rec *Record) error {
	_, err := db.Exec(ctx, `
		INSERT INTO session_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		rec.ID,
		rec.UserID,
		rec.JTI,
		rec.FamilyID,
		nullIfEmpty(rec.ParentJTI),
		string(rec.TokenType),
		nullIfNoBytes(rec.TokenHash),
		truncate(rec.IssuedAt),
		truncate(rec.ExpiresAt),
		truncate(rec.FamilyIssuedAt),
		nullIfZero(rec.RevokedAt),
		nullIfZero(rec.RotatedAt),
		nullIfZero(rec.ReusedAt),
		nullIfEmpty(rec.DeviceID),
		nullIfEmpty(rec.UserAgent),
		nullIfEmpty(rec.IP),
	)
	return err
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec                            Record
		tokenType                      string
		parentJTI, deviceID, ua, ip    *string
		revokedAt, rotatedAt, reusedAt *time.Time
	)
	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.JTI,
		&rec.FamilyID,
		&parentJTI,
		&tokenType,
		&rec.TokenHash,
		&rec.IssuedAt,
		&rec.ExpiresAt,
		&rec.FamilyIssuedAt,
		&revokedAt,
		&rotatedAt,
		&reusedAt,
		&deviceID,
		&ua,
		&ip,
	)
	if err != nil {
		return nil, err
	}

	rec.TokenType = TokenType(tokenType)
	if !rec.TokenType.Valid() {
		return nil, ErrCorrupt
	}
	rec.ParentJTI = derefString(parentJTI)
	rec.DeviceID = derefString(deviceID)
	rec.UserAgent = derefString(ua)
	rec.IP = derefString(ip)
	rec.IssuedAt = truncate(rec.IssuedAt)
	rec.ExpiresAt = truncate(rec.ExpiresAt)
	rec.FamilyIssuedAt = truncate(rec.FamilyIssuedAt)
	rec.RevokedAt = derefTime(revokedAt)
	rec.RotatedAt = derefTime(rotatedAt)
	rec.ReusedAt = derefTime(reusedAt)
	return &rec, nil
}

// pgError maps pgx errors onto the store sentinels.
func pgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, ErrCorrupt) || errors.Is(err, ErrNotFound) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrDuplicate
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfNoBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullIfZero(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return truncate(t)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return truncate(*t)
}
