package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-clm-identity/pkg/apperr"
)

const sessionColumns = `id, user_id, token_hash, expires_at, revoked_at, ip_address, user_agent, created_at`

const insertSessionQuery = `
	INSERT INTO sessions (user_id, token_hash, expires_at, ip_address, user_agent)
	VALUES ($1, $2, $3, $4, $5)
	RETURNING id, created_at
`

// SessionRepository handles session data operations. Sessions store only the
// digest of the bearer token, never the raw value.
type SessionRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

func NewSessionRepository(db *pgxpool.Pool, log zerolog.Logger) *SessionRepository {
	return &SessionRepository{db: db, log: log}
}

// CreateAndResetAttempts grants a session and zeroes the owner's failed-login
// counter in one transaction, so a crash cannot leave a session behind with
// the counter still racked up.
func (r *SessionRepository) CreateAndResetAttempts(ctx context.Context, session *Session) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	reset := `UPDATE users SET failed_login_attempts = 0, updated_at = NOW() WHERE id = $1`
	if _, err := tx.Exec(ctx, reset, session.UserID); err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to reset login attempts")
	}

	err = tx.QueryRow(ctx, insertSessionQuery,
		session.UserID, session.TokenHash, session.ExpiresAt, session.IPAddress, session.UserAgent,
	).Scan(&session.ID, &session.CreatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to create session")
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to commit session")
	}
	return nil
}

// CreateTx inserts a session inside an existing transaction.
func (r *SessionRepository) CreateTx(ctx context.Context, tx pgx.Tx, session *Session) error {
	err := tx.QueryRow(ctx, insertSessionQuery,
		session.UserID, session.TokenHash, session.ExpiresAt, session.IPAddress, session.UserAgent,
	).Scan(&session.ID, &session.CreatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to create session")
	}
	return nil
}

// GetByTokenHash retrieves a session by the digest of its bearer token.
func (r *SessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE token_hash = $1`

	session := &Session{}
	err := r.db.QueryRow(ctx, query, tokenHash).Scan(
		&session.ID,
		&session.UserID,
		&session.TokenHash,
		&session.ExpiresAt,
		&session.RevokedAt,
		&session.IPAddress,
		&session.UserAgent,
		&session.CreatedAt,
	)
	if isNoRows(err) {
		return nil, apperr.NotFound("session")
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get session")
	}
	return session, nil
}

// Revoke marks a session revoked. Double-revocation is a no-op.
func (r *SessionRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE sessions SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`

	if _, err := r.db.Exec(ctx, query, id); err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to revoke session")
	}
	return nil
}

// RevokeAllForUserTx moves the user's invalidation watermark to now and
// force-revokes the acting session. The watermark comparison elsewhere is a
// strict before, so the caller's own session would otherwise survive.
func (r *SessionRepository) RevokeAllForUserTx(ctx context.Context, tx pgx.Tx, userID, currentSessionID uuid.UUID) error {
	watermark := `UPDATE users SET sessions_invalidated_at = NOW(), updated_at = NOW() WHERE id = $1`
	tag, err := tx.Exec(ctx, watermark, userID)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to invalidate sessions")
	}
	if tag.RowsAffected() == 0 {
		return apperr.Internal("user vanished during session invalidation", nil)
	}

	revoke := `UPDATE sessions SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`
	if _, err := tx.Exec(ctx, revoke, currentSessionID); err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to revoke current session")
	}
	return nil
}

// DeleteExpired removes expired sessions. Storage hygiene only; validity is
// always checked at read time.
func (r *SessionRepository) DeleteExpired(ctx context.Context) error {
	query := `DELETE FROM sessions WHERE expires_at < NOW()`

	if _, err := r.db.Exec(ctx, query); err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to delete expired sessions")
	}
	return nil
}
