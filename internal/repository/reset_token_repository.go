package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-clm-identity/pkg/apperr"
)

// ResetTokenRepository handles password reset token operations.
type ResetTokenRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

func NewResetTokenRepository(db *pgxpool.Pool, log zerolog.Logger) *ResetTokenRepository {
	return &ResetTokenRepository{db: db, log: log}
}

// Replace deletes any unconsumed tokens for the user and inserts the new one,
// keeping at most one live reset token per user.
func (r *ResetTokenRepository) Replace(ctx context.Context, token *PasswordResetToken) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	purge := `DELETE FROM password_reset_tokens WHERE user_id = $1 AND consumed_at IS NULL`
	if _, err := tx.Exec(ctx, purge, token.UserID); err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to purge reset tokens")
	}

	insert := `
		INSERT INTO password_reset_tokens (user_id, token_hash, expires_at)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	err = tx.QueryRow(ctx, insert, token.UserID, token.TokenHash, token.ExpiresAt).
		Scan(&token.ID, &token.CreatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to create reset token")
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to commit reset token")
	}
	return nil
}

// GetByTokenHash retrieves a reset token by digest.
func (r *ResetTokenRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*PasswordResetToken, error) {
	query := `
		SELECT id, user_id, token_hash, expires_at, consumed_at, created_at
		FROM password_reset_tokens
		WHERE token_hash = $1
	`

	token := &PasswordResetToken{}
	err := r.db.QueryRow(ctx, query, tokenHash).Scan(
		&token.ID,
		&token.UserID,
		&token.TokenHash,
		&token.ExpiresAt,
		&token.ConsumedAt,
		&token.CreatedAt,
	)
	if isNoRows(err) {
		return nil, apperr.NotFound("reset token")
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get reset token")
	}
	return token, nil
}

// ConsumeTx marks the token consumed, guarded on it being unconsumed. A false
// return means another request won the race; the caller must treat that like
// an unknown token, not an internal error.
func (r *ResetTokenRepository) ConsumeTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	query := `UPDATE password_reset_tokens SET consumed_at = NOW() WHERE id = $1 AND consumed_at IS NULL`

	tag, err := tx.Exec(ctx, query, id)
	if err != nil {
		return false, apperr.Wrap(err, apperr.CodeInternal, "failed to consume reset token")
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteExpired removes expired reset tokens.
func (r *ResetTokenRepository) DeleteExpired(ctx context.Context) error {
	query := `DELETE FROM password_reset_tokens WHERE expires_at < NOW()`

	if _, err := r.db.Exec(ctx, query); err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to delete expired reset tokens")
	}
	return nil
}
