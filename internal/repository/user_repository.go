package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-clm-identity/pkg/apperr"
)

const userColumns = `id, email, password_hash, is_active, email_verified_at,
	failed_login_attempts, locked_at, sessions_invalidated_at, role_id, created_at, updated_at`

// UserRepository handles user data operations.
type UserRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

func NewUserRepository(db *pgxpool.Pool, log zerolog.Logger) *UserRepository {
	return &UserRepository{db: db, log: log}
}

func scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.IsActive,
		&user.EmailVerifiedAt,
		&user.FailedLoginAttempts,
		&user.LockedAt,
		&user.SessionsInvalidatedAt,
		&user.RoleID,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetByID retrieves a user by id.
func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(r.db.QueryRow(ctx, query, id))
	if isNoRows(err) {
		return nil, apperr.NotFound("user")
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get user")
	}
	return user, nil
}

// GetByEmail retrieves a user by email, case-folded.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1)`

	user, err := scanUser(r.db.QueryRow(ctx, query, email))
	if isNoRows(err) {
		return nil, apperr.NotFound("user")
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get user by email")
	}
	return user, nil
}

// EmailInUse reports whether any user already holds the email under
// case-folding.
func (r *UserRepository) EmailInUse(ctx context.Context, email string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM users WHERE LOWER(email) = LOWER($1))`

	var inUse bool
	if err := r.db.QueryRow(ctx, query, email).Scan(&inUse); err != nil {
		return false, apperr.Wrap(err, apperr.CodeInternal, "failed to check email")
	}
	return inUse, nil
}

// CreateTx inserts a user inside an existing transaction. A concurrent insert
// of the same email surfaces as Conflict via the unique index.
func (r *UserRepository) CreateTx(ctx context.Context, tx pgx.Tx, user *User) error {
	query := `
		INSERT INTO users (email, password_hash, is_active, email_verified_at, role_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`

	err := tx.QueryRow(ctx, query,
		user.Email,
		user.PasswordHash,
		user.IsActive,
		user.EmailVerifiedAt,
		user.RoleID,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)

	if isUniqueViolation(err) {
		return apperr.Conflict("email already in use")
	}
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to create user")
	}
	return nil
}

// IncrementFailedAttempts bumps the failed-login counter and, when the
// post-increment count reaches maxAttempts on an unlocked user, stamps both
// the lock and the session-invalidation watermark. One conditional statement,
// so concurrent failures cannot both skip the lock.
func (r *UserRepository) IncrementFailedAttempts(ctx context.Context, id uuid.UUID, maxAttempts int) (int, *time.Time, error) {
	query := `
		UPDATE users
		SET failed_login_attempts = failed_login_attempts + 1,
		    locked_at = CASE
		        WHEN failed_login_attempts + 1 >= $2 AND locked_at IS NULL THEN NOW()
		        ELSE locked_at
		    END,
		    sessions_invalidated_at = CASE
		        WHEN failed_login_attempts + 1 >= $2 AND locked_at IS NULL THEN NOW()
		        ELSE sessions_invalidated_at
		    END,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING failed_login_attempts, locked_at
	`

	var count int
	var lockedAt *time.Time
	err := r.db.QueryRow(ctx, query, id, maxAttempts).Scan(&count, &lockedAt)
	if isNoRows(err) {
		return 0, nil, apperr.Internal("user vanished during lockout update", err)
	}
	if err != nil {
		return 0, nil, apperr.Wrap(err, apperr.CodeInternal, "failed to record login attempt")
	}
	return count, lockedAt, nil
}

// SetPasswordAndInvalidateTx rewrites the password hash and moves the
// session-invalidation watermark to now, revoking every existing session
// implicitly. Runs inside the caller's transaction.
func (r *UserRepository) SetPasswordAndInvalidateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, passwordHash string) error {
	query := `
		UPDATE users
		SET password_hash = $2, sessions_invalidated_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`

	tag, err := tx.Exec(ctx, query, id, passwordHash)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to update password")
	}
	if tag.RowsAffected() == 0 {
		return apperr.Internal("user vanished during password update", nil)
	}
	return nil
}
