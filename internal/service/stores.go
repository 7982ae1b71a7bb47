package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-clm-identity/internal/audit"
	"github.com/pesio-ai/be-clm-identity/internal/mailer"
	"github.com/pesio-ai/be-clm-identity/internal/repository"
)

// minPasswordLength applies to invitation acceptance and reset consumption.
const minPasswordLength = 8

// Store interfaces consumed by the services. The pgx-backed implementations
// live in internal/repository; tests substitute in-memory fakes.

type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*repository.User, error)
	GetByEmail(ctx context.Context, email string) (*repository.User, error)
	EmailInUse(ctx context.Context, email string) (bool, error)
	CreateTx(ctx context.Context, tx pgx.Tx, user *repository.User) error
	IncrementFailedAttempts(ctx context.Context, id uuid.UUID, maxAttempts int) (int, *time.Time, error)
	SetPasswordAndInvalidateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, passwordHash string) error
}

type SessionStore interface {
	CreateAndResetAttempts(ctx context.Context, session *repository.Session) error
	CreateTx(ctx context.Context, tx pgx.Tx, session *repository.Session) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*repository.Session, error)
	Revoke(ctx context.Context, id uuid.UUID) error
	RevokeAllForUserTx(ctx context.Context, tx pgx.Tx, userID, currentSessionID uuid.UUID) error
}

type InvitationStore interface {
	UpsertForProfile(ctx context.Context, inv *repository.Invitation) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*repository.Invitation, error)
	GetByID(ctx context.Context, id uuid.UUID) (*repository.Invitation, error)
	RotateToken(ctx context.Context, id uuid.UUID, tokenHash string, expiresAt time.Time) (bool, error)
	MarkAcceptedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error)
}

type ProfileStore interface {
	Get(ctx context.Context, ref repository.ProfileRef) (*repository.Profile, error)
	LinkUserTx(ctx context.Context, tx pgx.Tx, ref repository.ProfileRef, userID uuid.UUID) (bool, error)
}

type ResetTokenStore interface {
	Replace(ctx context.Context, token *repository.PasswordResetToken) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*repository.PasswordResetToken, error)
	ConsumeTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error)
}

type RoleStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*repository.Role, error)
}

// Auditor is the dual-path audit sink.
type Auditor interface {
	Log(ctx context.Context, e audit.Entry)
	LogTx(ctx context.Context, tx pgx.Tx, e audit.Entry) error
}

// Deliverer enqueues outbound email; it never blocks and never errors.
type Deliverer interface {
	Enqueue(ctx context.Context, msg mailer.Message)
}
