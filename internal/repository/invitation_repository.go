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

const invitationColumns = `id, token_hash, email, role_id, profile_kind, profile_id,
	expires_at, accepted_at, created_by, created_at, updated_at`

// InvitationRepository handles invitation data operations.
type InvitationRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

func NewInvitationRepository(db *pgxpool.Pool, log zerolog.Logger) *InvitationRepository {
	return &InvitationRepository{db: db, log: log}
}

func scanInvitation(row pgx.Row) (*Invitation, error) {
	inv := &Invitation{}
	err := row.Scan(
		&inv.ID,
		&inv.TokenHash,
		&inv.Email,
		&inv.RoleID,
		&inv.Profile.Kind,
		&inv.Profile.ID,
		&inv.ExpiresAt,
		&inv.AcceptedAt,
		&inv.CreatedBy,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// UpsertForProfile creates or refreshes the single invitation for a profile,
// keyed on its (kind, id) uniqueness. A refresh rotates token and expiry and
// clears any stale acceptance stamp.
func (r *InvitationRepository) UpsertForProfile(ctx context.Context, inv *Invitation) error {
	query := `
		INSERT INTO invitations (token_hash, email, role_id, profile_kind, profile_id, expires_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (profile_kind, profile_id) DO UPDATE SET
			token_hash  = EXCLUDED.token_hash,
			email       = EXCLUDED.email,
			role_id     = EXCLUDED.role_id,
			expires_at  = EXCLUDED.expires_at,
			created_by  = EXCLUDED.created_by,
			accepted_at = NULL,
			updated_at  = NOW()
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		inv.TokenHash,
		inv.Email,
		inv.RoleID,
		inv.Profile.Kind,
		inv.Profile.ID,
		inv.ExpiresAt,
		inv.CreatedBy,
	).Scan(&inv.ID, &inv.CreatedAt, &inv.UpdatedAt)

	if isUniqueViolation(err) {
		// token_hash collided, which means the generator is broken
		return apperr.Internal("invitation token collision", err)
	}
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to upsert invitation")
	}
	return nil
}

// GetByTokenHash retrieves an invitation by the digest of its token.
func (r *InvitationRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*Invitation, error) {
	query := `SELECT ` + invitationColumns + ` FROM invitations WHERE token_hash = $1`

	inv, err := scanInvitation(r.db.QueryRow(ctx, query, tokenHash))
	if isNoRows(err) {
		return nil, apperr.NotFound("invitation")
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get invitation")
	}
	return inv, nil
}

// GetByID retrieves an invitation by id. Admin-triggered paths only.
func (r *InvitationRepository) GetByID(ctx context.Context, id uuid.UUID) (*Invitation, error) {
	query := `SELECT ` + invitationColumns + ` FROM invitations WHERE id = $1`

	inv, err := scanInvitation(r.db.QueryRow(ctx, query, id))
	if isNoRows(err) {
		return nil, apperr.NotFound("invitation")
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get invitation")
	}
	return inv, nil
}

// RotateToken installs a fresh token and expiry, guarded on the invitation
// not being accepted. A false return means an accept landed first.
func (r *InvitationRepository) RotateToken(ctx context.Context, id uuid.UUID, tokenHash string, expiresAt time.Time) (bool, error) {
	query := `
		UPDATE invitations
		SET token_hash = $2, expires_at = $3, updated_at = NOW()
		WHERE id = $1 AND accepted_at IS NULL
	`

	tag, err := r.db.Exec(ctx, query, id, tokenHash, expiresAt)
	if err != nil {
		return false, apperr.Wrap(err, apperr.CodeInternal, "failed to rotate invitation token")
	}
	return tag.RowsAffected() == 1, nil
}

// MarkAcceptedTx stamps acceptance, guarded on the invitation being
// unaccepted. A false return means a concurrent acceptance won.
func (r *InvitationRepository) MarkAcceptedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	query := `UPDATE invitations SET accepted_at = NOW(), updated_at = NOW() WHERE id = $1 AND accepted_at IS NULL`

	tag, err := tx.Exec(ctx, query, id)
	if err != nil {
		return false, apperr.Wrap(err, apperr.CodeInternal, "failed to accept invitation")
	}
	return tag.RowsAffected() == 1, nil
}
