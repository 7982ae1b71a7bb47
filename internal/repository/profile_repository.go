package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-clm-identity/pkg/apperr"
)

// ProfileRepository reads the profile tables an invitation can target and
// performs the one-shot user link. Profiles are owned by the claims CRUD
// subsystem; this repository only touches the fields the identity flows need.
type ProfileRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

func NewProfileRepository(db *pgxpool.Pool, log zerolog.Logger) *ProfileRepository {
	return &ProfileRepository{db: db, log: log}
}

// Get retrieves the identity-relevant slice of a profile.
func (r *ProfileRepository) Get(ctx context.Context, ref ProfileRef) (*Profile, error) {
	table, ok := profileTables[ref.Kind]
	if !ok {
		return nil, apperr.BadRequest("unknown profile kind")
	}

	query := `SELECT email, full_name, is_active, user_id FROM ` + table + ` WHERE id = $1`

	profile := &Profile{Ref: ref}
	err := r.db.QueryRow(ctx, query, ref.ID).Scan(
		&profile.Email,
		&profile.FullName,
		&profile.IsActive,
		&profile.UserID,
	)
	if isNoRows(err) {
		return nil, apperr.NotFound("profile")
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get profile")
	}
	return profile, nil
}

// LinkUserTx writes the profile's user id exactly once, guarded on the field
// being null. A false return means another path linked the profile first.
func (r *ProfileRepository) LinkUserTx(ctx context.Context, tx pgx.Tx, ref ProfileRef, userID uuid.UUID) (bool, error) {
	table, ok := profileTables[ref.Kind]
	if !ok {
		return false, apperr.BadRequest("unknown profile kind")
	}

	query := `UPDATE ` + table + ` SET user_id = $2, updated_at = NOW() WHERE id = $1 AND user_id IS NULL`

	tag, err := tx.Exec(ctx, query, ref.ID, userID)
	if err != nil {
		return false, apperr.Wrap(err, apperr.CodeInternal, "failed to link profile")
	}
	return tag.RowsAffected() == 1, nil
}
