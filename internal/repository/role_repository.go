package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-clm-identity/pkg/apperr"
)

// RoleRepository handles role lookups. Role management itself lives with the
// platform CRUD; invitations only need to resolve a role reference.
type RoleRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

func NewRoleRepository(db *pgxpool.Pool, log zerolog.Logger) *RoleRepository {
	return &RoleRepository{db: db, log: log}
}

// GetByID retrieves a role by id.
func (r *RoleRepository) GetByID(ctx context.Context, id uuid.UUID) (*Role, error) {
	query := `SELECT id, name, created_at FROM roles WHERE id = $1`

	role := &Role{}
	err := r.db.QueryRow(ctx, query, id).Scan(&role.ID, &role.Name, &role.CreatedAt)
	if isNoRows(err) {
		return nil, apperr.NotFound("role")
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get role")
	}
	return role, nil
}

// Ensure inserts a role by name if absent and returns it. Used by bootstrap.
func (r *RoleRepository) Ensure(ctx context.Context, name string) (*Role, error) {
	query := `
		INSERT INTO roles (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, created_at
	`

	role := &Role{}
	err := r.db.QueryRow(ctx, query, name).Scan(&role.ID, &role.Name, &role.CreatedAt)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to ensure role")
	}
	return role, nil
}
